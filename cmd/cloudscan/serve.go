package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rohioffl/cloudscan/internal/api"
	"github.com/rohioffl/cloudscan/internal/log"
	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/rohioffl/cloudscan/internal/vault"
)

const (
	shutdownTimeout = 30 * time.Second
	drainTimeout    = 2 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API and the credential sweeper",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("cloudscan",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		if err := a.close(drainCtx); err != nil {
			slog.ErrorContext(ctx, "closing", "error", err)
		}
	}()
	if err := a.restore(ctx); err != nil {
		return err
	}

	sched, err := model.ParseSchedule(config.Vault.Sweep)
	if err != nil {
		return err
	}
	sweeper, err := vault.NewSweeper(ctx, a.vault, sched)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              config.Listen,
		Handler:           api.New(a.orch, a.store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Start()
		<-ctx.Done()
		return sweeper.Shutdown()
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", config.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
