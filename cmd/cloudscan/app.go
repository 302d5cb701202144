package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rohioffl/cloudscan/internal/gcp"
	"github.com/rohioffl/cloudscan/internal/ledger"
	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/rohioffl/cloudscan/internal/normalize"
	"github.com/rohioffl/cloudscan/internal/prowler"
	"github.com/rohioffl/cloudscan/internal/service"
	"github.com/rohioffl/cloudscan/internal/store"
	"github.com/rohioffl/cloudscan/internal/vault"
)

// app holds the long lived components built from the configuration.
type app struct {
	store  *store.Store
	vault  *vault.Vault
	ledger *ledger.Ledger
	orch   *service.Orchestrator
}

func newApp(ctx context.Context, cfg model.Config) (*app, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a := &app{store: st}

	a.vault, err = vault.New(cfg.Vault)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	a.ledger = ledger.New(ledger.WithRecorder(st))

	inv, err := prowler.New(cfg.Scanner, cfg.AWS)
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	a.orch, err = service.New(cfg, service.Components{
		Vault:      a.vault,
		Ledger:     a.ledger,
		Invoker:    inv,
		Normalizer: normalize.New(),
		Storage:    st,
		Lister:     gcp.NewProjectLister(),
	})
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

// restore loads the stored job history into the ledger. Jobs the store
// still has as queued or running are rewritten as failed, so only the
// process owning the store may call it.
func (a *app) restore(ctx context.Context) error {
	records, err := a.store.ListJobRecords(ctx)
	if err != nil {
		return fmt.Errorf("loading job history: %w", err)
	}
	if n := a.ledger.Restore(ctx, records); n > 0 {
		slog.InfoContext(ctx, "job history restored", "jobs", n)
	}
	return nil
}

// openStore is used by the read only commands. It leaves the rows of jobs
// a running server is working on untouched.
func openStore(ctx context.Context, cfg model.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// close waits for running jobs until ctx ends, then releases the vault and
// the store.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		errs = append(errs, a.orch.Close(ctx))
	}
	if a.vault != nil {
		errs = append(errs, a.vault.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
