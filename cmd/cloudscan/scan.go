package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohioffl/cloudscan/internal/log"
	"github.com/rohioffl/cloudscan/internal/model"
)

var (
	flagRegion  string
	flagProject string
	flagKeyFile string
	flagChecks  []string
	flagGroup   string
)

var scanCmd = &cobra.Command{
	Use:       "scan aws|gcp",
	Short:     "scan runs one prowler scan and waits for it",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"aws", "gcp", "AWS", "GCP"},
	RunE:      doScan,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history prints the stored jobs, newest first",
	RunE:  doHistory,
}

var scansCmd = &cobra.Command{
	Use:   "scans [aws|gcp]",
	Short: "scans prints the stored scans, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doScans,
}

func init() {
	f := scanCmd.Flags()
	f.StringVar(&flagRegion, "region", "", `AWS region or "all", defaults to aws.region, then "all"`)
	f.StringVar(&flagProject, "project", "", "GCP project id, defaults to gcp.project_id")
	f.StringVar(&flagKeyFile, "key-file", "", "credential file: GCP service account key or AWS {accessKeyId, secretAccessKey} JSON")
	f.StringSliceVar(&flagChecks, "checks", nil, "prowler checks to run")
	f.StringVar(&flagGroup, "group", "", "prowler compliance framework")
}

func doScan(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("cloudscan",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	))

	provider, err := model.ParseProvider(args[0])
	if err != nil {
		return err
	}
	req := model.ScanRequest{
		Provider: provider,
		Target:   flagRegion,
		Options:  model.Options{Checks: flagChecks, Group: flagGroup},
	}
	if provider == model.ProviderGCP {
		req.Target = flagProject
	}
	if flagKeyFile != "" {
		content, err := os.ReadFile(flagKeyFile)
		if err != nil {
			return fmt.Errorf("reading key file: %w", err)
		}
		if provider == model.ProviderAWS {
			var keys model.AWSKeys
			if err := json.Unmarshal(content, &keys); err != nil {
				return fmt.Errorf("parsing AWS key file: %w", err)
			}
			req.Credential.AWS = &keys
		} else {
			req.Credential.Content = content
		}
	}

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			slog.ErrorContext(ctx, "closing", "error", err)
		}
	}()

	id, err := a.orch.Submit(ctx, req)
	if err != nil {
		return err
	}
	rec, err := a.orch.Wait(ctx, id)
	if err != nil {
		return err
	}

	out := struct {
		Job  model.JobRecord    `json:"job"`
		Scan *model.ScanSummary `json:"scan,omitempty"`
	}{Job: rec}
	if rec.Result != nil {
		res, err := a.orch.Scan(ctx, rec.Result.ScanID)
		if err != nil {
			return err
		}
		sum := res.Summary()
		out.Scan = &sum
	}
	if err := printJSON(cmd.OutOrStdout(), out); err != nil {
		return err
	}
	if rec.Status != model.JobCompleted {
		return fmt.Errorf("scan %s failed: %s", id, rec.Error.Message)
	}
	return nil
}

func doHistory(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	list, err := st.ListJobRecords(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"data": list})
}

func doScans(cmd *cobra.Command, args []string) error {
	var provider model.Provider
	if len(args) == 1 {
		var err error
		if provider, err = model.ParseProvider(args[0]); err != nil {
			return err
		}
	}
	st, err := openStore(cmd.Context(), config)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	list, err := st.ListScanResults(cmd.Context(), provider)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"data": list})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
