package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rohioffl/cloudscan/internal/ledger"
	"github.com/rohioffl/cloudscan/internal/log"
	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/rohioffl/cloudscan/internal/vault"
)

// Invoker runs one prowler scan and returns the path of its artifact.
type Invoker interface {
	Run(ctx context.Context, provider model.Provider, cred *vault.Credential, target string, opts model.Options) (string, error)
}

// Normalizer turns an artifact into a ScanResult.
type Normalizer interface {
	Parse(provider model.Provider, path, target string) (model.ScanResult, error)
}

// Storage persists scan results.
type Storage interface {
	SaveScanResult(ctx context.Context, res model.ScanResult) (string, error)
	GetScanResult(ctx context.Context, id string) (model.ScanResult, error)
	ListScanResults(ctx context.Context, provider model.Provider) ([]model.ScanSummary, error)
}

// IdentityLister lists the projects a credential can access.
type IdentityLister interface {
	ListAccessibleProjects(ctx context.Context, content []byte) ([]string, error)
}

// Components are the collaborators of an Orchestrator. Lister is optional.
type Components struct {
	Vault      *vault.Vault
	Ledger     *ledger.Ledger
	Invoker    Invoker
	Normalizer Normalizer
	Storage    Storage
	Lister     IdentityLister
}

type Orchestrator struct {
	Components
	gcp model.GCPConfig
	aws model.AWSConfig
	sem *semaphore.Weighted

	// base context of job bodies, canceled when Close gives up waiting
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg model.Config, c Components) (*Orchestrator, error) {
	switch {
	case c.Vault == nil:
		return nil, errors.New("service: vault is required")
	case c.Ledger == nil:
		return nil, errors.New("service: ledger is required")
	case c.Invoker == nil || c.Normalizer == nil || c.Storage == nil:
		return nil, errors.New("service: invoker, normalizer and storage are required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Components: c,
		gcp:        cfg.GCP,
		aws:        cfg.AWS,
		sem:        semaphore.NewWeighted(int64(workers)),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Submit validates req, resolves its credential and starts the scan in
// the background. It returns the job id without waiting for the scan.
func (o *Orchestrator) Submit(ctx context.Context, req model.ScanRequest) (string, error) {
	const op = "submit"

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return "", model.E(model.KindInternal, op, model.ErrClosed)
	}

	req, err := o.validate(req)
	if err != nil {
		return "", err
	}
	cred, err := o.credential(ctx, req)
	if err != nil {
		return "", err
	}

	rec := o.Ledger.Create(ctx, req.Provider, req.Target)
	jobCtx := log.ContextAttrs(o.ctx,
		slog.String("job_id", rec.ID),
		slog.String("provider", req.Provider.String()),
		slog.String("target", req.Target),
	)
	slog.InfoContext(jobCtx, "scan submitted", "origin", origin(cred))

	o.wg.Add(1)
	go o.run(jobCtx, rec.ID, req, cred)
	return rec.ID, nil
}

func (o *Orchestrator) validate(req model.ScanRequest) (model.ScanRequest, error) {
	const op = "submit"
	if !req.Provider.Valid() {
		return req, model.Errorf(model.KindValidation, op, "unsupported provider %q", req.Provider)
	}
	req.Target = strings.TrimSpace(req.Target)

	switch req.Provider {
	case model.ProviderAWS:
		if req.Target == "" {
			req.Target = o.aws.Region
		}
		if req.Target == "" {
			req.Target = model.AllRegions
		}
	case model.ProviderGCP:
		if req.Target == "" {
			req.Target = o.gcp.ProjectID
		}
		if req.Target == "" {
			return req, model.Errorf(model.KindValidation, op, "project id is required")
		}
		if req.Credential.AWS != nil {
			return req, model.Errorf(model.KindValidation, op, "AWS keys can not be used for a GCP scan")
		}
	}

	var sources int
	if req.Credential.KeyID != "" {
		sources++
	}
	if len(req.Credential.Content) > 0 {
		sources++
	}
	if req.Credential.AWS != nil {
		sources++
		if !req.Credential.AWS.Valid() {
			return req, model.Errorf(model.KindValidation, op, "accessKeyId and secretAccessKey are required")
		}
	}
	if sources > 1 {
		return req, model.Errorf(model.KindValidation, op, "more than one credential given")
	}
	return req, nil
}

// credential resolves the credential source of a validated request. A nil
// credential with a nil error means the environment AWS keys.
func (o *Orchestrator) credential(ctx context.Context, req model.ScanRequest) (*vault.Credential, error) {
	const op = "submit"
	ref := req.Credential
	switch {
	case ref.KeyID != "":
		cred, err := o.Vault.Take(ref.KeyID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.Errorf(model.KindCredentialNotFound, op, "credential %s not found", ref.KeyID)
		}
		return cred, err
	case ref.AWS != nil:
		b, err := json.Marshal(ref.AWS)
		if err != nil {
			return nil, model.E(model.KindInternal, op, err)
		}
		return o.Vault.Hold(ctx, b)
	case len(ref.Content) > 0:
		return o.Vault.Hold(ctx, ref.Content)
	}

	switch req.Provider {
	case model.ProviderGCP:
		if o.gcp.KeyPath == "" {
			return nil, model.Errorf(model.KindValidation, op, "no credential given and no service account key configured")
		}
		cred, err := vault.Environment(o.gcp.KeyPath)
		if err != nil {
			return nil, model.E(model.KindInternal, op, err)
		}
		return cred, nil
	default:
		if !o.aws.Keys().Valid() {
			return nil, model.Errorf(model.KindValidation, op, "no credential given and no AWS keys configured")
		}
		return nil, nil
	}
}

func (o *Orchestrator) run(ctx context.Context, id string, req model.ScanRequest, cred *vault.Credential) {
	defer o.wg.Done()

	var (
		result *model.JobResult
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = model.Errorf(model.KindInternal, "job", "panic: %v", r)
			slog.ErrorContext(ctx, "job panicked", "panic", r, "stack", string(debug.Stack()))
		}
		if rerr := cred.Release(); rerr != nil {
			slog.WarnContext(ctx, "releasing credential", "error", rerr)
		}
		o.finish(ctx, id, result, err)
	}()

	result, err = o.execute(ctx, id, req, cred)
}

func (o *Orchestrator) execute(ctx context.Context, id string, req model.ScanRequest, cred *vault.Credential) (*model.JobResult, error) {
	const op = "job"
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, model.E(model.KindInternal, op, fmt.Errorf("waiting for a worker: %w", err))
	}
	defer o.sem.Release(1)

	if err := o.Ledger.Transition(ctx, id, model.JobRunning, nil, nil); err != nil {
		return nil, model.E(model.KindInternal, op, err)
	}
	o.progress(ctx, id, 10)

	started := time.Now()
	artifact, err := o.Invoker.Run(ctx, req.Provider, cred, req.Target, req.Options)
	if err != nil {
		return nil, classify(model.KindScan, op, err)
	}
	defer func() {
		if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "removing artifact", "path", artifact, "error", err)
		}
	}()
	slog.DebugContext(ctx, "prowler done", "artifact", artifact, "duration", time.Since(started).String())
	o.progress(ctx, id, 80)

	res, err := o.Normalizer.Parse(req.Provider, artifact, req.Target)
	if err != nil {
		return nil, classify(model.KindParse, op, err)
	}
	scanID, err := o.Storage.SaveScanResult(ctx, res)
	if err != nil {
		return nil, classify(model.KindPersistence, op, err)
	}
	return &model.JobResult{ScanID: scanID, FindingsCount: len(res.Findings)}, nil
}

func (o *Orchestrator) progress(ctx context.Context, id string, p int) {
	if err := o.Ledger.UpdateProgress(ctx, id, p); err != nil {
		slog.WarnContext(ctx, "updating progress", "progress", p, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, id string, result *model.JobResult, err error) {
	status := model.JobCompleted
	if err != nil {
		status = model.JobFailed
		slog.ErrorContext(ctx, "scan failed", "kind", model.KindOf(err), "error", err)
	} else {
		slog.InfoContext(ctx, "scan completed", "scan_id", result.ScanID, "findings", result.FindingsCount)
	}
	if terr := o.Ledger.Transition(ctx, id, status, result, err); terr != nil {
		slog.ErrorContext(ctx, "finishing job", "status", status, "error", terr)
	}
}

// Status returns a copy of the job record.
func (o *Orchestrator) Status(id string) (model.JobRecord, error) {
	rec, err := o.Ledger.Get(id)
	if err != nil {
		return model.JobRecord{}, fmt.Errorf("job %s: %w", id, err)
	}
	return rec, nil
}

// History returns all jobs, newest first.
func (o *Orchestrator) History() []model.JobRecord {
	return o.Ledger.List()
}

// Wait polls the job until it is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (model.JobRecord, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		rec, err := o.Status(id)
		if err != nil || rec.Status.Terminal() {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Upload is the answer to a credential upload.
type Upload struct {
	KeyID    string   `json:"keyId"`
	Projects []string `json:"projects"`
	Warning  string   `json:"warning,omitempty"`
}

// UploadCredential stores content in the vault. With listProjects the
// projects the key can access are listed too; a failure to list them is
// reported as a warning and the key stays usable.
func (o *Orchestrator) UploadCredential(ctx context.Context, content []byte, listProjects bool) (Upload, error) {
	id, err := o.Vault.Put(ctx, content)
	if err != nil {
		return Upload{}, err
	}
	up := Upload{KeyID: id, Projects: []string{}}
	if !listProjects || o.Lister == nil {
		return up, nil
	}

	projects, err := o.Lister.ListAccessibleProjects(ctx, content)
	if err != nil {
		slog.WarnContext(ctx, "listing projects", "key_id", id, "error", err)
		up.Warning = "could not list projects: " + err.Error()
		return up, nil
	}
	if projects != nil {
		up.Projects = projects
	}
	return up, nil
}

// Scan returns a persisted scan.
func (o *Orchestrator) Scan(ctx context.Context, id string) (model.ScanResult, error) {
	return o.Storage.GetScanResult(ctx, id)
}

// Scans lists the persisted scans of provider, newest first.
func (o *Orchestrator) Scans(ctx context.Context, provider model.Provider) ([]model.ScanSummary, error) {
	return o.Storage.ListScanResults(ctx, provider)
}

// Close rejects new jobs and waits for the running ones. If ctx ends first
// the jobs are canceled, which kills their processes, and ctx.Err() is
// returned once they are gone.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "canceling running scans")
		o.cancel()
		<-done
		return ctx.Err()
	}
}

// classify wraps err with kind unless it is already classified.
func classify(kind model.Kind, op string, err error) error {
	var e *model.Error
	if errors.As(err, &e) {
		return err
	}
	return model.E(kind, op, err)
}

func origin(cred *vault.Credential) vault.Origin {
	if cred == nil {
		return vault.OriginEnvironment
	}
	return cred.Origin
}
