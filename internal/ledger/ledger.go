// Package ledger tracks the state of scan jobs. Writes to one job are
// serialized, writes to different jobs are independent, and readers only
// ever see complete snapshots.
package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rohioffl/cloudscan/internal/lockmap"
	"github.com/rohioffl/cloudscan/internal/model"
)

// Recorder mirrors job records to durable storage. Failures are logged and
// do not affect the in-memory state.
type Recorder interface {
	SaveJobRecord(ctx context.Context, rec model.JobRecord) error
	UpdateJobRecord(ctx context.Context, rec model.JobRecord) error
}

// ErrInterrupted marks jobs a previous process left unfinished.
var ErrInterrupted = errors.New("interrupted by a restart")

type slot struct {
	rec atomic.Pointer[model.JobRecord]
}

type Ledger struct {
	mu    sync.RWMutex
	jobs  map[string]*slot
	locks *lockmap.LockMap[string]

	recorder Recorder
	now      func() time.Time
	newID    func() string
}

type Option func(*Ledger)

func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		l.recorder = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		jobs:  make(map[string]*slot),
		locks: lockmap.New[string](),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create adds a queued job.
func (l *Ledger) Create(ctx context.Context, provider model.Provider, target string) model.JobRecord {
	now := l.now().UTC()
	rec := &model.JobRecord{
		ID:        l.newID(),
		Provider:  provider,
		Target:    target,
		Status:    model.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s := &slot{}
	s.rec.Store(rec)

	l.mu.Lock()
	l.jobs[rec.ID] = s
	l.mu.Unlock()

	if l.recorder != nil {
		if err := l.recorder.SaveJobRecord(ctx, rec.Clone()); err != nil {
			slog.WarnContext(ctx, "ledger: saving job record", "job_id", rec.ID, "error", err)
		}
	}
	return rec.Clone()
}

func (l *Ledger) Get(id string) (model.JobRecord, error) {
	s, ok := l.slot(id)
	if !ok {
		return model.JobRecord{}, model.ErrNotFound
	}
	return s.rec.Load().Clone(), nil
}

// List returns all jobs, newest first.
func (l *Ledger) List() []model.JobRecord {
	l.mu.RLock()
	out := make([]model.JobRecord, 0, len(l.jobs))
	for _, s := range l.jobs {
		out = append(out, s.rec.Load().Clone())
	}
	l.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.JobRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

// UpdateProgress raises the progress of a running or queued job. Progress
// never decreases and stays below 100 until the job is terminal. Updates of
// terminal jobs are ignored.
func (l *Ledger) UpdateProgress(ctx context.Context, id string, progress int) error {
	return l.update(ctx, id, func(rec *model.JobRecord) (bool, error) {
		if rec.Status.Terminal() {
			return false, nil
		}
		progress = min(progress, 99)
		if progress <= rec.Progress {
			return false, nil
		}
		rec.Progress = progress
		return true, nil
	})
}

// Transition moves a job to status. A terminal status sets progress to 100
// and stores either result or the kind and message of jobErr. A terminal job
// can not go back to queued or running.
func (l *Ledger) Transition(ctx context.Context, id string, status model.JobStatus, result *model.JobResult, jobErr error) error {
	if !status.Valid() {
		return model.Errorf(model.KindInternal, "ledger.transition", "invalid status %q", status)
	}
	return l.update(ctx, id, func(rec *model.JobRecord) (bool, error) {
		if rec.Status.Terminal() && !status.Terminal() {
			return false, model.Errorf(model.KindInternal, "ledger.transition",
				"job %s is %s, can not become %s", id, rec.Status, status)
		}
		rec.Status = status
		if status.Terminal() {
			rec.Progress = 100
			rec.Result = nil
			rec.Error = nil
			if status == model.JobCompleted && result != nil {
				res := *result
				rec.Result = &res
			}
			if status == model.JobFailed {
				if jobErr == nil {
					jobErr = model.Errorf(model.KindInternal, "ledger.transition", "job failed without an error")
				}
				rec.Error = model.NewJobError(jobErr)
			}
		}
		return true, nil
	})
}

// Restore loads records persisted by a previous process. Jobs left queued
// or running are marked failed. Already known ids are skipped.
func (l *Ledger) Restore(ctx context.Context, records []model.JobRecord) int {
	var n int
	for _, r := range records {
		rec := r.Clone()
		interrupted := !rec.Status.Terminal()
		if interrupted {
			rec.Status = model.JobFailed
			rec.Progress = 100
			rec.Result = nil
			rec.Error = model.NewJobError(model.E(model.KindInternal, "ledger.restore", ErrInterrupted))
			rec.UpdatedAt = l.now().UTC()
		}

		s := &slot{}
		s.rec.Store(&rec)
		l.mu.Lock()
		_, exists := l.jobs[rec.ID]
		if !exists {
			l.jobs[rec.ID] = s
		}
		l.mu.Unlock()
		if exists {
			continue
		}
		n++

		if interrupted && l.recorder != nil {
			if err := l.recorder.UpdateJobRecord(ctx, rec.Clone()); err != nil {
				slog.WarnContext(ctx, "ledger: updating interrupted job", "job_id", rec.ID, "error", err)
			}
		}
	}
	return n
}

func (l *Ledger) slot(id string) (*slot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.jobs[id]
	return s, ok
}

// update applies fn to a copy of the record and publishes it when fn
// reports a change.
func (l *Ledger) update(ctx context.Context, id string, fn func(*model.JobRecord) (bool, error)) error {
	s, ok := l.slot(id)
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}

	lock := l.locks.Lock(id)
	defer lock.Unlock()

	next := s.rec.Load().Clone()
	changed, err := fn(&next)
	if err != nil || !changed {
		return err
	}
	next.UpdatedAt = l.now().UTC()
	s.rec.Store(&next)

	if l.recorder != nil {
		if err := l.recorder.UpdateJobRecord(ctx, next.Clone()); err != nil {
			slog.WarnContext(ctx, "ledger: updating job record", "job_id", id, "error", err)
		}
	}
	return nil
}
