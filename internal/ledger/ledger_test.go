package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rohioffl/cloudscan/internal/ledger"
	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	saved   []model.JobRecord
	updated []model.JobRecord
	err     error
}

func (r *recorder) SaveJobRecord(_ context.Context, rec model.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, rec)
	return r.err
}

func (r *recorder) UpdateJobRecord(_ context.Context, rec model.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, rec)
	return r.err
}

func tick() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestCreateGetList(t *testing.T) {
	l := ledger.New(ledger.WithClock(tick()))
	ctx := t.Context()

	a := l.Create(ctx, model.ProviderAWS, "us-east-1")
	b := l.Create(ctx, model.ProviderGCP, "proj")

	require.Equal(t, model.JobQueued, a.Status)
	require.Zero(t, a.Progress)

	got, err := l.Get(b.ID)
	require.NoError(t, err)
	require.Equal(t, b, got)

	list := l.List()
	require.Len(t, list, 2)
	require.Equal(t, b.ID, list[0].ID)
	require.Equal(t, a.ID, list[1].ID)

	_, err = l.Get("nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	require.ErrorIs(t, l.UpdateProgress(ctx, "nope", 10), model.ErrNotFound)
}

func TestProgress(t *testing.T) {
	l := ledger.New()
	ctx := t.Context()
	rec := l.Create(ctx, model.ProviderGCP, "proj")

	var testCases = []struct {
		given int
		then  int
	}{
		{10, 10},
		{5, 10},
		{80, 80},
		{100, 99},
		{150, 99},
		{-1, 99},
	}
	for _, tc := range testCases {
		require.NoError(t, l.UpdateProgress(ctx, rec.ID, tc.given))
		got, err := l.Get(rec.ID)
		require.NoError(t, err)
		require.Equal(t, tc.then, got.Progress, "given %d", tc.given)
		require.False(t, got.Status.Terminal())
	}
}

func TestTransition(t *testing.T) {
	l := ledger.New()
	ctx := t.Context()

	ok := l.Create(ctx, model.ProviderGCP, "proj")
	require.NoError(t, l.Transition(ctx, ok.ID, model.JobRunning, nil, nil))
	require.NoError(t, l.UpdateProgress(ctx, ok.ID, 10))
	require.NoError(t, l.Transition(ctx, ok.ID, model.JobCompleted, &model.JobResult{ScanID: "s1", FindingsCount: 3}, nil))

	got, err := l.Get(ok.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, &model.JobResult{ScanID: "s1", FindingsCount: 3}, got.Result)
	require.Nil(t, got.Error)

	require.NoError(t, l.UpdateProgress(ctx, ok.ID, 50))
	got, _ = l.Get(ok.ID)
	require.Equal(t, 100, got.Progress)

	err = l.Transition(ctx, ok.ID, model.JobRunning, nil, nil)
	require.Error(t, err)

	bad := l.Create(ctx, model.ProviderAWS, "all")
	scanErr := model.E(model.KindScan, "prowler.run", errors.New("exit code 1"))
	require.NoError(t, l.Transition(ctx, bad.ID, model.JobFailed, nil, scanErr))
	got, _ = l.Get(bad.ID)
	require.Equal(t, model.JobFailed, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Nil(t, got.Result)
	require.Equal(t, model.KindScan, got.Error.Kind)
	require.Contains(t, got.Error.Message, "exit code 1")
}

func TestSnapshotsAreCopies(t *testing.T) {
	l := ledger.New()
	ctx := t.Context()
	rec := l.Create(ctx, model.ProviderGCP, "proj")
	require.NoError(t, l.Transition(ctx, rec.ID, model.JobCompleted, &model.JobResult{ScanID: "s1"}, nil))

	got, _ := l.Get(rec.ID)
	got.Result.ScanID = "changed"
	again, _ := l.Get(rec.ID)
	require.Equal(t, "s1", again.Result.ScanID)
}

func TestConcurrentProgress(t *testing.T) {
	l := ledger.New()
	ctx := t.Context()
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = l.Create(ctx, model.ProviderGCP, "proj").ID
	}

	var writers sync.WaitGroup
	for _, id := range ids {
		for w := range 4 {
			writers.Go(func() {
				for p := w; p < 100; p += 4 {
					require.NoError(t, l.UpdateProgress(ctx, id, p))
				}
			})
		}
	}

	done := make(chan struct{})
	var reader sync.WaitGroup
	reader.Go(func() {
		last := make(map[string]int)
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, id := range ids {
				rec, err := l.Get(id)
				require.NoError(t, err)
				require.GreaterOrEqual(t, rec.Progress, last[id])
				last[id] = rec.Progress
			}
		}
	})

	writers.Wait()
	close(done)
	reader.Wait()

	for _, id := range ids {
		rec, _ := l.Get(id)
		require.Equal(t, 99, rec.Progress)
	}
}

func TestRecorder(t *testing.T) {
	r := &recorder{}
	l := ledger.New(ledger.WithRecorder(r))
	ctx := t.Context()

	rec := l.Create(ctx, model.ProviderGCP, "proj")
	require.NoError(t, l.Transition(ctx, rec.ID, model.JobRunning, nil, nil))
	require.NoError(t, l.UpdateProgress(ctx, rec.ID, 10))
	require.NoError(t, l.UpdateProgress(ctx, rec.ID, 5))
	require.NoError(t, l.Transition(ctx, rec.ID, model.JobCompleted, &model.JobResult{ScanID: "s"}, nil))

	require.Len(t, r.saved, 1)
	require.Len(t, r.updated, 3)
	require.Equal(t, model.JobCompleted, r.updated[2].Status)

	r.err = errors.New("database is gone")
	other := l.Create(ctx, model.ProviderAWS, "all")
	require.NoError(t, l.UpdateProgress(ctx, other.ID, 10))
	got, err := l.Get(other.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.Progress)
}

func TestRestore(t *testing.T) {
	r := &recorder{}
	l := ledger.New(ledger.WithRecorder(r))
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	n := l.Restore(t.Context(), []model.JobRecord{
		{ID: "done", Provider: model.ProviderGCP, Status: model.JobCompleted, Progress: 100, Result: &model.JobResult{ScanID: "s"}, CreatedAt: created},
		{ID: "running", Provider: model.ProviderAWS, Status: model.JobRunning, Progress: 10, CreatedAt: created.Add(time.Minute)},
	})
	require.Equal(t, 2, n)

	done, err := l.Get("done")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, done.Status)

	running, err := l.Get("running")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, running.Status)
	require.Equal(t, 100, running.Progress)
	require.Equal(t, model.KindInternal, running.Error.Kind)
	require.Contains(t, running.Error.Message, "interrupted")

	require.Len(t, r.updated, 1)
	require.Equal(t, "running", r.updated[0].ID)

	require.Zero(t, l.Restore(t.Context(), []model.JobRecord{{ID: "done", Status: model.JobQueued}}))
}
