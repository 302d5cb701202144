package vault_test

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rohioffl/cloudscan/internal/model"
	"github.com/rohioffl/cloudscan/internal/vault"
	"github.com/stretchr/testify/require"
)

func newVault(t *testing.T, maxEntries int, opts ...vault.Option) (*vault.Vault, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := vault.New(model.VaultConfig{
		Dir:        dir,
		MaxEntries: maxEntries,
		TTL:        time.Hour,
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v, dir
}

func TestPutTake(t *testing.T) {
	v, _ := newVault(t, 10)

	id, err := v.Put(t.Context(), []byte(`{"type":"service_account"}`))
	require.NoError(t, err)
	require.True(t, v.Has(id))

	cred, err := v.Take(id)
	require.NoError(t, err)
	require.Equal(t, id, cred.ID)
	require.Equal(t, vault.OriginReferenced, cred.Origin)
	content, err := cred.Read()
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"service_account"}`, string(content))

	_, err = v.Take(id)
	require.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, cred.Release())
	require.NoFileExists(t, cred.Path)
	require.NoError(t, cred.Release())
}

func TestPut_Empty(t *testing.T) {
	v, _ := newVault(t, 10)
	_, err := v.Put(t.Context(), nil)
	require.True(t, model.IsKind(err, model.KindValidation))
}

func TestTake_Race(t *testing.T) {
	v, _ := newVault(t, 10)
	id, err := v.Put(t.Context(), []byte("secret"))
	require.NoError(t, err)

	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 64 {
		wg.Go(func() {
			<-start
			cred, err := v.Take(id)
			if err != nil {
				require.ErrorIs(t, err, model.ErrNotFound)
				misses.Add(1)
				return
			}
			require.FileExists(t, cred.Path)
			wins.Add(1)
		})
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, 63, misses.Load())
}

func TestEviction(t *testing.T) {
	v, dir := newVault(t, 2)

	first, err := v.Put(t.Context(), []byte("1"))
	require.NoError(t, err)
	_, err = v.Put(t.Context(), []byte("2"))
	require.NoError(t, err)
	_, err = v.Put(t.Context(), []byte("3"))
	require.NoError(t, err)

	require.Equal(t, 2, v.Len())
	require.NoFileExists(t, filepath.Join(dir, first+".json"))
	_, err = v.Take(first)
	require.ErrorIs(t, err, model.ErrNotFound)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestTakenNotDeletedByEviction(t *testing.T) {
	v, _ := newVault(t, 1)

	id, err := v.Put(t.Context(), []byte("1"))
	require.NoError(t, err)
	cred, err := v.Take(id)
	require.NoError(t, err)

	_, err = v.Put(t.Context(), []byte("2"))
	require.NoError(t, err)
	require.FileExists(t, cred.Path)
	require.NoError(t, cred.Release())
}

func TestSweep(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	v, dir := newVault(t, 10, vault.WithClock(func() time.Time { return now }))

	old, err := v.Put(t.Context(), []byte("old"))
	require.NoError(t, err)
	now = now.Add(30 * time.Minute)
	fresh, err := v.Put(t.Context(), []byte("fresh"))
	require.NoError(t, err)

	now = now.Add(45 * time.Minute)
	require.Equal(t, 1, v.Sweep(t.Context()))
	require.False(t, v.Has(old))
	require.True(t, v.Has(fresh))
	require.NoFileExists(t, filepath.Join(dir, old+".json"))
	require.FileExists(t, filepath.Join(dir, fresh+".json"))
}

func TestSweeper(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.New(model.VaultConfig{Dir: dir, MaxEntries: 10, TTL: time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = v.Close() }()

	id, err := v.Put(t.Context(), []byte("short lived"))
	require.NoError(t, err)

	s, err := vault.NewSweeper(t.Context(), v, model.Schedule{Every: 10 * time.Millisecond})
	require.NoError(t, err)
	s.Start()
	defer func() { require.NoError(t, s.Shutdown()) }()

	require.Eventually(t, func() bool { return !v.Has(id) }, 2*time.Second, 10*time.Millisecond)
	require.NoFileExists(t, filepath.Join(dir, id+".json"))
}

func TestClose(t *testing.T) {
	dir := t.TempDir()
	v, err := vault.New(model.VaultConfig{Dir: dir, MaxEntries: 10, TTL: time.Hour})
	require.NoError(t, err)

	for range 3 {
		_, err := v.Put(t.Context(), []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, v.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = v.Put(t.Context(), []byte("x"))
	require.ErrorIs(t, err, model.ErrClosed)
}

func TestHoldAndEnvironment(t *testing.T) {
	v, _ := newVault(t, 10)

	cred, err := v.Hold(t.Context(), []byte(`{"accessKeyId":"AKIA"}`))
	require.NoError(t, err)
	require.Equal(t, vault.OriginUploaded, cred.Origin)
	require.False(t, v.Has(cred.ID))
	require.NoError(t, cred.Release())
	require.NoFileExists(t, cred.Path)

	keyFile := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(keyFile, []byte("{}"), 0o600))
	env, err := vault.Environment(keyFile)
	require.NoError(t, err)
	require.NoError(t, env.Release())
	require.FileExists(t, keyFile)

	_, err = vault.Environment(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
