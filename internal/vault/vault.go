// Package vault keeps short lived credential files keyed by an opaque id.
// Entries are bounded by count (least recently stored are evicted first) and
// by age, enforced by Sweep. The files of evicted, expired and closed entries
// are deleted.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/rohioffl/cloudscan/internal/lockmap"
	"github.com/rohioffl/cloudscan/internal/model"
)

type entry struct {
	path    string
	created time.Time
	// claimed is set by whoever removes the file: Take, eviction or the
	// sweeper. Only one of them succeeds.
	claimed atomic.Bool
}

func (e *entry) claim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

type Vault struct {
	dir   string
	ttl   time.Duration
	now   func() time.Time
	cache *lru.Cache
	locks *lockmap.LockMap[string]

	mu     sync.RWMutex
	closed bool
}

type Option func(*Vault)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

func New(cfg model.VaultConfig, opts ...Option) (*Vault, error) {
	if cfg.Dir == "" {
		return nil, errors.New("vault directory is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}

	v := &Vault{
		dir:   cfg.Dir,
		ttl:   cfg.TTL,
		now:   time.Now,
		locks: lockmap.New[string](),
	}
	for _, opt := range opts {
		opt(v)
	}

	cache, err := lru.NewWithEvict(cfg.MaxEntries, v.evicted)
	if err != nil {
		return nil, fmt.Errorf("creating vault cache: %w", err)
	}
	v.cache = cache
	return v, nil
}

func (v *Vault) evicted(key, value any) {
	e := value.(*entry)
	if !e.claim() {
		return
	}
	if err := removeFile(e.path); err != nil {
		slog.Warn("vault: deleting evicted credential", "id", key, "error", err)
		return
	}
	slog.Debug("vault: credential evicted", "id", key)
}

// Put stores content and returns the id it can be taken with.
func (v *Vault) Put(ctx context.Context, content []byte) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return "", model.E(model.KindInternal, "vault.put", model.ErrClosed)
	}
	if len(content) == 0 {
		return "", model.Errorf(model.KindValidation, "vault.put", "credential is empty")
	}

	id := uuid.NewString()
	path, err := v.write(id, content)
	if err != nil {
		return "", model.E(model.KindInternal, "vault.put", err)
	}
	v.cache.Add(id, &entry{path: path, created: v.now()})
	slog.DebugContext(ctx, "vault: credential stored", "id", id)
	return id, nil
}

// Hold writes content to a file owned by the returned handle. The handle is
// not registered in the vault and must be released by the caller.
func (v *Vault) Hold(ctx context.Context, content []byte) (*Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, model.E(model.KindInternal, "vault.hold", model.ErrClosed)
	}
	if len(content) == 0 {
		return nil, model.Errorf(model.KindValidation, "vault.hold", "credential is empty")
	}

	id := uuid.NewString()
	path, err := v.write(id, content)
	if err != nil {
		return nil, model.E(model.KindInternal, "vault.hold", err)
	}
	slog.DebugContext(ctx, "vault: inline credential written", "id", id)
	return &Credential{ID: id, Path: path, Origin: OriginUploaded}, nil
}

// Take removes the entry and hands its file over to the caller. Exactly one
// of concurrent callers for the same id wins, the rest get model.ErrNotFound.
func (v *Vault) Take(id string) (*Credential, error) {
	l := v.locks.Lock(id)
	defer l.Unlock()

	val, ok := v.cache.Peek(id)
	if !ok {
		return nil, model.ErrNotFound
	}
	e := val.(*entry)
	if !e.claim() {
		return nil, model.ErrNotFound
	}
	v.cache.Remove(id)
	return &Credential{ID: id, Path: e.path, Origin: OriginReferenced}, nil
}

// Has reports whether id is stored.
func (v *Vault) Has(id string) bool {
	return v.cache.Contains(id)
}

func (v *Vault) Len() int {
	return v.cache.Len()
}

// Sweep deletes entries older than the configured ttl and returns their
// number.
func (v *Vault) Sweep(ctx context.Context) int {
	if v.ttl <= 0 {
		return 0
	}
	deadline := v.now().Add(-v.ttl)
	var n int
	for _, key := range v.cache.Keys() {
		id := key.(string)
		if v.expire(id, deadline) {
			n++
		}
	}
	if n > 0 {
		slog.DebugContext(ctx, "vault: expired credentials deleted", "count", n)
	}
	return n
}

func (v *Vault) expire(id string, deadline time.Time) bool {
	l := v.locks.Lock(id)
	defer l.Unlock()

	val, ok := v.cache.Peek(id)
	if !ok {
		return false
	}
	e := val.(*entry)
	if !e.created.Before(deadline) {
		return false
	}
	// eviction callback deletes the file
	v.cache.Remove(id)
	return true
}

// Close deletes the files of all remaining entries. Put and Hold fail
// afterwards.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	var errs []error
	for _, key := range v.cache.Keys() {
		val, ok := v.cache.Peek(key)
		if !ok {
			continue
		}
		e := val.(*entry)
		if !e.claim() {
			continue
		}
		if err := removeFile(e.path); err != nil {
			errs = append(errs, err)
		}
	}
	v.cache.Purge()
	return errors.Join(errs...)
}

func (v *Vault) write(id string, content []byte) (string, error) {
	path := filepath.Join(v.dir, id+".json")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return "", fmt.Errorf("writing credential: %w", err)
	}
	return path, nil
}

func removeFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
