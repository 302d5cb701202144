// Package lockmap serializes work per key. Entries live only while
// somebody holds or waits for the key.
package lockmap

import "sync"

type LockMap[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*Unlocker[K]
}

func New[K comparable]() *LockMap[K] {
	return &LockMap[K]{
		locks: make(map[K]*Unlocker[K]),
	}
}

// Lock blocks until the key is free and returns the handle releasing it.
func (m *LockMap[K]) Lock(key K) *Unlocker[K] {
	m.mu.Lock()
	l, ok := m.locks[key]
	switch {
	case !ok:
		l = &Unlocker[K]{m: m, key: key}
		m.locks[key] = l
	case l.refs == 0:
		panic("lockmap: released entry still in the map")
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return l
}

// Len returns the number of keys currently held or waited for.
func (m *LockMap[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
