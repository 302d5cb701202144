package lockmap

import "sync"

type Unlocker[K comparable] struct {
	mu   sync.Mutex
	key  K
	m    *LockMap[K]
	refs int
}

// Unlock releases the key. The entry is dropped from the map once the last
// waiter is done.
func (l *Unlocker[K]) Unlock() {
	l.mu.Unlock()

	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(l.m.locks, l.key)
	}
}
