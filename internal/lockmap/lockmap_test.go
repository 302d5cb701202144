package lockmap_test

import (
	"runtime"
	"sync"
	"testing"

	"github.com/rohioffl/cloudscan/internal/lockmap"
	"github.com/stretchr/testify/require"
)

func TestLockMap(t *testing.T) {
	m := lockmap.New[int]()
	owners := make([]int, 100)

	var wg sync.WaitGroup
	for i := range 5000 {
		wg.Go(func() {
			k := i % len(owners)
			l := m.Lock(k)
			defer l.Unlock()

			require.Zero(t, owners[k])
			owners[k] = i + 1
			runtime.Gosched()
			require.Equal(t, i+1, owners[k])
			owners[k] = 0
		})
	}
	wg.Wait()

	require.Zero(t, m.Len())
}

func TestLockMap_Independent(t *testing.T) {
	m := lockmap.New[string]()
	a := m.Lock("a")
	done := make(chan struct{})
	go func() {
		b := m.Lock("b")
		b.Unlock()
		close(done)
	}()
	<-done
	require.Equal(t, 1, m.Len())
	a.Unlock()
	require.Zero(t, m.Len())
}

func TestLockMap_Relock(t *testing.T) {
	m := lockmap.New[string]()
	first := m.Lock("a")
	first.Unlock()
	require.Zero(t, m.Len())

	second := m.Lock("a")
	require.NotSame(t, first, second)
	require.Equal(t, 1, m.Len())

	second.Unlock()
	require.Zero(t, m.Len())
}
