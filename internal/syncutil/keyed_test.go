package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLock_TryLockExclusive(t *testing.T) {
	k := NewKeyedLock()

	unlock, ok := k.TryLock("deal-1")
	require.True(t, ok)
	assert.True(t, k.Held("deal-1"))

	_, ok = k.TryLock("deal-1")
	assert.False(t, ok, "second claim on the same deal must fail")

	other, ok := k.TryLock("deal-2")
	require.True(t, ok, "distinct deals never contend")
	other()

	unlock()
	unlock() // idempotent
	assert.False(t, k.Held("deal-1"))

	again, ok := k.TryLock("deal-1")
	require.True(t, ok)
	again()
}

func TestKeyedLock_LockContextWaits(t *testing.T) {
	k := NewKeyedLock()
	unlock, ok := k.TryLock("deal-1")
	require.True(t, ok)

	acquired := make(chan struct{})
	go func() {
		u, err := k.LockContext(context.Background(), "deal-1")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("acquired before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken after release")
	}
}

func TestKeyedLock_LockContextCancelled(t *testing.T) {
	k := NewKeyedLock()
	unlock, _ := k.TryLock("deal-1")
	defer unlock()

	_, err := k.LockTimeout("deal-1", 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedLock_MutualExclusion(t *testing.T) {
	k := NewKeyedLock()
	var counter int64
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := k.LockContext(context.Background(), "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
}
