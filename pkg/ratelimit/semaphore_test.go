package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreBoundsConcurrentHolders(t *testing.T) {
	sem, err := NewSemaphore(t.TempDir(), 2)
	require.NoError(t, err)

	l1, err := sem.Acquire("a", time.Millisecond)
	require.NoError(t, err)
	l2, err := sem.Acquire("b", time.Millisecond)
	require.NoError(t, err)

	_, ok := sem.tryAcquire("c")
	assert.False(t, ok, "a third acquirer must not find a free slot while two are held")

	require.NoError(t, l1.Release())
	_, ok = sem.tryAcquire("c")
	assert.True(t, ok, "releasing a slot frees it for the next acquirer")

	require.NoError(t, l2.Release())
}

func TestSemaphoreReleaseIsIdempotent(t *testing.T) {
	sem, err := NewSemaphore(t.TempDir(), 1)
	require.NoError(t, err)
	lease, err := sem.Acquire("a", time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, lease.Release())
	assert.NoError(t, lease.Release(), "releasing an already-released lease is not an error")
}

func TestSemaphoreNilLeaseReleaseIsNoop(t *testing.T) {
	var lease *Lease
	assert.NoError(t, lease.Release())
}

func TestSemaphoreAcquireBlocksUntilSlotFrees(t *testing.T) {
	sem, err := NewSemaphore(t.TempDir(), 1)
	require.NoError(t, err)
	held, err := sem.Acquire("a", time.Millisecond)
	require.NoError(t, err)

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		lease, err := sem.Acquire("b", 2*time.Millisecond)
		require.NoError(t, err)
		close(acquired)
		_ = lease.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer must not succeed while the only slot is held")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, held.Release())
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquirer never observed the freed slot")
	}
	wg.Wait()
}
