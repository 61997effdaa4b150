package lockmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestAcquireRelease(t *testing.T) {
	m := New(testLogger())

	lease, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "purchase:mint1", lease.Key())

	lease.Release()

	// Key is immediately acquirable again.
	lease2, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)
	lease2.Release()
}

func TestExclusiveHoldership(t *testing.T) {
	m := New(testLogger())

	lease, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, PurchaseKey("mint1"), time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWaitTimeout))

	lease.Release()
}

func TestNamespacesAreIndependent(t *testing.T) {
	m := New(testLogger())

	purchase, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)
	defer purchase.Release()

	// A claim lease on the same sale must not contend with the purchase lease.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	claim, err := m.Acquire(ctx, ClaimKey("mint1"), time.Minute)
	require.NoError(t, err)
	claim.Release()
}

func TestWaiterWokenByRelease(t *testing.T) {
	m := New(testLogger())

	lease, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		l, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
		if err == nil {
			l.Release()
			close(acquired)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestExpiredLeaseReclaimedLazily(t *testing.T) {
	m := New(testLogger())

	// Acquire with a tiny TTL and never release.
	_, err := m.Acquire(context.Background(), PurchaseKey("mint1"), 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Next acquire reclaims the expired lease without waiting for the sweep.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	lease, err := m.Acquire(ctx, PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)
	lease.Release()
}

func TestExpiredLeaseReclaimedBySweep(t *testing.T) {
	m := New(testLogger(), WithSweepInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	_, err := m.Acquire(context.Background(), PurchaseKey("mint1"), 10*time.Millisecond)
	require.NoError(t, err)

	// Park a waiter before the lease expires; the sweep must wake it.
	acquireCtx, acquireCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer acquireCancel()
	lease, err := m.Acquire(acquireCtx, PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err, "sweep should have reclaimed the expired lease")
	lease.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	m := New(testLogger())

	lease, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)

	lease.Release()
	lease.Release() // second release is a no-op

	// Key still free exactly once: two sequential acquires work.
	l2, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)
	l2.Release()
}

func TestStaleReleaseAfterReclaimIsNoOp(t *testing.T) {
	m := New(testLogger())

	stale, err := m.Acquire(context.Background(), PurchaseKey("mint1"), 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// Reclaim grants the key to a new holder.
	fresh, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)

	// The crashed-then-revived holder releasing late must not free the
	// key out from under the new holder.
	stale.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, PurchaseKey("mint1"), time.Minute)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	fresh.Release()
}

func TestConcurrentAcquireSerializes(t *testing.T) {
	m := New(testLogger())

	const workers = 16
	var holders int
	var maxHolders int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			lease.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxHolders, "more than one concurrent holder observed")
}

func TestSweepForgetsIdleKeys(t *testing.T) {
	m := New(testLogger())

	lease, err := m.Acquire(context.Background(), PurchaseKey("mint1"), time.Minute)
	require.NoError(t, err)
	lease.Release()
	require.Equal(t, 1, m.Len())

	// Pretend the key has been idle past retention.
	m.mu.Lock()
	m.entries[PurchaseKey("mint1")].lastUsed = time.Now().Add(-idleRetention - time.Minute)
	m.mu.Unlock()

	m.sweep(time.Now())
	assert.Equal(t, 0, m.Len())
}
