// Package lockmgr grants at-most-one-concurrent-holder leases keyed by
// sale and operation kind. A lease self-expires after its TTL so a holder
// that crashes without releasing cannot wedge a sale forever.
//
// Leases are in-memory only. A process restart drops them all, which is
// safe: the sale ledger, not the lease, is the source of truth for
// remaining supply.
package lockmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mintflow/launchpad/internal/idgen"
	"github.com/mintflow/launchpad/internal/metrics"
)

// ErrWaitTimeout is returned when a caller's bounded wait elapses before
// the key becomes free. Callers should treat it as retryable.
var ErrWaitTimeout = errors.New("lockmgr: timed out waiting for lease")

// DefaultSweepInterval is how often the reclamation sweep drops expired
// leases and forgets idle keys.
const DefaultSweepInterval = 5 * time.Second

// idleRetention is how long a free key is kept before the sweep forgets it.
const idleRetention = 10 * time.Minute

// PurchaseKey returns the lease key serializing purchases for a sale.
func PurchaseKey(mint string) string { return "purchase:" + mint }

// ClaimKey returns the lease key serializing claims for a sale.
// Claims are an independent namespace: once a sale is finalized, claim
// processing does not contend with purchase serialization.
func ClaimKey(mint string) string { return "claim:" + mint }

// entry tracks one key's lease state. The token channel (capacity 1)
// carries the "free" token: a receive acquires the lease, a send frees it.
// Waiters block on the channel, not on a spin loop, and are woken either
// by a release or by the sweep reclaiming an expired lease.
type entry struct {
	ch       chan struct{}
	holder   string // token of the current holder; empty when free
	expires  time.Time
	lastUsed time.Time
}

// Manager hands out leases and runs the background reclamation sweep.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// Option configures the manager.
type Option func(*Manager)

// WithSweepInterval overrides the reclamation sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// New creates a lease manager. Call Start in a goroutine to enable the
// background sweep; without it expired leases are still reclaimed lazily
// on the next Acquire for the same key.
func New(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		entries:  make(map[string]*entry),
		interval: DefaultSweepInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is an exclusive, time-bounded claim on a key. Release is
// idempotent and safe to call after the lease has already expired.
type Lease struct {
	m        *Manager
	key      string
	token    string
	released atomic.Bool
}

// Key returns the resource key this lease covers.
func (l *Lease) Key() string { return l.key }

// Release frees the key for the next waiter. Calling it more than once,
// or after TTL expiry has already reclaimed the lease, is a no-op.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.m.release(l.key, l.token)
}

// Acquire blocks until the key is free or ctx is done, then grants
// exclusive holdership for up to ttl. The wait is cooperative: the caller
// parks on a channel and is woken by a release or a sweep reclamation.
// On ctx expiry it returns ErrWaitTimeout wrapping the context error.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	e := m.checkout(key)

	select {
	case <-e.ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrWaitTimeout, key, ctx.Err())
	}

	token := idgen.WithPrefix("lease_")
	now := time.Now()

	m.mu.Lock()
	e.holder = token
	e.expires = now.Add(ttl)
	e.lastUsed = now
	m.mu.Unlock()

	metrics.ActiveLeases.Inc()
	return &Lease{m: m, key: key, token: token}, nil
}

// checkout returns the entry for key, creating it if needed and lazily
// reclaiming an expired lease so the caller does not have to wait for
// the next sweep tick.
func (m *Manager) checkout(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1), lastUsed: time.Now()}
		e.ch <- struct{}{} // start free
		m.entries[key] = e
	}
	m.reclaimLocked(key, e, time.Now())
	return e
}

func (m *Manager) release(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.holder != token {
		// The lease already expired and was reclaimed (possibly re-granted
		// to another holder). Nothing to free.
		return
	}
	e.holder = ""
	e.lastUsed = time.Now()
	e.ch <- struct{}{}
	metrics.ActiveLeases.Dec()
}

// reclaimLocked frees an expired lease. Caller holds m.mu.
func (m *Manager) reclaimLocked(key string, e *entry, now time.Time) {
	if e.holder == "" || now.Before(e.expires) {
		return
	}
	m.logger.Warn("reclaiming expired lease",
		"key", key,
		"holder", e.holder,
		"expired_at", e.expires,
	)
	e.holder = ""
	e.lastUsed = now
	e.ch <- struct{}{}
	metrics.ActiveLeases.Dec()
}

// Running reports whether the sweep loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Start runs the reclamation sweep until ctx is done or Stop is called.
// Call in a goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// Stop signals the sweep loop to stop.
func (m *Manager) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

// sweep drops expired leases proactively and forgets idle free keys so
// map cardinality stays bounded even with no new traffic.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, e := range m.entries {
		m.reclaimLocked(key, e, now)

		if e.holder == "" && now.Sub(e.lastUsed) > idleRetention {
			// Only forget keys whose free token is actually in the channel;
			// a key with parked waiters keeps its entry.
			select {
			case <-e.ch:
				delete(m.entries, key)
			default:
			}
		}
	}
}

// Len reports the number of tracked keys. Used by tests and debug pages.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
