// Package nonce allocates monotonically increasing signing nonces for one
// wallet, atomically against a durable counter, with release-on-abort and
// consume-on-submit semantics. The durable counter must survive a crash
// mid-cycle without ever handing out the same nonce twice.
package nonce

import (
	"context"
	"sync"

	"binarymm/internal/apperrors"
	"binarymm/internal/core"
)

// DurableCounter is the persistence boundary for the nonce high-water mark.
// A sqlite-backed implementation lives in internal/checkpoint.
type DurableCounter interface {
	// Next atomically returns the next nonce value and persists the new
	// high-water mark before returning.
	Next(ctx context.Context, wallet string) (uint64, error)
}

// Manager allocates, releases, and consumes nonces for one signing wallet.
type Manager struct {
	logger  core.ILogger
	wallet  string
	counter DurableCounter

	mu        sync.Mutex
	freeList  []uint64
	consumed  map[uint64]bool
	allocated map[uint64]bool
}

// New creates a nonce Manager backed by the given durable counter.
func New(wallet string, counter DurableCounter, logger core.ILogger) *Manager {
	return &Manager{
		logger:    logger.WithField("component", "nonce_manager").WithField("wallet", wallet),
		wallet:    wallet,
		counter:   counter,
		consumed:  make(map[uint64]bool),
		allocated: make(map[uint64]bool),
	}
}

// Acquire returns a nonce: first from the free list (nonces released by an
// aborted submission before it reached the network), otherwise a fresh one
// from the durable counter. Fails with ErrNonceExhausted only if the
// durable store is unreachable.
func (m *Manager) Acquire(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	if n := len(m.freeList); n > 0 {
		next := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		if !m.consumed[next] {
			m.allocated[next] = true
			m.mu.Unlock()
			return next, nil
		}
		// A consumed nonce must never be handed out again; fall through
		// to mint a fresh one instead.
	}
	m.mu.Unlock()

	n, err := m.counter.Next(ctx, m.wallet)
	if err != nil {
		return 0, apperrors.Fatal("nonce_exhausted", "durable nonce store unreachable", apperrors.ErrNonceExhausted)
	}

	m.mu.Lock()
	m.allocated[n] = true
	m.mu.Unlock()

	return n, nil
}

// Release returns a nonce to the free list when a submission aborts before
// any network send. A nonce that has already been consumed is never
// reinserted into the free list.
func (m *Manager) Release(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.consumed[n] {
		m.logger.Warn("attempted to release a consumed nonce", "nonce", n)
		return
	}
	delete(m.allocated, n)
	m.freeList = append(m.freeList, n)
}

// Consume marks a nonce as permanently used after a successful submission.
// A consumed nonce can never again be returned by Acquire.
func (m *Manager) Consume(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumed[n] = true
	delete(m.allocated, n)
}

// IsConsumed reports whether a nonce has already been permanently used.
func (m *Manager) IsConsumed(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed[n]
}
