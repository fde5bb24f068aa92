// Package quotecache is the concurrent best-bid/ask table keyed by token
// id. Writers (exchange stream handlers) update in place under a write
// lock; readers (strategy evaluators) share a read lock on the same
// RWMutex-guarded map. Eviction runs on a
// background schedule rather than on the write path, keeping the hot path
// free of housekeeping.
package quotecache

import (
	"sync"
	"sync/atomic"
	"time"

	"binarymm/internal/core"
	"binarymm/internal/domain"
)

// Stats is a point-in-time snapshot of cache occupancy and churn.
type Stats struct {
	Size      int
	Evictions uint64
	Puts      uint64
	Hits      uint64
	Misses    uint64
}

// Cache is the bounded, TTL-evicted quote table.
type Cache struct {
	logger   core.ILogger
	ttl      time.Duration
	capacity int

	mu      sync.RWMutex
	entries map[string]domain.Quote

	evictions uint64
	puts      uint64
	hits      uint64
	misses    uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Cache with the given capacity and per-entry staleness TTL.
func New(capacity int, ttl time.Duration, logger core.ILogger) *Cache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		logger:   logger.WithField("component", "quote_cache"),
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]domain.Quote),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Get returns the quote for token and whether it was present. A present
// quote may be stale; callers must check ObservedAt against their own
// freshness budget — the cache never silently withholds age.
func (c *Cache) Get(token string) (domain.Quote, bool) {
	c.mu.RLock()
	q, ok := c.entries[token]
	c.mu.RUnlock()

	if ok {
		atomic.AddUint64(&c.hits, 1)
	} else {
		atomic.AddUint64(&c.misses, 1)
	}
	return q, ok
}

// Put inserts or replaces the quote for its token. Sequence must be
// monotonically non-decreasing per token; out-of-order writes are dropped.
func (c *Cache) Put(q domain.Quote) {
	c.mu.Lock()
	if existing, ok := c.entries[q.TokenID]; ok && q.Sequence < existing.Sequence {
		c.mu.Unlock()
		return
	}
	_, existed := c.entries[q.TokenID]
	if !existed && len(c.entries) >= c.capacity {
		c.evictOneLocked()
	}
	c.entries[q.TokenID] = q
	c.mu.Unlock()

	atomic.AddUint64(&c.puts, 1)
}

// evictOneLocked drops the oldest entry when the cache is at capacity and a
// new token arrives. Caller holds c.mu.
func (c *Cache) evictOneLocked() {
	var oldestToken string
	var oldestTime time.Time
	first := true
	for token, q := range c.entries {
		if first || q.ObservedAt.Before(oldestTime) {
			oldestToken = token
			oldestTime = q.ObservedAt
			first = false
		}
	}
	if oldestToken != "" {
		delete(c.entries, oldestToken)
		atomic.AddUint64(&c.evictions, 1)
	}
}

// Stats returns current occupancy and churn counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Size:      size,
		Evictions: atomic.LoadUint64(&c.evictions),
		Puts:      atomic.LoadUint64(&c.puts),
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
	}
}

// Start launches the background TTL-eviction sweep. It returns immediately;
// call Stop to terminate the sweep goroutine.
func (c *Cache) Start(sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = c.ttl / 2
		if sweepInterval <= 0 {
			sweepInterval = time.Second
		}
	}
	go c.sweepLoop(sweepInterval)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	cutoff := time.Now().Add(-c.ttl)

	c.mu.Lock()
	var expired []string
	for token, q := range c.entries {
		if q.ObservedAt.Before(cutoff) {
			expired = append(expired, token)
		}
	}
	for _, token := range expired {
		delete(c.entries, token)
	}
	c.mu.Unlock()

	if len(expired) > 0 {
		atomic.AddUint64(&c.evictions, uint64(len(expired)))
		c.logger.Debug("evicted stale quotes", "count", len(expired))
	}
}

// Stop halts the background sweep and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
