// Package emergency implements the process-wide kill switch: a single
// atomic flag that, once tripped, cancels every open order across the
// exchange in parallel and blocks new submissions until explicitly reset.
// Triggered/recovery state lives behind an atomic int32 with
// IsStopped/Trip/Reset and a subscriber broadcast for alerts, extended
// here into a standalone stop switch that also drives a parallel
// cancel-all rather than just blocking new orders and letting the
// existing book run down.
package emergency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"binarymm/internal/core"
	"binarymm/pkg/concurrency"
	"binarymm/pkg/retry"
)

// Persister durably records the halt flag so a restart does not silently
// resume trading after an operator-triggered stop.
type Persister interface {
	SaveHaltState(ctx context.Context, tripped bool, reason string) error
}

// Alert is broadcast to subscribers on every trip/reset transition.
type Alert struct {
	Tripped   bool
	Reason    string
	Timestamp time.Time
}

// Stop is the process-wide emergency stop. Safe for concurrent use.
type Stop struct {
	logger   core.ILogger
	exchange core.IExchange
	persist  Persister
	pool     *concurrency.WorkerPool

	tripped int32 // atomic bool

	mu          sync.RWMutex
	reason      string
	trippedAt   time.Time
	subscribers []chan<- Alert
}

// New constructs a Stop bound to the exchange whose orders it will cancel
// on trip. persist may be nil (best-effort, in-memory only).
func New(exchange core.IExchange, persist Persister, pool *concurrency.WorkerPool, logger core.ILogger) *Stop {
	return &Stop{
		logger:   logger.WithField("component", "emergency_stop"),
		exchange: exchange,
		persist:  persist,
		pool:     pool,
	}
}

// IsStopped reports whether the emergency stop is currently tripped. This
// is the narrow read risk.Gate depends on (risk.EmergencyView).
func (s *Stop) IsStopped() bool {
	return atomic.LoadInt32(&s.tripped) == 1
}

// Trip sets the stop flag, persists it, and cancels every open order on
// the exchange in parallel. Idempotent: tripping an already-tripped stop
// only updates the reason and re-attempts cancellation.
func (s *Stop) Trip(ctx context.Context, reason string) error {
	atomic.StoreInt32(&s.tripped, 1)

	s.mu.Lock()
	s.reason = reason
	s.trippedAt = time.Now()
	s.mu.Unlock()

	s.logger.Error("emergency stop tripped", "reason", reason)
	s.broadcast(Alert{Tripped: true, Reason: reason, Timestamp: time.Now()})

	if s.persist != nil {
		if err := s.persist.SaveHaltState(ctx, true, reason); err != nil {
			s.logger.Error("failed to persist emergency stop state", "error", err.Error())
		}
	}

	return s.cancelAllOpenOrders(ctx)
}

// Reset clears the stop flag. Does not resume any halted Engine cycles —
// callers (the control plane) are expected to separately confirm it is
// safe to resume before doing so.
func (s *Stop) Reset(ctx context.Context) error {
	atomic.StoreInt32(&s.tripped, 0)

	s.mu.Lock()
	s.reason = ""
	s.mu.Unlock()

	s.logger.Warn("emergency stop reset")
	s.broadcast(Alert{Tripped: false, Timestamp: time.Now()})

	if s.persist != nil {
		if err := s.persist.SaveHaltState(ctx, false, ""); err != nil {
			s.logger.Error("failed to persist emergency stop reset", "error", err.Error())
		}
	}
	return nil
}

// Reason returns the reason given for the current (or most recent) trip.
func (s *Stop) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// CheckHealth reports unhealthy while the stop is tripped, mirroring the
// teacher's RiskMonitor.CheckHealth.
func (s *Stop) CheckHealth() error {
	if s.IsStopped() {
		return fmt.Errorf("emergency stop is tripped: %s", s.Reason())
	}
	return nil
}

// Subscribe adds a channel that receives every trip/reset Alert.
func (s *Stop) Subscribe(ch chan<- Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, ch)
}

func (s *Stop) broadcast(alert Alert) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		select {
		case sub <- alert:
		default:
		}
	}
}

// cancelAllOpenOrders fetches every open order and cancels them
// concurrently through the shared worker pool, collecting the first
// error (if any) without letting one failed cancel block the rest.
func (s *Stop) cancelAllOpenOrders(ctx context.Context) error {
	open, err := s.exchange.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("emergency: list open orders: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, order := range open {
		order := order
		wg.Add(1)
		cancel := func() {
			defer wg.Done()
			// Every cancel gets a few retries: an emergency stop is the one
			// place where giving up early on a transient network error means
			// an order is left live when the operator believes it is dead.
			err := retry.Do(ctx, retry.DefaultPolicy, func(error) bool { return true }, func() error {
				return s.exchange.Cancel(ctx, order.ClientOrderID)
			})
			if err != nil {
				s.logger.Error("failed to cancel order during emergency stop", "client_order_id", order.ClientOrderID, "error", err.Error())
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}
		if s.pool != nil {
			if err := s.pool.Submit(cancel); err != nil {
				s.logger.Warn("worker pool rejected cancel task, running it on its own goroutine", "error", err.Error())
				go cancel()
			}
		} else {
			go cancel()
		}
	}

	wg.Wait()
	return firstErr
}
