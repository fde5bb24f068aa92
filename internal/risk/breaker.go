// Package risk holds the Circuit Breaker and Risk Gate: the process-wide
// safety net that sits between the Strategy Engine and the Executor.
// The Closed/Open/HalfOpen state machine adds a bounded probe-trade
// budget in HalfOpen on top of the usual two-state breaker shape, so
// recovery from a trip is itself rate-limited rather than an all-or-
// nothing reopen.
package risk

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"binarymm/internal/core"
	"binarymm/internal/telemetry"
)

// State is one of the three breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures trip thresholds and HalfOpen recovery budget.
type BreakerConfig struct {
	MaxConsecutiveFailures int
	MaxDailyLossAmount     decimal.Decimal
	MaxQuoteStaleness      time.Duration
	MaxDisconnectDuration  time.Duration
	CooldownPeriod         time.Duration // Open -> HalfOpen timeout

	// HalfOpenProbeLimit bounds how many trades may be attempted while
	// probing recovery; HalfOpenProbeNotional bounds their total size.
	HalfOpenProbeLimit    int
	HalfOpenProbeNotional decimal.Decimal
}

// Breaker is the three-state circuit breaker guarding live submission.
// State is read with Acquire ordering to pair with the SeqCst writes
// performed by trip/recover, so a concurrent reader never observes a
// state change without the fields that motivated it.
type Breaker struct {
	logger core.ILogger
	cfg    BreakerConfig

	state int32 // atomic State

	mu                sync.Mutex
	consecutiveFails  int
	dailyLoss         decimal.Decimal
	lastTripped       time.Time
	lastQuoteObserved time.Time
	disconnectedSince time.Time

	probeCount    int
	probeNotional decimal.Decimal
}

// NewBreaker constructs a Breaker starting Closed.
func NewBreaker(cfg BreakerConfig, logger core.ILogger) *Breaker {
	return &Breaker{
		logger:            logger.WithField("component", "circuit_breaker"),
		cfg:               cfg,
		state:             int32(Closed),
		lastQuoteObserved: time.Now(),
	}
}

// State returns the current state with acquire-ordering semantics.
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Allow reports whether a new intent may proceed, and if HalfOpen, reserves
// probe budget for it. Returns false with no side effect if rejected.
func (b *Breaker) Allow(notional decimal.Decimal) bool {
	switch b.State() {
	case Closed:
		return true
	case Open:
		b.maybeTransitionToHalfOpen()
		return b.State() == HalfOpen && b.reserveProbe(notional)
	case HalfOpen:
		return b.reserveProbe(notional)
	default:
		return false
	}
}

func (b *Breaker) reserveProbe(notional decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.probeCount >= b.cfg.HalfOpenProbeLimit {
		return false
	}
	if !b.cfg.HalfOpenProbeNotional.IsZero() && b.probeNotional.Add(notional).GreaterThan(b.cfg.HalfOpenProbeNotional) {
		return false
	}
	b.probeCount++
	b.probeNotional = b.probeNotional.Add(notional)
	return true
}

// RecordOutcome reports the result of a submission. In Closed, failures
// accumulate toward the consecutive-failure trip. In HalfOpen, a single
// failure reopens the breaker and a sufficient run of successes closes it.
func (b *Breaker) RecordOutcome(success bool, pnl decimal.Decimal) {
	switch b.State() {
	case HalfOpen:
		if success {
			b.mu.Lock()
			done := b.probeCount >= b.cfg.HalfOpenProbeLimit
			b.mu.Unlock()
			if done {
				b.recover()
			}
			return
		}
		b.trip("probe trade failed in half-open")
		return
	case Open:
		return
	}

	b.mu.Lock()
	if success {
		b.consecutiveFails = 0
	} else {
		b.consecutiveFails++
	}
	b.dailyLoss = b.dailyLoss.Add(pnl)
	fails := b.consecutiveFails
	loss := b.dailyLoss
	b.mu.Unlock()

	if b.cfg.MaxConsecutiveFailures > 0 && fails >= b.cfg.MaxConsecutiveFailures {
		b.trip("max consecutive failures reached")
		return
	}
	if !b.cfg.MaxDailyLossAmount.IsZero() && loss.LessThan(b.cfg.MaxDailyLossAmount.Neg()) {
		b.trip("daily loss limit reached")
	}
}

// ObserveQuote feeds quote-staleness detection: a quote older than
// MaxQuoteStaleness trips the breaker.
func (b *Breaker) ObserveQuote(observedAt time.Time) {
	b.mu.Lock()
	if observedAt.After(b.lastQuoteObserved) {
		b.lastQuoteObserved = observedAt
	}
	stale := b.cfg.MaxQuoteStaleness > 0 && time.Since(b.lastQuoteObserved) > b.cfg.MaxQuoteStaleness
	b.mu.Unlock()

	if stale {
		b.trip("quote staleness exceeded threshold")
	}
}

// ObserveDisconnect reports that the market-data connection has been down
// since since. Call with a zero time to clear a prior disconnect.
func (b *Breaker) ObserveDisconnect(since time.Time) {
	b.mu.Lock()
	b.disconnectedSince = since
	down := !since.IsZero()
	exceeded := down && b.cfg.MaxDisconnectDuration > 0 && time.Since(since) > b.cfg.MaxDisconnectDuration
	b.mu.Unlock()

	if exceeded {
		b.trip("websocket disconnect duration exceeded threshold")
	}
}

func (b *Breaker) trip(reason string) {
	if b.State() == Open {
		return
	}
	b.mu.Lock()
	b.lastTripped = time.Now()
	b.probeCount = 0
	b.probeNotional = decimal.Zero
	b.mu.Unlock()

	atomic.StoreInt32(&b.state, int32(Open))
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", true)
	b.logger.Warn("circuit breaker tripped", "reason", reason)
}

func (b *Breaker) maybeTransitionToHalfOpen() {
	b.mu.Lock()
	ready := b.cfg.CooldownPeriod > 0 && time.Since(b.lastTripped) > b.cfg.CooldownPeriod
	if ready {
		b.probeCount = 0
		b.probeNotional = decimal.Zero
	}
	b.mu.Unlock()

	if ready {
		atomic.StoreInt32(&b.state, int32(HalfOpen))
		b.logger.Info("circuit breaker entering half-open recovery probe")
	}
}

func (b *Breaker) recover() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.dailyLoss = decimal.Zero
	b.probeCount = 0
	b.probeNotional = decimal.Zero
	b.mu.Unlock()

	atomic.StoreInt32(&b.state, int32(Closed))
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
	b.logger.Info("circuit breaker recovered to closed")
}

// Trip manually opens the breaker, e.g. from an operator action.
func (b *Breaker) Trip(reason string) {
	b.trip(reason)
}

// Reset forcibly returns the breaker to Closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.dailyLoss = decimal.Zero
	b.probeCount = 0
	b.probeNotional = decimal.Zero
	b.mu.Unlock()

	atomic.StoreInt32(&b.state, int32(Closed))
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen("global", false)
}
