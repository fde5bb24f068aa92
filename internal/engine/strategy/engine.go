// Package strategy drives the two-leg arbitrage cycle state machine, the
// central logic of this module: a *staged-entry/scale-to-actual-fill/
// compensate-on-failure* pattern, where the second leg is sized off the
// first leg's actual executed quantity and a failed second leg triggers an
// unwind of the first rather than leaving a naked position.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"binarymm/internal/apperrors"
	"binarymm/internal/core"
	"binarymm/internal/domain"
	"binarymm/internal/exchange"
	"binarymm/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QuoteSource is the narrow read capability the engine needs from
// internal/quotecache.Cache.
type QuoteSource interface {
	Get(tokenID string) (domain.Quote, bool)
}

// OrderSubmitter is the narrow capability the engine needs from
// internal/coordinator.Coordinator: submit one leg and get back its terminal
// fill. A zero-fill, non-error return means the order was IOC/FOK-killed
// without a match.
type OrderSubmitter interface {
	Execute(ctx context.Context, intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal) (*domain.FillReport, error)
}

// GateChecker is the narrow capability the engine needs from
// internal/risk.Gate. The engine re-evaluates the gate immediately before
// every leg submission, without giving the Executor a dependency on
// Deployment/policy lookup — keeping Engine, Executor, and FundManager
// each a narrow handle rather than a cyclic reference to one another.
type GateChecker interface {
	Evaluate(ctx context.Context, intent domain.OrderIntent, dep domain.Deployment, notional decimal.Decimal) error
}

// FundsRecorder is the narrow capability the engine needs from
// internal/fundmanager.Manager.
type FundsRecorder interface {
	RecordOpened(intent domain.OrderIntent, actualNotional, filledShares decimal.Decimal) error
	RecordClosed(intent domain.OrderIntent, closedNotional, pnl, closedShares decimal.Decimal) error
}

// Persister durably records a cycle's state before any network submission:
// every state-mutating decision persists Cycle+state first, so a crash
// mid-submission never loses track of what was already attempted. A
// sqlite-backed implementation lives in internal/checkpoint; nil is
// accepted for tests and best-effort callers.
type Persister interface {
	SaveCycle(ctx context.Context, cycle domain.CycleContext) error
	// SaveRound records the Round/Deployment a cycle was started against,
	// once, at StartCycle. Recovery needs this to rebuild enough of the
	// Round (token IDs, end time) to resume a non-terminal cycle without
	// waiting for the next quote update to re-establish it.
	SaveRound(ctx context.Context, round domain.Round, dep domain.Deployment) error
}

// Params are the tunables that shape one deployment's cycle behavior.
type Params struct {
	SumTarget             decimal.Decimal // max combined Leg1+Leg2 cost per unit
	FeeBuffer             decimal.Decimal
	SlippageBuffer        decimal.Decimal
	ProfitBuffer          decimal.Decimal
	FillBuffer            decimal.Decimal // added to best ask for Leg1's IOC limit price
	MaxAcceptableLoss     decimal.Decimal // bounds the forced-Leg2 price ceiling
	Leg2ForceCloseWindow  time.Duration   // force Leg2 when round end is within this window of Leg1Filled
	UnwindMaxRetries      int
	WatchCooldown         time.Duration // cooldown after a zero-fill Leg1 before re-entry is eligible
	EntrySharesPerCycle   decimal.Decimal
	FeeRateBps            int32
}

func (p Params) withDefaults() Params {
	if p.UnwindMaxRetries == 0 {
		p.UnwindMaxRetries = 3
	}
	if p.WatchCooldown == 0 {
		p.WatchCooldown = 5 * time.Second
	}
	if p.Leg2ForceCloseWindow == 0 {
		p.Leg2ForceCloseWindow = 30 * time.Second
	}
	return p
}

// cycleEntry bundles one round's persisted CycleContext with the
// deployment/round data needed to size and route its orders, plus an
// execution mutex that serializes submissions independently of state
// reads.
type cycleEntry struct {
	execMu sync.Mutex

	ctx   domain.CycleContext
	round domain.Round
	dep   domain.Deployment

	watchCooldownUntil time.Time
}

// Engine drives one two-leg cycle per active Round. Safe for concurrent
// use: state reads take the RW lock; a per-cycle execution mutex
// serializes the submit/transition sequence for that round only, so
// concurrent rounds never block each other.
type Engine struct {
	logger core.ILogger
	params Params

	submitter OrderSubmitter
	gate      GateChecker
	funds     FundsRecorder
	quotes    QuoteSource
	persist   Persister

	mu     sync.RWMutex
	cycles map[string]*cycleEntry
}

// New constructs an Engine. persist may be nil (best-effort, in-memory only).
func New(submitter OrderSubmitter, gate GateChecker, funds FundsRecorder, quotes QuoteSource, persist Persister, params Params, logger core.ILogger) *Engine {
	return &Engine{
		logger:    logger.WithField("component", "strategy_engine"),
		params:    params.withDefaults(),
		submitter: submitter,
		gate:      gate,
		funds:     funds,
		quotes:    quotes,
		persist:   persist,
		cycles:    make(map[string]*cycleEntry),
	}
}

// StartCycle registers a fresh Round for this deployment, transitioning
// Idle → WatchWindow. Re-calling for a round already tracked is a no-op
// (idempotent start).
func (e *Engine) StartCycle(ctx context.Context, round domain.Round, dep domain.Deployment) error {
	if !round.Valid() {
		return apperrors.Validation("invalid_round", "round start must precede end and tokens must differ", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.cycles[round.RoundID]; exists {
		return nil
	}

	entry := &cycleEntry{
		round: round,
		dep:   dep,
		ctx: domain.CycleContext{
			RoundID:   round.RoundID,
			State:     domain.StateWatchWindow,
			Version:   1,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}
	e.cycles[round.RoundID] = entry

	if e.persist != nil {
		if err := e.persist.SaveRound(ctx, round, dep); err != nil {
			e.logger.Error("failed to persist round snapshot", "round_id", round.RoundID, "error", err.Error())
		}
		if err := e.persist.SaveCycle(ctx, entry.ctx); err != nil {
			e.logger.Error("failed to persist cycle start", "round_id", round.RoundID, "error", err.Error())
		}
	}

	return nil
}

// State returns the current state of a tracked round's cycle.
func (e *Engine) State(roundID string) (domain.CycleContext, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cycles[roundID]
	if !ok {
		return domain.CycleContext{}, false
	}
	return entry.ctx, true
}

// ActiveRoundIDs returns every round ID still tracked in a non-terminal
// state, the driving set a central scheduler loop calls Tick over.
func (e *Engine) ActiveRoundIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.cycles))
	for id, entry := range e.cycles {
		switch entry.ctx.State {
		case domain.StateCycleComplete, domain.StateAborted, domain.StateHalted:
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Tick runs one evaluation step for roundID and returns the resulting
// state. Callers (a per-round goroutine, or a central scheduler reacting
// to quote updates) are expected to call Tick repeatedly until the cycle
// reaches a terminal state.
func (e *Engine) Tick(ctx context.Context, roundID string) (domain.StrategyState, error) {
	entry, ok := e.lookup(roundID)
	if !ok {
		return "", fmt.Errorf("strategy: unknown round %s", roundID)
	}

	entry.execMu.Lock()
	defer entry.execMu.Unlock()

	state, _ := e.snapshotState(entry)

	switch state {
	case domain.StateWatchWindow:
		return e.tickWatchWindow(ctx, entry)
	case domain.StateLeg1Filled:
		return e.tickLeg1Filled(ctx, entry)
	case domain.StateLeg2Pending:
		return e.tickForceLeg2IfNeeded(ctx, entry)
	default:
		return state, nil
	}
}

func (e *Engine) lookup(roundID string) (*cycleEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cycles[roundID]
	return entry, ok
}

func (e *Engine) snapshotState(entry *cycleEntry) (domain.StrategyState, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return entry.ctx.State, entry.ctx.Version
}

// commit applies mutate under a version-checked optimistic lock: the
// caller must have captured the version before any suspension point (a
// network call); commit refuses to apply if the version has since changed
// underneath it.
func (e *Engine) commit(ctx context.Context, entry *cycleEntry, capturedVersion uint64, mutate func(*domain.CycleContext)) error {
	e.mu.Lock()
	if entry.ctx.Version != capturedVersion {
		e.mu.Unlock()
		return apperrors.StateConflict("version_mismatch", "cycle version changed during a suspension point", nil)
	}
	mutate(&entry.ctx)
	entry.ctx.Version++
	entry.ctx.UpdatedAt = time.Now()
	snapshot := entry.ctx
	e.mu.Unlock()

	if e.persist != nil {
		if err := e.persist.SaveCycle(ctx, snapshot); err != nil {
			e.logger.Error("failed to persist cycle transition", "round_id", snapshot.RoundID, "state", string(snapshot.State), "error", err.Error())
		}
	}
	return nil
}

// abort force-transitions a cycle to Aborted, bypassing the optimistic
// version check: any active state goes straight to Aborted on a
// version mismatch, and the caller is expected to record the anomaly and
// trip the breaker.
func (e *Engine) abort(ctx context.Context, entry *cycleEntry, reason string) {
	e.mu.Lock()
	entry.ctx.State = domain.StateAborted
	entry.ctx.Version++
	entry.ctx.UpdatedAt = time.Now()
	snapshot := entry.ctx
	e.mu.Unlock()

	e.logger.Error("cycle aborted", "round_id", snapshot.RoundID, "reason", reason)
	if e.persist != nil {
		if err := e.persist.SaveCycle(ctx, snapshot); err != nil {
			e.logger.Error("failed to persist cycle abort", "round_id", snapshot.RoundID, "error", err.Error())
		}
	}
}

// Halt force-transitions a tracked cycle to Halted (circuit breaker trip
// or emergency stop). The current in-flight leg is left to resolve
// through its own submit call; Halt only blocks future ticks.
func (e *Engine) Halt(ctx context.Context, roundID, reason string) {
	entry, ok := e.lookup(roundID)
	if !ok {
		return
	}
	e.mu.Lock()
	entry.ctx.State = domain.StateHalted
	entry.ctx.Version++
	entry.ctx.UpdatedAt = time.Now()
	snapshot := entry.ctx
	e.mu.Unlock()

	e.logger.Warn("cycle halted", "round_id", roundID, "reason", reason)
	if e.persist != nil {
		if err := e.persist.SaveCycle(ctx, snapshot); err != nil {
			e.logger.Error("failed to persist cycle halt", "round_id", roundID, "error", err.Error())
		}
	}
}

// HaltAll halts every tracked cycle, used on emergency stop / breaker trip.
func (e *Engine) HaltAll(ctx context.Context, reason string) {
	e.mu.RLock()
	roundIDs := make([]string, 0, len(e.cycles))
	for id := range e.cycles {
		roundIDs = append(roundIDs, id)
	}
	e.mu.RUnlock()

	for _, id := range roundIDs {
		e.Halt(ctx, id, reason)
	}
}

// tickWatchWindow evaluates the entry signal and, if profitable, submits
// Leg1 IOC at best-ask-plus-fill-buffer.
func (e *Engine) tickWatchWindow(ctx context.Context, entry *cycleEntry) (domain.StrategyState, error) {
	e.mu.RLock()
	cooldownUntil := entry.watchCooldownUntil
	round := entry.round
	dep := entry.dep
	e.mu.RUnlock()

	if time.Now().Before(cooldownUntil) {
		return domain.StateWatchWindow, nil
	}

	upAsk, upOK := e.quotes.Get(round.UpTokenID)
	downAsk, downOK := e.quotes.Get(round.DownTokenID)
	if !upOK || !downOK {
		return domain.StateWatchWindow, nil
	}

	signal, ok := bestEntrySignal(round, upAsk, downAsk, e.params)
	if !ok {
		return domain.StateWatchWindow, nil
	}

	capturedVersion := entry.ctx.Version
	limitPrice := signal.Ask.Add(e.params.FillBuffer)
	intent := domain.OrderIntent{
		IntentID:       uuid.NewString(),
		DeploymentID:   dep.ID,
		Domain:         dep.Domain,
		TokenID:        signal.TokenID,
		Side:           domain.SideBuy,
		MarketSide:     signal.MarketSide,
		Shares:         e.params.EntrySharesPerCycle,
		LimitPrice:     limitPrice,
		TimeInForce:    domain.TIFIOC,
		ExpirationUnix: time.Now().Add(5 * time.Minute).Unix(),
		IdempotencyKey: "cycle:" + round.RoundID + ":leg1",
		ClientOrderID:  exchange.NewClientOrderID(limitPrice, domain.SideBuy, 6),
		CreationTS:     time.Now(),
	}

	if err := e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
		c.State = domain.StateLeg1Pending
		c.Leg1Token = signal.TokenID
	}); err != nil {
		e.abort(ctx, entry, err.Error())
		return domain.StateAborted, err
	}

	notional := limitPrice.Mul(intent.Shares)
	if err := e.gate.Evaluate(ctx, intent, dep, notional); err != nil {
		e.revertToWatchWindow(ctx, entry, err)
		return domain.StateWatchWindow, nil
	}

	maker, taker := intentAmounts(domain.SideBuy, limitPrice, intent.Shares)
	report, err := e.submitter.Execute(ctx, intent, maker, taker)
	if err != nil {
		e.logger.Warn("leg1 submission failed", "round_id", round.RoundID, "error", err.Error())
		e.revertToWatchWindow(ctx, entry, err)
		return domain.StateWatchWindow, nil
	}

	return e.onLeg1Result(ctx, entry, intent, report)
}

func (e *Engine) revertToWatchWindow(ctx context.Context, entry *cycleEntry, cause error) {
	capturedVersion := entry.ctx.Version
	_ = e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
		c.State = domain.StateWatchWindow
	})
	e.mu.Lock()
	entry.watchCooldownUntil = time.Now().Add(e.params.WatchCooldown)
	e.mu.Unlock()
}

func (e *Engine) onLeg1Result(ctx context.Context, entry *cycleEntry, intent domain.OrderIntent, report *domain.FillReport) (domain.StrategyState, error) {
	capturedVersion := entry.ctx.Version

	if report.FilledShares.IsZero() {
		// IOC 0-fill: back to WatchWindow, retry-eligible after cooldown.
		if err := e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
			c.State = domain.StateWatchWindow
		}); err != nil {
			e.abort(ctx, entry, err.Error())
			return domain.StateAborted, err
		}
		e.mu.Lock()
		entry.watchCooldownUntil = time.Now().Add(e.params.WatchCooldown)
		e.mu.Unlock()
		return domain.StateWatchWindow, nil
	}

	if err := e.funds.RecordOpened(intent, report.Notional, report.FilledShares); err != nil {
		e.logger.Error("failed to record leg1 exposure", "round_id", entry.round.RoundID, "error", err.Error())
	}

	if err := e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
		c.State = domain.StateLeg1Filled
		c.Leg1Price = report.AvgFillPrice
		c.Leg1SharesFilled = report.FilledShares
	}); err != nil {
		e.abort(ctx, entry, err.Error())
		return domain.StateAborted, err
	}

	return domain.StateLeg1Filled, nil
}

// tickLeg1Filled checks whether the opposite side's ask satisfies the
// profitability condition and, if so, submits Leg2 FOK sized to the
// actual Leg1 fill (never a static config), guarding against
// over-hedging. If the round's end is within Leg2ForceCloseWindow, Leg2 is
// forced immediately regardless of the profitability gate.
func (e *Engine) tickLeg1Filled(ctx context.Context, entry *cycleEntry) (domain.StrategyState, error) {
	e.mu.RLock()
	round := entry.round
	dep := entry.dep
	cyc := entry.ctx
	e.mu.RUnlock()

	opposite := oppositeTokenID(round, cyc.Leg1Token)
	quote, ok := e.quotes.Get(opposite)

	forceNow := time.Until(round.EndTime) <= e.params.Leg2ForceCloseWindow

	if !ok {
		if forceNow {
			return e.enterUnwinding(ctx, entry, "leg2 quote unavailable at force-close window")
		}
		return domain.StateLeg1Filled, nil
	}

	profitable := cyc.Leg1Price.Add(quote.BestAsk).LessThanOrEqual(
		e.params.SumTarget.Sub(e.params.FeeBuffer).Sub(e.params.SlippageBuffer).Sub(e.params.ProfitBuffer),
	)

	if !profitable && !forceNow {
		return domain.StateLeg1Filled, nil
	}

	capturedVersion := entry.ctx.Version
	intent := domain.OrderIntent{
		IntentID:       uuid.NewString(),
		DeploymentID:   dep.ID,
		Domain:         dep.Domain,
		TokenID:        opposite,
		Side:           domain.SideBuy,
		MarketSide:     oppositeMarketSide(round, cyc.Leg1Token),
		Shares:         cyc.Leg1SharesFilled,
		LimitPrice:     quote.BestAsk.Add(e.params.FillBuffer),
		TimeInForce:    domain.TIFFOK,
		ExpirationUnix: time.Now().Add(5 * time.Minute).Unix(),
		IdempotencyKey: "cycle:" + round.RoundID + ":leg2",
		ClientOrderID:  exchange.NewClientOrderID(quote.BestAsk.Add(e.params.FillBuffer), domain.SideBuy, 6),
		CreationTS:     time.Now(),
	}

	if err := e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
		c.State = domain.StateLeg2Pending
		c.Leg2Token = opposite
		c.Leg2SharesTarget = cyc.Leg1SharesFilled
	}); err != nil {
		e.abort(ctx, entry, err.Error())
		return domain.StateAborted, err
	}

	notional := intent.LimitPrice.Mul(intent.Shares)
	if err := e.gate.Evaluate(ctx, intent, dep, notional); err != nil {
		e.logger.Warn("leg2 rejected by gate", "round_id", round.RoundID, "error", err.Error())
		return domain.StateLeg2Pending, nil
	}

	maker, taker := intentAmounts(domain.SideBuy, intent.LimitPrice, intent.Shares)
	report, err := e.submitter.Execute(ctx, intent, maker, taker)
	if err != nil || report.FilledShares.LessThan(intent.Shares) {
		if err == nil {
			err = fmt.Errorf("leg2 FOK did not fill full target quantity")
		}
		e.logger.Warn("leg2 submission failed or incomplete", "round_id", round.RoundID, "error", err.Error())
		return e.enterUnwinding(ctx, entry, err.Error())
	}

	if err := e.funds.RecordOpened(intent, report.Notional, report.FilledShares); err != nil {
		e.logger.Error("failed to record leg2 exposure", "round_id", round.RoundID, "error", err.Error())
	}

	capturedVersion = entry.ctx.Version
	if err := e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
		c.State = domain.StateCycleComplete
		c.Leg2Price = report.AvgFillPrice
	}); err != nil {
		e.abort(ctx, entry, err.Error())
		return domain.StateAborted, err
	}

	telemetry.GetGlobalMetrics().CycleCompletedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", dep.Domain)))
	return domain.StateCycleComplete, nil
}

// tickForceLeg2IfNeeded handles the case where Leg2Pending's submission
// above was rejected by the gate (left the cycle parked in Leg2Pending):
// re-attempt the forced branch exactly once if the round is near end-time.
func (e *Engine) tickForceLeg2IfNeeded(ctx context.Context, entry *cycleEntry) (domain.StrategyState, error) {
	e.mu.RLock()
	round := entry.round
	forceAttempted := entry.ctx.ForceLeg2Attempted
	e.mu.RUnlock()

	if time.Until(round.EndTime) > e.params.Leg2ForceCloseWindow || forceAttempted {
		return domain.StateLeg2Pending, nil
	}
	return e.enterUnwinding(ctx, entry, "leg2 pending past force-close window")
}

// enterUnwinding attempts the forced-Leg2 branch exactly once (capped at
// 1 − leg1_price + max_acceptable_loss); on failure it unwinds Leg1 by
// IOC-selling leg1_shares_filled at best bid, bounded by UnwindMaxRetries.
func (e *Engine) enterUnwinding(ctx context.Context, entry *cycleEntry, reason string) (domain.StrategyState, error) {
	e.mu.RLock()
	round := entry.round
	dep := entry.dep
	cyc := entry.ctx
	e.mu.RUnlock()

	capturedVersion := entry.ctx.Version
	if err := e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
		c.State = domain.StateUnwinding
	}); err != nil {
		e.abort(ctx, entry, err.Error())
		return domain.StateAborted, err
	}

	if !cyc.ForceLeg2Attempted {
		ceiling := decimal.NewFromInt(1).Sub(cyc.Leg1Price).Add(e.params.MaxAcceptableLoss)
		opposite := oppositeTokenID(round, cyc.Leg1Token)

		intent := domain.OrderIntent{
			IntentID:       uuid.NewString(),
			DeploymentID:   dep.ID,
			Domain:         dep.Domain,
			TokenID:        opposite,
			Side:           domain.SideBuy,
			MarketSide:     oppositeMarketSide(round, cyc.Leg1Token),
			Shares:         cyc.Leg1SharesFilled,
			LimitPrice:     ceiling,
			TimeInForce:    domain.TIFFOK,
			ExpirationUnix: time.Now().Add(5 * time.Minute).Unix(),
			IdempotencyKey: "cycle:" + round.RoundID + ":leg2-forced",
			ClientOrderID:  exchange.NewClientOrderID(ceiling, domain.SideBuy, 6),
			CreationTS:     time.Now(),
		}

		capturedVersion = entry.ctx.Version
		_ = e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
			c.ForceLeg2Attempted = true
		})

		if err := e.gate.Evaluate(ctx, intent, dep, ceiling.Mul(intent.Shares)); err == nil {
			maker, taker := intentAmounts(domain.SideBuy, ceiling, intent.Shares)
			report, err := e.submitter.Execute(ctx, intent, maker, taker)
			if err == nil && report.FilledShares.GreaterThanOrEqual(intent.Shares) {
				if rerr := e.funds.RecordOpened(intent, report.Notional, report.FilledShares); rerr != nil {
					e.logger.Error("failed to record forced-leg2 exposure", "round_id", round.RoundID, "error", rerr.Error())
				}
				capturedVersion = entry.ctx.Version
				if err := e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
					c.State = domain.StateCycleComplete
					c.Leg2Token = opposite
					c.Leg2Price = report.AvgFillPrice
				}); err != nil {
					e.abort(ctx, entry, err.Error())
					return domain.StateAborted, err
				}
				return domain.StateCycleComplete, nil
			}
			e.logger.Warn("forced leg2 rejected", "round_id", round.RoundID, "reason", reason)
		}
	}

	return e.unwindLeg1(ctx, entry)
}

// unwindLeg1 IOC-sells leg1_shares_filled at best bid with bounded retries,
// accruing the realized PnL through the Fund Manager for the attempt that
// fills; if no attempt fills, nothing is recorded.
func (e *Engine) unwindLeg1(ctx context.Context, entry *cycleEntry) (domain.StrategyState, error) {
	e.mu.RLock()
	round := entry.round
	dep := entry.dep
	cyc := entry.ctx
	e.mu.RUnlock()

	var lastErr error
	for attempt := 0; attempt < e.params.UnwindMaxRetries; attempt++ {
		quote, ok := e.quotes.Get(cyc.Leg1Token)
		if !ok {
			lastErr = fmt.Errorf("unwind: no quote for %s", cyc.Leg1Token)
			continue
		}

		intent := domain.OrderIntent{
			IntentID:       uuid.NewString(),
			DeploymentID:   dep.ID,
			Domain:         dep.Domain,
			TokenID:        cyc.Leg1Token,
			Side:           domain.SideSell,
			MarketSide:     marketSideOf(round, cyc.Leg1Token),
			Shares:         cyc.Leg1SharesFilled,
			LimitPrice:     quote.BestBid,
			TimeInForce:    domain.TIFIOC,
			ExpirationUnix: time.Now().Add(5 * time.Minute).Unix(),
			IdempotencyKey: fmt.Sprintf("cycle:%s:unwind:%d", round.RoundID, attempt),
			ClientOrderID:  exchange.NewClientOrderID(quote.BestBid, domain.SideSell, 6),
			CreationTS:     time.Now(),
		}

		if err := e.gate.Evaluate(ctx, intent, dep, quote.BestBid.Mul(intent.Shares)); err != nil {
			lastErr = err
			continue
		}

		maker, taker := intentAmounts(domain.SideSell, quote.BestBid, intent.Shares)
		report, err := e.submitter.Execute(ctx, intent, maker, taker)
		if err != nil {
			lastErr = err
			continue
		}

		if report.FilledShares.GreaterThan(decimal.Zero) {
			pnl := report.AvgFillPrice.Sub(cyc.Leg1Price).Mul(report.FilledShares)
			if rerr := e.funds.RecordClosed(intent, report.Notional, pnl, report.FilledShares); rerr != nil {
				e.logger.Error("failed to record unwind pnl", "round_id", round.RoundID, "error", rerr.Error())
			}
			lastErr = nil
			break
		}
		lastErr = fmt.Errorf("unwind attempt %d filled zero shares", attempt)
	}

	if lastErr != nil {
		e.logger.Error("leg1 unwind exhausted retries", "round_id", round.RoundID, "error", lastErr.Error())
	}

	capturedVersion := entry.ctx.Version
	if err := e.commit(ctx, entry, capturedVersion, func(c *domain.CycleContext) {
		c.State = domain.StateAborted
	}); err != nil {
		e.abort(ctx, entry, err.Error())
	}

	telemetry.GetGlobalMetrics().CycleUnwoundTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", dep.Domain)))
	return domain.StateAborted, lastErr
}
