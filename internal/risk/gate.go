package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binarymm/internal/apperrors"
	"binarymm/internal/core"
	"binarymm/internal/domain"
	"binarymm/internal/fundmanager"
)

// FundsView is the narrow read the gate needs from the Fund Manager:
// outstanding exposure for one deployment/token pair, the domain's running
// total, and the balance/reserve-aware can_open check.
// fundmanager.Manager is the sole implementer; there's no import cycle
// since fundmanager only depends on core/domain.
type FundsView interface {
	DeploymentTokenExposure(deploymentID, tokenID string) decimal.Decimal
	DomainExposure(domain string) decimal.Decimal
	CanOpen(ctx context.Context, intent domain.OrderIntent, notional decimal.Decimal) (fundmanager.Decision, error)
}

// EmergencyView reports whether the process-wide emergency stop is set.
type EmergencyView interface {
	IsStopped() bool
}

// Gate is the single choke point every OrderIntent passes through before
// reaching the Executor. It composes the emergency-stop check, the circuit
// breaker, the governance ingress mode, and exposure/loss caps into one
// atomic decision.
type Gate struct {
	logger    core.ILogger
	emergency EmergencyView
	breaker   *Breaker
	funds     FundsView

	mu      sync.RWMutex
	policy  domain.GovernancePolicy
	dailyPnL map[string]domain.DailyPnL // key: domain
}

// NewGate constructs a Gate over the given emergency stop, breaker, and
// funds view, starting with the given initial governance policy.
func NewGate(emergency EmergencyView, breaker *Breaker, funds FundsView, policy domain.GovernancePolicy, logger core.ILogger) *Gate {
	return &Gate{
		logger:    logger.WithField("component", "risk_gate"),
		emergency: emergency,
		breaker:   breaker,
		funds:     funds,
		policy:    policy,
		dailyPnL:  make(map[string]domain.DailyPnL),
	}
}

// UpdatePolicy atomically replaces the governance policy, e.g. from a
// control-plane PUT.
func (g *Gate) UpdatePolicy(p domain.GovernancePolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
}

// Policy returns a copy of the current governance policy.
func (g *Gate) Policy() domain.GovernancePolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// RecordPnL accrues realized/unrealized PnL for a domain on today's UTC date.
func (g *Gate) RecordPnL(domainName string, realizedDelta, unrealizedDelta decimal.Decimal) {
	date := time.Now().UTC().Format("2006-01-02")

	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.dailyPnL[domainName]
	if cur.Date != date {
		cur = domain.DailyPnL{Date: date, Domain: domainName}
	}
	cur.Realized = cur.Realized.Add(realizedDelta)
	cur.Unrealized = cur.Unrealized.Add(unrealizedDelta)
	g.dailyPnL[domainName] = cur
}

// Evaluate runs the composite gate check for one intent and one deployment.
// It is the sole boundary callers use; no caller composes multiple checks
// itself across a suspension point, so the whole decision stays atomic.
func (g *Gate) Evaluate(ctx context.Context, intent domain.OrderIntent, dep domain.Deployment, notional decimal.Decimal) error {
	if g.emergency.IsStopped() {
		return apperrors.GateRejection("emergency_stopped", "process-wide emergency stop is active", apperrors.ErrEmergencyStopped)
	}

	if !g.breaker.Allow(notional) {
		return apperrors.GateRejection("circuit_breaker_open", fmt.Sprintf("circuit breaker is %s", g.breaker.State()), nil)
	}

	if !dep.CanSubmitLive() {
		return apperrors.GateRejection("deployment_not_live", "deployment is not enabled for live trading", nil)
	}

	g.mu.RLock()
	policy := g.policy
	pnl := g.dailyPnL[intent.Domain]
	g.mu.RUnlock()

	if policy.GlobalIngressMode == domain.IngressHalted {
		return apperrors.GateRejection("global_halted", "global ingress mode is halted", nil)
	}
	if policy.GlobalIngressMode == domain.IngressPaused {
		return apperrors.GateRejection("global_paused", "global ingress mode is paused", nil)
	}

	switch policy.DomainMode(intent.Domain) {
	case domain.IngressHalted:
		return apperrors.GateRejection("domain_halted", fmt.Sprintf("domain %q is halted", intent.Domain), nil)
	case domain.IngressPaused:
		return apperrors.GateRejection("domain_paused", fmt.Sprintf("domain %q is paused", intent.Domain), nil)
	}

	if cap, ok := policy.DomainExposureCaps[intent.Domain]; ok && !cap.IsZero() {
		current := g.funds.DomainExposure(intent.Domain)
		if current.Add(notional).GreaterThan(cap) {
			return apperrors.GateRejection("exposure_cap_exceeded", fmt.Sprintf("domain %q exposure cap exceeded", intent.Domain), nil)
		}
	}

	if cap, ok := policy.DomainMaxSingleExposure[intent.Domain]; ok && !cap.IsZero() {
		if notional.GreaterThan(cap) {
			return apperrors.GateRejection("single_intent_notional_exceeded", fmt.Sprintf("intent notional exceeds domain %q max_single_exposure", intent.Domain), nil)
		}
		symbolExposure := g.funds.DeploymentTokenExposure(intent.DeploymentID, intent.TokenID)
		if symbolExposure.Add(notional).GreaterThan(cap) {
			return apperrors.GateRejection("symbol_exposure_limit_exceeded", fmt.Sprintf("token %q exposure would exceed domain %q max_single_exposure", intent.TokenID, intent.Domain), nil)
		}
	}

	if cap, ok := policy.DomainDailyLossCap[intent.Domain]; ok && !cap.IsZero() {
		totalPnL := pnl.Realized.Add(pnl.Unrealized)
		if totalPnL.LessThan(cap.Neg()) {
			return apperrors.GateRejection("daily_loss_cap_exceeded", fmt.Sprintf("domain %q daily loss cap exceeded", intent.Domain), nil)
		}
	}

	if intent.Side == domain.SideBuy {
		decision, err := g.funds.CanOpen(ctx, intent, notional)
		if err != nil {
			return apperrors.GateRejection("balance_check_failed", "could not evaluate available balance", err)
		}
		if !decision.Allowed {
			return apperrors.GateRejection("insufficient_available_balance", decision.Reason, nil)
		}
	}

	return nil
}

// RemainingExposureBudget reports how much more notional a domain may take
// on before breaching its configured cap. A zero-valued cap means
// unbounded.
func (g *Gate) RemainingExposureBudget(domainName string) decimal.Decimal {
	g.mu.RLock()
	cap, ok := g.policy.DomainExposureCaps[domainName]
	g.mu.RUnlock()

	if !ok || cap.IsZero() {
		return decimal.NewFromInt(1 << 32) // effectively unbounded
	}

	used := g.funds.DomainExposure(domainName)
	remaining := cap.Sub(used)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}
