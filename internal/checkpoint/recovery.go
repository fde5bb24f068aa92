package checkpoint

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"binarymm/internal/core"
	"binarymm/internal/domain"
)

// warningDivergencePct and criticalDivergencePct mirror the
// auto-correct-below/halt-above threshold split the position reconciler
// uses for live drift: below 5% the recovered book is close enough to
// trust outright; at or above it, a human should look before the domain
// resumes.
const (
	warningDivergencePct  = 0.0
	criticalDivergencePct = 5.0
)

// Divergence describes a mismatch between the exchange's reported
// position and what the persisted cycle state implies should be held,
// for one (deployment, token).
type Divergence struct {
	DeploymentID  string
	TokenID       string
	LocalShares   decimal.Decimal
	ExchangeShares decimal.Decimal
	PercentDiff   float64
	Critical      bool
}

// Report is everything a process needs to resume cleanly after a
// restart: the state to rehydrate every in-memory component from, and
// any divergences recovery found between that state and the exchange's
// view of the book.
type Report struct {
	Deployments      []domain.Deployment
	Policy           domain.GovernancePolicy
	HaltTripped      bool
	HaltReason       string
	ResumableCycles  []NonTerminalCycle
	Divergences      []Divergence
	DomainsToHalt    []string // domains with a critical divergence; caller should halt ingress before resuming
}

// Recoverer loads persisted state and reconciles it against the
// exchange's live book on startup. It only reads and reports — callers
// (cmd/coordinator's wiring) decide what to do with a critical
// divergence, since only they hold the Coordinator/Gate/Stop handles
// needed to act on it.
type Recoverer struct {
	store    *Store
	exchange core.IExchange
	logger   core.ILogger
}

// NewRecoverer builds a Recoverer bound to a Store and the live exchange.
func NewRecoverer(store *Store, exchange core.IExchange, logger core.ILogger) *Recoverer {
	return &Recoverer{store: store, exchange: exchange, logger: logger.WithField("component", "checkpoint_recovery")}
}

// Run loads every piece of persisted state and reconciles the resumable
// cycles' implied exposure against the exchange's reported positions.
func (r *Recoverer) Run(ctx context.Context) (*Report, error) {
	deployments, err := r.store.LoadDeployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: recovery load deployments: %w", err)
	}
	policy, err := r.store.LoadPolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: recovery load policy: %w", err)
	}
	tripped, reason, err := r.store.LoadHaltState(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: recovery load halt state: %w", err)
	}
	cycles, err := r.store.LoadNonTerminalCycles(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: recovery load non-terminal cycles: %w", err)
	}

	report := &Report{
		Deployments:     deployments,
		Policy:          policy,
		HaltTripped:     tripped,
		HaltReason:      reason,
		ResumableCycles: cycles,
	}

	if len(cycles) == 0 {
		r.logger.Info("recovery found no non-terminal cycles to reconcile")
		return report, nil
	}

	positions, err := r.exchange.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: recovery fetch exchange positions: %w", err)
	}
	exchangeShares := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		exchangeShares[domain.ExposureKey(p.DeploymentID, p.TokenID)] = p.Shares
	}

	localShares := make(map[string]decimal.Decimal, len(cycles))
	for _, c := range cycles {
		if c.Cycle.Leg1Token == "" || c.Cycle.Leg1SharesFilled.IsZero() {
			continue
		}
		// A resumable (non-terminal) cycle has not closed Leg2 yet, so its
		// held exposure is exactly its Leg1 fill.
		key := domain.ExposureKey(c.DeploymentID, c.Cycle.Leg1Token)
		localShares[key] = localShares[key].Add(c.Cycle.Leg1SharesFilled)
	}

	domainsCritical := map[string]bool{}
	depByID := make(map[string]domain.Deployment, len(deployments))
	for _, d := range deployments {
		depByID[d.ID] = d
	}

	for key, local := range localShares {
		deploymentID, tokenID := splitExposureKey(key)
		exch, ok := exchangeShares[key]
		if !ok {
			exch = decimal.Zero
		}

		div := Divergence{DeploymentID: deploymentID, TokenID: tokenID, LocalShares: local, ExchangeShares: exch}
		if exch.IsZero() {
			if !local.IsZero() {
				div.PercentDiff = 100
				div.Critical = true
			}
		} else {
			diff := local.Sub(exch).Abs()
			pct, _ := diff.Div(exch.Abs()).Mul(decimal.NewFromInt(100)).Float64()
			div.PercentDiff = pct
			div.Critical = pct >= criticalDivergencePct
		}

		if div.PercentDiff > warningDivergencePct {
			report.Divergences = append(report.Divergences, div)
			if div.Critical {
				r.logger.Error("critical position divergence on recovery",
					"deployment_id", deploymentID, "token_id", tokenID,
					"local_shares", local.String(), "exchange_shares", exch.String(), "percent_diff", div.PercentDiff)
				if dep, ok := depByID[deploymentID]; ok {
					domainsCritical[dep.Domain] = true
				}
			} else {
				r.logger.Warn("minor position divergence on recovery, trusting exchange-reported shares",
					"deployment_id", deploymentID, "token_id", tokenID,
					"local_shares", local.String(), "exchange_shares", exch.String(), "percent_diff", div.PercentDiff)
			}
		}
	}

	for d := range domainsCritical {
		report.DomainsToHalt = append(report.DomainsToHalt, d)
	}

	return report, nil
}

func splitExposureKey(key string) (deploymentID, tokenID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
