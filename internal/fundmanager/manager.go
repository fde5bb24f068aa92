// Package fundmanager tracks open exposure, per-domain ledgers, and a
// debounced balance cache under a single lock: one struct, one mutex, no
// lock-ordering discipline required because there is only one lock to
// take.
package fundmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"binarymm/internal/core"
	"binarymm/internal/domain"
)

// BalanceSource fetches the authoritative on-chain/exchange balance when
// the cache is stale. Implemented by the exchange adapter.
type BalanceSource interface {
	FetchBalance(ctx context.Context) (decimal.Decimal, error)
}

// Decision is the result of a can_open check.
type Decision struct {
	Allowed bool
	Reason  string
}

// positionKey identifies one (domain, deployment, token, side) bucket of
// open shares, the same granularity the reduce-only check reasons about.
type positionKey struct {
	domainName   string
	deploymentID string
	tokenID      string
	side         domain.MarketSide
}

// positionEntry tracks cumulative open shares and notional for a bucket, so
// AvgPrice can be derived without a separate running-average field.
type positionEntry struct {
	shares   decimal.Decimal
	notional decimal.Decimal
}

// Manager is the single-lock exposure and balance tracker.
type Manager struct {
	logger core.ILogger
	source BalanceSource

	balanceCacheTTL   time.Duration
	balanceDebounce    time.Duration
	accountReservePct decimal.Decimal

	mu sync.Mutex

	ledger          domain.ExposureLedger
	domainExposure  map[string]decimal.Decimal
	symbolOpenCount map[string]int
	dailyPnL        map[string]domain.DailyPnL // key: domain
	positions       map[positionKey]positionEntry

	cachedBalance   decimal.Decimal
	balanceFetchedAt time.Time
	lastInvalidate   time.Time
}

// Config bundles the manager's tunables.
type Config struct {
	BalanceCacheTTL   time.Duration
	BalanceDebounce   time.Duration
	AccountReservePct decimal.Decimal
}

// New constructs a Manager backed by source for balance refreshes.
func New(source BalanceSource, cfg Config, logger core.ILogger) *Manager {
	if cfg.BalanceCacheTTL <= 0 {
		cfg.BalanceCacheTTL = 10 * time.Second
	}
	return &Manager{
		logger:            logger.WithField("component", "fund_manager"),
		source:            source,
		balanceCacheTTL:   cfg.BalanceCacheTTL,
		balanceDebounce:   cfg.BalanceDebounce,
		accountReservePct: cfg.AccountReservePct,
		ledger:            domain.ExposureLedger{ByDeploymentToken: make(map[string]decimal.Decimal)},
		domainExposure:    make(map[string]decimal.Decimal),
		symbolOpenCount:   make(map[string]int),
		dailyPnL:          make(map[string]domain.DailyPnL),
		positions:         make(map[positionKey]positionEntry),
	}
}

// CanOpen performs every pre-open check atomically under the single lock:
// balance availability against the reserve percentage, plus whatever
// notional the intent would add to its deployment/token exposure.
func (m *Manager) CanOpen(ctx context.Context, intent domain.OrderIntent, notional decimal.Decimal) (Decision, error) {
	balance, err := m.balanceLocked(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("fundmanager: balance fetch: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reserve := balance.Mul(m.accountReservePct)
	available := balance.Sub(reserve)

	key := domain.ExposureKey(intent.DeploymentID, intent.TokenID)
	current := m.ledger.ByDeploymentToken[key]
	domainTotal := m.domainExposure[intent.Domain]

	if current.Add(notional).Add(domainTotal).GreaterThan(available) {
		return Decision{Allowed: false, Reason: "insufficient available balance after reserve"}, nil
	}

	return Decision{Allowed: true}, nil
}

// RecordOpened commits notional exposure for an intent's (deployment,
// token) pair and its domain total, and grows the matching position bucket
// by filledShares so OpenShares/OpenPositions reflect it immediately.
// actualNotional must never be zero — the Executor is responsible for
// supplying the fill's true notional.
func (m *Manager) RecordOpened(intent domain.OrderIntent, actualNotional, filledShares decimal.Decimal) error {
	if actualNotional.IsZero() {
		return fmt.Errorf("fundmanager: record_opened requires a non-zero notional")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := domain.ExposureKey(intent.DeploymentID, intent.TokenID)
	m.ledger.ByDeploymentToken[key] = m.ledger.ByDeploymentToken[key].Add(actualNotional)
	m.domainExposure[intent.Domain] = m.domainExposure[intent.Domain].Add(actualNotional)
	m.symbolOpenCount[intent.TokenID]++

	pk := positionKey{domainName: intent.Domain, deploymentID: intent.DeploymentID, tokenID: intent.TokenID, side: intent.MarketSide}
	pe := m.positions[pk]
	pe.shares = pe.shares.Add(filledShares)
	pe.notional = pe.notional.Add(actualNotional)
	m.positions[pk] = pe

	return nil
}

// RecordClosed releases notional exposure and accrues realized PnL into
// today's DailyPnL for the intent's domain, and shrinks the matching
// position bucket by closedShares.
func (m *Manager) RecordClosed(intent domain.OrderIntent, closedNotional, pnl, closedShares decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := domain.ExposureKey(intent.DeploymentID, intent.TokenID)
	m.ledger.ByDeploymentToken[key] = m.ledger.ByDeploymentToken[key].Sub(closedNotional)
	m.domainExposure[intent.Domain] = m.domainExposure[intent.Domain].Sub(closedNotional)
	if m.symbolOpenCount[intent.TokenID] > 0 {
		m.symbolOpenCount[intent.TokenID]--
	}

	pk := positionKey{domainName: intent.Domain, deploymentID: intent.DeploymentID, tokenID: intent.TokenID, side: intent.MarketSide}
	pe := m.positions[pk]
	pe.shares = pe.shares.Sub(closedShares)
	if pe.shares.IsNegative() {
		pe.shares = decimal.Zero
	}
	pe.notional = pe.notional.Sub(closedNotional)
	if pe.notional.IsNegative() {
		pe.notional = decimal.Zero
	}
	if pe.shares.IsZero() {
		delete(m.positions, pk)
	} else {
		m.positions[pk] = pe
	}

	date := time.Now().UTC().Format("2006-01-02")
	cur := m.dailyPnL[intent.Domain]
	if cur.Date != date {
		cur = domain.DailyPnL{Date: date, Domain: intent.Domain}
	}
	cur.Realized = cur.Realized.Add(pnl)
	m.dailyPnL[intent.Domain] = cur

	return nil
}

// OpenShares satisfies coordinator.PositionView: the currently tracked open
// quantity for one (deployment, token, side) bucket, summed across domains
// (a deployment belongs to exactly one domain in practice, but the
// PositionView contract doesn't carry one).
func (m *Manager) OpenShares(deploymentID, tokenID string, side domain.MarketSide) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := decimal.Zero
	for pk, pe := range m.positions {
		if pk.deploymentID == deploymentID && pk.tokenID == tokenID && pk.side == side {
			total = total.Add(pe.shares)
		}
	}
	return total
}

// OpenPositions satisfies coordinator.PositionLister: every tracked open
// bucket for domainName, with an average entry price derived from the
// accumulated notional-over-shares.
func (m *Manager) OpenPositions(domainName string) []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Position, 0)
	for pk, pe := range m.positions {
		if pk.domainName != domainName || pe.shares.IsZero() {
			continue
		}
		avgPrice := decimal.Zero
		if !pe.shares.IsZero() {
			avgPrice = pe.notional.Div(pe.shares)
		}
		out = append(out, domain.Position{
			DeploymentID: pk.deploymentID,
			TokenID:      pk.tokenID,
			Side:         pk.side,
			Shares:       pe.shares,
			AvgPrice:     avgPrice,
		})
	}
	return out
}

// DeploymentTokenExposure satisfies risk.FundsView.
func (m *Manager) DeploymentTokenExposure(deploymentID, tokenID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.ByDeploymentToken[domain.ExposureKey(deploymentID, tokenID)]
}

// DomainExposure satisfies risk.FundsView.
func (m *Manager) DomainExposure(domainName string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainExposure[domainName]
}

// DailyPnL returns today's accrued realized/unrealized PnL for a domain.
func (m *Manager) DailyPnL(domainName string) domain.DailyPnL {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL[domainName]
}

// InvalidateBalance forces the next CanOpen to refetch, debounced so a
// burst of fill events doesn't thrash the exchange balance endpoint.
func (m *Manager) InvalidateBalance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastInvalidate) < m.balanceDebounce {
		return
	}
	m.lastInvalidate = time.Now()
	m.balanceFetchedAt = time.Time{}
}

// balanceLocked returns the cached balance, refreshing it if the TTL has
// elapsed. The network call happens outside m.mu.
func (m *Manager) balanceLocked(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	stale := time.Since(m.balanceFetchedAt) > m.balanceCacheTTL
	cached := m.cachedBalance
	m.mu.Unlock()

	if !stale {
		return cached, nil
	}

	fresh, err := m.source.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	m.mu.Lock()
	m.cachedBalance = fresh
	m.balanceFetchedAt = time.Now()
	m.mu.Unlock()

	return fresh, nil
}
