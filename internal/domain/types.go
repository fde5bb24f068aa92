// Package domain holds the plain data types shared across the execution
// plane: quotes, rounds, order intents, cycle state, deployments, and
// governance policy. None of these carry behavior beyond small invariants
// checks — transitions and enforcement live in the owning packages.
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Structural validation errors for OrderIntent.Valid. These are wrapped by
// apperrors.Validation at the boundary where a Kind is attached.
var (
	ErrMissingIdempotencyKey = errors.New("domain: idempotency key is required")
	ErrSharesBelowMinimum    = errors.New("domain: shares below exchange minimum")
	ErrLimitPriceOutOfRange  = errors.New("domain: limit price must be in [0, 1]")
)

// Side is the order side on the exchange (which way a share is traded).
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// MarketSide identifies which binary outcome token an order refers to.
type MarketSide string

const (
	MarketSideUp   MarketSide = "UP"
	MarketSideDown MarketSide = "DOWN"
)

// TimeInForce is the exchange execution semantics requested for an intent.
type TimeInForce string

const (
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFGTT TimeInForce = "GTT"
)

// LifecycleStage is where a Deployment sits in its promotion path.
type LifecycleStage string

const (
	LifecycleBacktest LifecycleStage = "BACKTEST"
	LifecyclePaper    LifecycleStage = "PAPER"
	LifecycleLive     LifecycleStage = "LIVE"
)

// IngressMode gates whether new intents may be admitted, globally or per domain.
type IngressMode string

const (
	IngressOpen   IngressMode = "OPEN"
	IngressPaused IngressMode = "PAUSED"
	IngressHalted IngressMode = "HALTED"
)

// Quote is the best bid/ask snapshot for one outcome token.
type Quote struct {
	TokenID    string
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	BidSize    decimal.Decimal
	AskSize    decimal.Decimal
	ObservedAt time.Time
	Sequence   uint64
}

// Valid reports whether the quote satisfies the price-ordering invariant.
func (q Quote) Valid() bool {
	zero := decimal.Zero
	one := decimal.NewFromInt(1)
	return q.BestBid.GreaterThanOrEqual(zero) &&
		q.BestAsk.GreaterThanOrEqual(q.BestBid) &&
		q.BestAsk.LessThanOrEqual(one)
}

// Round is a time-bounded binary market with two complementary outcome tokens.
type Round struct {
	RoundID     string
	Slug        string
	ConditionID string
	UpTokenID   string
	DownTokenID string
	StartTime   time.Time
	EndTime     time.Time
}

// Valid checks the Round's immutable invariants.
func (r Round) Valid() bool {
	return r.StartTime.Before(r.EndTime) && r.UpTokenID != r.DownTokenID
}

// OrderIntent is a single proposed order produced by a strategy, headed
// for the Coordinator's gate-and-queue pipeline.
type OrderIntent struct {
	IntentID       string
	DeploymentID   string
	Domain         string
	TokenID        string
	Side           Side
	MarketSide     MarketSide
	Shares         decimal.Decimal
	LimitPrice     decimal.Decimal
	TimeInForce    TimeInForce
	ExpirationUnix int64
	IdempotencyKey string
	ClientOrderID  string
	CreationTS     time.Time
}

// Valid checks the structural invariants required before an OrderIntent may
// be gated or signed: a present idempotency key, shares at or above the
// exchange's minimum order size, and a limit price in [0, 1]. A zero-valued
// exchangeMinShares skips the shares-minimum check.
func (oi OrderIntent) Valid(exchangeMinShares decimal.Decimal) error {
	if oi.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if !exchangeMinShares.IsZero() && oi.Shares.LessThan(exchangeMinShares) {
		return ErrSharesBelowMinimum
	}
	if oi.LimitPrice.IsNegative() || oi.LimitPrice.GreaterThan(decimal.NewFromInt(1)) {
		return ErrLimitPriceOutOfRange
	}
	return nil
}

// StrategyState enumerates the two-leg cycle's finite states.
type StrategyState string

const (
	StateIdle          StrategyState = "IDLE"
	StateWatchWindow   StrategyState = "WATCH_WINDOW"
	StateLeg1Pending   StrategyState = "LEG1_PENDING"
	StateLeg1Filled    StrategyState = "LEG1_FILLED"
	StateLeg2Pending   StrategyState = "LEG2_PENDING"
	StateCycleComplete StrategyState = "CYCLE_COMPLETE"
	StateUnwinding     StrategyState = "UNWINDING"
	StateAborted       StrategyState = "ABORTED"
	StateHalted        StrategyState = "HALTED"
)

// CycleContext is the persisted state of one round's two-leg arbitrage cycle.
type CycleContext struct {
	RoundID            string
	State              StrategyState
	Version            uint64
	Leg1Token          string
	Leg1Price          decimal.Decimal
	Leg1SharesFilled   decimal.Decimal
	Leg2Token          string
	Leg2Price          decimal.Decimal
	Leg2SharesTarget   decimal.Decimal
	ForceLeg2Attempted bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Deployment binds a strategy version to allocated capital at a lifecycle stage.
type Deployment struct {
	ID               string
	Domain           string
	StrategyVersion  string
	LifecycleStage   LifecycleStage
	Enabled          bool
	AllocatedCapital decimal.Decimal
	ProductType      string
}

// CanSubmitLive reports whether this deployment may place live orders.
func (d Deployment) CanSubmitLive() bool {
	return d.Enabled && d.LifecycleStage == LifecycleLive
}

// GovernancePolicy is the mutable, control-plane-owned risk configuration.
type GovernancePolicy struct {
	Version                 int
	GlobalIngressMode       IngressMode
	DomainIngressModes      map[string]IngressMode
	DomainExposureCaps      map[string]decimal.Decimal
	DomainDailyLossCap      map[string]decimal.Decimal
	DomainMaxSingleExposure map[string]decimal.Decimal
	AccountReservePct       decimal.Decimal
}

// DomainMode returns the effective ingress mode for a domain, defaulting to Open.
func (p GovernancePolicy) DomainMode(domain string) IngressMode {
	if p.DomainIngressModes == nil {
		return IngressOpen
	}
	if m, ok := p.DomainIngressModes[domain]; ok {
		return m
	}
	return IngressOpen
}

// ExposureLedger tracks outstanding notional per (deployment, token).
type ExposureLedger struct {
	ByDeploymentToken map[string]decimal.Decimal // key: deploymentID + "|" + tokenID
}

// ExposureKey builds the composite key used by ExposureLedger.
func ExposureKey(deploymentID, tokenID string) string {
	return deploymentID + "|" + tokenID
}

// DailyPnL is the realized/unrealized PnL accrual for one domain on one UTC date.
type DailyPnL struct {
	Date       string // YYYY-MM-DD, UTC
	Domain     string
	Realized   decimal.Decimal
	Unrealized decimal.Decimal
}

// IdempotencyStatus is the lifecycle of a reserved idempotency key.
type IdempotencyStatus string

const (
	IdemInFlight  IdempotencyStatus = "IN_FLIGHT"
	IdemCompleted IdempotencyStatus = "COMPLETED"
	IdemFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyRecord is the persisted dedup record for a submitted intent.
type IdempotencyRecord struct {
	Key           string
	PayloadHash   string
	Status        IdempotencyStatus
	ResultSummary string
	TTLExpiry     time.Time
}

// SignedOrder is the EIP-712-style wire payload submitted to the exchange.
type SignedOrder struct {
	Maker        string
	Taker        string
	TokenID      string
	MakerAmount  decimal.Decimal
	TakerAmount  decimal.Decimal
	Side         Side
	FeeRateBps   int32
	Nonce        uint64
	Expiration   int64
	Salt         string
	Signature    string
}

// OrderStatus is the terminal/non-terminal status reported by the exchange.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether this status will never change again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// FillReport is what the Executor returns for a submitted order once it
// reaches a terminal status (or the confirm-fill timeout is hit).
type FillReport struct {
	ClientOrderID string
	ExchangeOrder string
	Status        OrderStatus
	FilledShares  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	Notional      decimal.Decimal
}

// Position is a tracked open exposure the Fund Manager and reduce-only
// checks reason about.
type Position struct {
	DeploymentID string
	TokenID      string
	Side         MarketSide
	Shares       decimal.Decimal
	AvgPrice     decimal.Decimal
}
