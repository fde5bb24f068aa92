package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"binarymm/internal/domain"
	"binarymm/internal/logging"
)

type fakeQuotes struct {
	mu sync.Mutex
	m  map[string]domain.Quote
}

func newFakeQuotes() *fakeQuotes { return &fakeQuotes{m: make(map[string]domain.Quote)} }

func (f *fakeQuotes) Get(tokenID string) (domain.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.m[tokenID]
	return q, ok
}

func (f *fakeQuotes) set(q domain.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[q.TokenID] = q
}

type plannedFill struct {
	filled decimal.Decimal
	price  decimal.Decimal
	status domain.OrderStatus
	err    error
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []domain.OrderIntent
	plan  []plannedFill // consumed in order; last entry repeats if exhausted
}

func (f *fakeSubmitter) Execute(ctx context.Context, intent domain.OrderIntent, maker, taker decimal.Decimal) (*domain.FillReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, intent)

	var p plannedFill
	if idx < len(f.plan) {
		p = f.plan[idx]
	} else if len(f.plan) > 0 {
		p = f.plan[len(f.plan)-1]
	}
	if p.err != nil {
		return nil, p.err
	}
	status := p.status
	if status == "" {
		if p.filled.GreaterThanOrEqual(intent.Shares) {
			status = domain.OrderStatusFilled
		} else if p.filled.IsZero() {
			status = domain.OrderStatusCanceled
		} else {
			status = domain.OrderStatusPartiallyFilled
		}
	}
	return &domain.FillReport{
		ClientOrderID: intent.ClientOrderID,
		Status:        status,
		FilledShares:  p.filled,
		AvgFillPrice:  p.price,
		Notional:      p.filled.Mul(p.price),
	}, nil
}

type allowGate struct{}

func (allowGate) Evaluate(ctx context.Context, intent domain.OrderIntent, dep domain.Deployment, notional decimal.Decimal) error {
	return nil
}

type fakeFunds struct {
	mu     sync.Mutex
	opened []decimal.Decimal
	closed []decimal.Decimal
	pnls   []decimal.Decimal
}

func (f *fakeFunds) RecordOpened(intent domain.OrderIntent, actualNotional, filledShares decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, actualNotional)
	return nil
}

func (f *fakeFunds) RecordClosed(intent domain.OrderIntent, closedNotional, pnl, closedShares decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, closedNotional)
	f.pnls = append(f.pnls, pnl)
	return nil
}

func testRound() domain.Round {
	return domain.Round{
		RoundID:     "round-1",
		Slug:        "btc-updown-1",
		ConditionID: "cond-1",
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
		StartTime:   time.Now().Add(-time.Minute),
		EndTime:     time.Now().Add(10 * time.Minute),
	}
}

func testDeployment() domain.Deployment {
	return domain.Deployment{
		ID:               "dep-1",
		Domain:           "btc-updown",
		LifecycleStage:   domain.LifecycleLive,
		Enabled:          true,
		AllocatedCapital: decimal.NewFromInt(1000),
	}
}

func testParams() Params {
	return Params{
		SumTarget:            decimal.NewFromFloat(0.95),
		FeeBuffer:            decimal.NewFromFloat(0.02),
		SlippageBuffer:       decimal.Zero,
		ProfitBuffer:         decimal.Zero,
		FillBuffer:           decimal.NewFromFloat(0.01),
		MaxAcceptableLoss:    decimal.NewFromFloat(0.05),
		Leg2ForceCloseWindow: 30 * time.Second,
		UnwindMaxRetries:     3,
		EntrySharesPerCycle:  decimal.NewFromInt(100),
	}
}

// TestEngine_CleanTwoLegFill covers the clean two-leg fill scenario: Up ask
// 0.30, Down ask 0.60, sum_target 0.95 with a 0.02 fee buffer leaves
// combined-ask headroom, Leg1 fills fully, Leg2 fills fully at the
// actual Leg1 quantity, and the cycle reaches CycleComplete.
func TestEngine_CleanTwoLegFill(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set(domain.Quote{TokenID: "tok-up", BestAsk: decimal.NewFromFloat(0.30), BestBid: decimal.NewFromFloat(0.29), ObservedAt: time.Now()})
	quotes.set(domain.Quote{TokenID: "tok-down", BestAsk: decimal.NewFromFloat(0.60), BestBid: decimal.NewFromFloat(0.59), ObservedAt: time.Now()})

	submitter := &fakeSubmitter{plan: []plannedFill{
		{filled: decimal.NewFromInt(100), price: decimal.NewFromFloat(0.30)}, // Leg1
		{filled: decimal.NewFromInt(100), price: decimal.NewFromFloat(0.61)}, // Leg2
	}}
	funds := &fakeFunds{}
	e := New(submitter, allowGate{}, funds, quotes, nil, testParams(), logging.NewNop())

	round := testRound()
	dep := testDeployment()
	require.NoError(t, e.StartCycle(context.Background(), round, dep))

	state, err := e.Tick(context.Background(), round.RoundID)
	require.NoError(t, err)
	require.Equal(t, domain.StateLeg1Filled, state)

	state, err = e.Tick(context.Background(), round.RoundID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCycleComplete, state)

	cyc, ok := e.State(round.RoundID)
	require.True(t, ok)
	require.True(t, cyc.Leg1SharesFilled.Equal(decimal.NewFromInt(100)))
	require.True(t, cyc.Leg2SharesTarget.Equal(decimal.NewFromInt(100)))
	require.Len(t, funds.opened, 2)
}

// TestEngine_ZeroFillLeg1ReturnsToWatchWindow covers a Leg1 IOC that
// kills with no fill: the cycle must return to WatchWindow, not advance.
func TestEngine_ZeroFillLeg1ReturnsToWatchWindow(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set(domain.Quote{TokenID: "tok-up", BestAsk: decimal.NewFromFloat(0.30), BestBid: decimal.NewFromFloat(0.29), ObservedAt: time.Now()})
	quotes.set(domain.Quote{TokenID: "tok-down", BestAsk: decimal.NewFromFloat(0.60), BestBid: decimal.NewFromFloat(0.59), ObservedAt: time.Now()})

	submitter := &fakeSubmitter{plan: []plannedFill{
		{filled: decimal.Zero, status: domain.OrderStatusCanceled},
	}}
	funds := &fakeFunds{}
	e := New(submitter, allowGate{}, funds, quotes, nil, testParams(), logging.NewNop())

	round := testRound()
	require.NoError(t, e.StartCycle(context.Background(), round, testDeployment()))

	state, err := e.Tick(context.Background(), round.RoundID)
	require.NoError(t, err)
	require.Equal(t, domain.StateWatchWindow, state)
	require.Empty(t, funds.opened)
}

// TestEngine_ForcedLeg2CeilingThenUnwind covers the forced-Leg2 path:
// round end is within the force-close window, the opposite leg's FOK at
// the 1 − leg1_price + max_acceptable_loss ceiling fails to fill, and the
// engine unwinds Leg1 by selling at best bid.
func TestEngine_ForcedLeg2CeilingThenUnwind(t *testing.T) {
	quotes := newFakeQuotes()
	quotes.set(domain.Quote{TokenID: "tok-up", BestAsk: decimal.NewFromFloat(0.30), BestBid: decimal.NewFromFloat(0.20), ObservedAt: time.Now()})
	quotes.set(domain.Quote{TokenID: "tok-down", BestAsk: decimal.NewFromFloat(0.60), BestBid: decimal.NewFromFloat(0.59), ObservedAt: time.Now()})

	submitter := &fakeSubmitter{plan: []plannedFill{
		{filled: decimal.NewFromInt(100), price: decimal.NewFromFloat(0.30)}, // Leg1 fills
		{filled: decimal.Zero, status: domain.OrderStatusCanceled},           // normal Leg2 FOK misses near round end
		{filled: decimal.Zero, status: domain.OrderStatusCanceled},           // forced-ceiling Leg2 FOK also misses
		{filled: decimal.NewFromInt(100), price: decimal.NewFromFloat(0.20)}, // unwind sells Leg1 at best bid
	}}
	funds := &fakeFunds{}
	params := testParams()
	e := New(submitter, allowGate{}, funds, quotes, nil, params, logging.NewNop())

	round := testRound()
	round.EndTime = time.Now().Add(5 * time.Second) // inside the 30s force-close window
	require.NoError(t, e.StartCycle(context.Background(), round, testDeployment()))

	state, err := e.Tick(context.Background(), round.RoundID)
	require.NoError(t, err)
	require.Equal(t, domain.StateLeg1Filled, state)

	state, err = e.Tick(context.Background(), round.RoundID)
	require.NoError(t, err)
	require.Equal(t, domain.StateAborted, state)

	cyc, ok := e.State(round.RoundID)
	require.True(t, ok)
	require.True(t, cyc.ForceLeg2Attempted)
	require.Equal(t, domain.StateAborted, cyc.State)
	require.Len(t, funds.closed, 1)
	require.Len(t, funds.pnls, 1)
	require.True(t, funds.pnls[0].LessThan(decimal.Zero), "unwind below entry price must realize a loss")
}

func TestSelectBestSignal_PicksHighestEVThenEarliestObservation(t *testing.T) {
	older := time.Now().Add(-time.Second)
	newer := time.Now()

	best := SelectBestSignal([]EntrySignal{
		{TokenID: "a", EVAfterFees: decimal.NewFromFloat(0.05), ObservedAt: newer},
		{TokenID: "b", EVAfterFees: decimal.NewFromFloat(0.05), ObservedAt: older},
		{TokenID: "c", EVAfterFees: decimal.NewFromFloat(0.01), ObservedAt: older},
	})
	require.Equal(t, "b", best.TokenID)
}

func TestStartCycle_RejectsInvalidRound(t *testing.T) {
	quotes := newFakeQuotes()
	e := New(&fakeSubmitter{}, allowGate{}, &fakeFunds{}, quotes, nil, testParams(), logging.NewNop())

	bad := testRound()
	bad.UpTokenID = bad.DownTokenID
	err := e.StartCycle(context.Background(), bad, testDeployment())
	require.Error(t, err)
}

func TestHaltAll_MarksTrackedCyclesHalted(t *testing.T) {
	quotes := newFakeQuotes()
	e := New(&fakeSubmitter{}, allowGate{}, &fakeFunds{}, quotes, nil, testParams(), logging.NewNop())

	round := testRound()
	require.NoError(t, e.StartCycle(context.Background(), round, testDeployment()))

	e.HaltAll(context.Background(), "circuit breaker tripped")

	cyc, ok := e.State(round.RoundID)
	require.True(t, ok)
	require.Equal(t, domain.StateHalted, cyc.State)
}
