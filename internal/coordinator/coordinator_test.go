package coordinator

import (
	"container/heap"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"binarymm/internal/domain"
	"binarymm/internal/logging"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []domain.OrderIntent
	delay time.Duration
	err   error
}

func (f *fakeExecutor) Execute(ctx context.Context, intent domain.OrderIntent, maker, taker decimal.Decimal) (*domain.FillReport, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, intent)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &domain.FillReport{ClientOrderID: intent.ClientOrderID, Status: domain.OrderStatusFilled, FilledShares: intent.Shares, AvgFillPrice: intent.LimitPrice}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeGate struct {
	mu      sync.Mutex
	policy  domain.GovernancePolicy
	reject  error
}

func (g *fakeGate) Evaluate(ctx context.Context, intent domain.OrderIntent, dep domain.Deployment, notional decimal.Decimal) error {
	return g.reject
}

func (g *fakeGate) Policy() domain.GovernancePolicy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

func (g *fakeGate) UpdatePolicy(p domain.GovernancePolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
}

func testDep() domain.Deployment {
	return domain.Deployment{ID: "dep-1", Domain: "btc-updown", LifecycleStage: domain.LifecycleLive, Enabled: true, AllocatedCapital: decimal.NewFromInt(1000)}
}

func testIntent(side domain.Side) domain.OrderIntent {
	return domain.OrderIntent{
		IntentID:       "intent-1",
		DeploymentID:   "dep-1",
		Domain:         "btc-updown",
		TokenID:        "tok-up",
		Side:           side,
		MarketSide:     domain.MarketSideUp,
		Shares:         decimal.NewFromInt(100),
		LimitPrice:     decimal.NewFromFloat(0.30),
		TimeInForce:    domain.TIFIOC,
		IdempotencyKey: "idem-1",
		ClientOrderID:  "coid-1",
		CreationTS:     time.Now(),
	}
}

func TestCoordinator_ExecuteDispatchesThroughExecutor(t *testing.T) {
	ex := &fakeExecutor{}
	gate := &fakeGate{}
	c := New(ex, gate, nil, nil, logging.NewNop())
	require.NoError(t, c.RegisterDeployment(context.Background(), testDep()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	report, err := c.Execute(context.Background(), testIntent(domain.SideBuy), decimal.NewFromFloat(30), decimal.NewFromFloat(100))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, report.Status)
	require.Equal(t, 1, ex.callCount())
}

func TestCoordinator_RejectsUnknownDeployment(t *testing.T) {
	ex := &fakeExecutor{}
	gate := &fakeGate{}
	c := New(ex, gate, nil, nil, logging.NewNop())

	_, err := c.Execute(context.Background(), testIntent(domain.SideBuy), decimal.Zero, decimal.Zero)
	require.Error(t, err)
	require.Equal(t, 0, ex.callCount())
}

func TestCoordinator_RejectsWhenDomainHalted(t *testing.T) {
	ex := &fakeExecutor{}
	gate := &fakeGate{policy: domain.GovernancePolicy{}}
	c := New(ex, gate, nil, nil, logging.NewNop())
	require.NoError(t, c.RegisterDeployment(context.Background(), testDep()))

	c.HaltDomain("btc-updown")

	_, err := c.Execute(context.Background(), testIntent(domain.SideBuy), decimal.Zero, decimal.Zero)
	require.Error(t, err)
	require.Equal(t, 0, ex.callCount())

	c.ResumeDomain("btc-updown")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	_, err = c.Execute(context.Background(), testIntent(domain.SideBuy), decimal.NewFromFloat(30), decimal.NewFromFloat(100))
	require.NoError(t, err)
}

func TestCoordinator_RejectsWhenGlobalPaused(t *testing.T) {
	ex := &fakeExecutor{}
	gate := &fakeGate{}
	c := New(ex, gate, nil, nil, logging.NewNop())
	require.NoError(t, c.RegisterDeployment(context.Background(), testDep()))

	c.PauseGlobal()
	_, err := c.Execute(context.Background(), testIntent(domain.SideBuy), decimal.Zero, decimal.Zero)
	require.Error(t, err)
}

func TestCoordinator_RejectsStructurallyInvalidIntent(t *testing.T) {
	ex := &fakeExecutor{}
	gate := &fakeGate{}
	c := New(ex, gate, nil, nil, logging.NewNop())
	require.NoError(t, c.RegisterDeployment(context.Background(), testDep()))

	intent := testIntent(domain.SideBuy)
	intent.LimitPrice = decimal.NewFromFloat(1.5) // out of [0, 1]

	_, err := c.Execute(context.Background(), intent, decimal.Zero, decimal.Zero)
	require.Error(t, err)
	require.Equal(t, 0, ex.callCount())
}

func TestCoordinator_RejectsIntentBelowMinShares(t *testing.T) {
	ex := &fakeExecutor{}
	gate := &fakeGate{}
	c := New(ex, gate, nil, nil, logging.NewNop())
	c.SetMinShares(decimal.NewFromInt(200))
	require.NoError(t, c.RegisterDeployment(context.Background(), testDep()))

	_, err := c.Execute(context.Background(), testIntent(domain.SideBuy), decimal.Zero, decimal.Zero)
	require.Error(t, err)
	require.Equal(t, 0, ex.callCount())
}

func TestCoordinator_RejectsGateDenial(t *testing.T) {
	ex := &fakeExecutor{}
	gate := &fakeGate{reject: errGateDenied}
	c := New(ex, gate, nil, nil, logging.NewNop())
	require.NoError(t, c.RegisterDeployment(context.Background(), testDep()))

	_, err := c.Execute(context.Background(), testIntent(domain.SideBuy), decimal.Zero, decimal.Zero)
	require.Error(t, err)
	require.Equal(t, 0, ex.callCount())
}

func TestCoordinator_DuplicateIdempotencyKeyRejectedWhileInFlight(t *testing.T) {
	ex := &fakeExecutor{delay: 50 * time.Millisecond}
	gate := &fakeGate{}
	c := New(ex, gate, nil, nil, logging.NewNop())
	require.NoError(t, c.RegisterDeployment(context.Background(), testDep()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			intent := testIntent(domain.SideBuy)
			intent.ClientOrderID = intent.IdempotencyKey // match -> duplicate, not conflict
			_, err := c.Execute(context.Background(), intent, decimal.NewFromFloat(30), decimal.NewFromFloat(100))
			results[i] = err
		}(i)
	}
	time.Sleep(5 * time.Millisecond) // let the first admit land before the second races in
	wg.Wait()

	rejected := 0
	for _, err := range results {
		if err != nil {
			rejected++
		}
	}
	require.Equal(t, 1, rejected, "exactly one concurrent submission with the same idempotency key must be rejected")
}

func TestPriorityQueue_OrdersUrgencyThenCreationTS(t *testing.T) {
	older := time.Now().Add(-time.Second)
	newer := time.Now()

	pq := &priorityQueue{}
	heap.Init(pq)
	heap.Push(pq, &intentJob{urgency: 1, intent: domain.OrderIntent{CreationTS: newer}})
	heap.Push(pq, &intentJob{urgency: 5, intent: domain.OrderIntent{CreationTS: newer}})
	heap.Push(pq, &intentJob{urgency: 5, intent: domain.OrderIntent{CreationTS: older}})

	first := heap.Pop(pq).(*intentJob)
	require.Equal(t, 5, first.urgency)
	require.True(t, first.intent.CreationTS.Equal(older), "equal urgency must break ties by earliest creation timestamp")
}

var errGateDenied = &denyErr{}

type denyErr struct{}

func (e *denyErr) Error() string { return "gate denied" }
