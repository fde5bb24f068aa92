// Package coordinator is the only path that produces live orders. Every
// OrderIntent — whether raised by the Strategy Engine's own two-leg cycle
// or by an operator's force-close command — passes through SubmitIntent
// (or Execute, its synchronous form), which gates it and hands it to a single priority queue keyed by (domain
// urgency, creation timestamp). A dispatcher goroutine drains that queue
// and forwards each admitted intent to the Executor, one at a time, so the
// live-order path never has two submissions racing each other.
//
// The dispatcher loop follows the same shape as an isolated background
// worker pumping items out of a channel into a handler with non-blocking
// enqueue, generalized here from a per-symbol fan-out into a single gated,
// prioritized fan-in in front of the Executor.
package coordinator

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"binarymm/internal/apperrors"
	"binarymm/internal/core"
	"binarymm/internal/domain"
)

// Executor is the narrow capability the Coordinator dispatches admitted
// intents to. internal/executor.Executor satisfies this.
type Executor interface {
	Execute(ctx context.Context, intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal) (*domain.FillReport, error)
}

// Gate is the risk.Gate capability the Coordinator calls before enqueue.
// The Strategy Engine performs the matching before-signing check
// immediately before it submits Leg1/Leg2 through this Coordinator.
type Gate interface {
	Evaluate(ctx context.Context, intent domain.OrderIntent, dep domain.Deployment, notional decimal.Decimal) error
	Policy() domain.GovernancePolicy
	UpdatePolicy(p domain.GovernancePolicy)
}

// PositionLister enumerates a domain's currently open positions, the
// input a force-close command uses to build its reduce-only Sells.
type PositionLister interface {
	OpenPositions(domainName string) []domain.Position
}

// PositionView is the narrow read needed for the reduce-only check on Sell
// intents: does this deployment/token/side actually hold shares to sell.
// Left as an interface (rather than depending on fundmanager directly) so
// the reservation bucket below can run without it in tests; a nil
// PositionView skips the reduce-only check entirely.
type PositionView interface {
	OpenShares(deploymentID, tokenID string, side domain.MarketSide) decimal.Decimal
}

// Persister durably records deployment registrations so a restart does not
// forget which deployments exist.
type Persister interface {
	SaveDeployment(ctx context.Context, dep domain.Deployment) error
}

// Ack is the synchronous acknowledgement submit_intent returns: accepted
// into the queue, or rejected with a machine-readable reason.
type Ack struct {
	IntentID string
	Accepted bool
	Reason   string
}

// makerTaker carries the two wire amounts alongside the intent through the
// queue; the Coordinator does not recompute them, it only routes.
type makerTaker struct {
	maker decimal.Decimal
	taker decimal.Decimal
}

type intentJob struct {
	intent   domain.OrderIntent
	dep      domain.Deployment
	amounts  makerTaker
	urgency  int
	enqueued time.Time
	index    int // heap bookkeeping
	result   chan dispatchResult
}

type dispatchResult struct {
	report *domain.FillReport
	err    error
}

// priorityQueue orders by urgency descending, then creation timestamp
// ascending (earliest first).
type priorityQueue []*intentJob

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].urgency != pq[j].urgency {
		return pq[i].urgency > pq[j].urgency
	}
	return pq[i].intent.CreationTS.Before(pq[j].intent.CreationTS)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	job := x.(*intentJob)
	job.index = len(*pq)
	*pq = append(*pq, job)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*pq = old[:n-1]
	return job
}

type reduceKey struct {
	deploymentID string
	tokenID      string
	side         domain.MarketSide
}

// Coordinator is the sole ingress point for live orders.
type Coordinator struct {
	logger    core.ILogger
	executor  Executor
	gate      Gate
	positions PositionView
	lister    PositionLister
	persist   Persister

	domainPriority map[string]int // optional override; default urgency is 0
	minShares      decimal.Decimal // exchange minimum order size; zero means unchecked

	depMu       sync.RWMutex
	deployments map[string]domain.Deployment

	reduceMu   sync.Mutex
	reductions map[reduceKey]decimal.Decimal // reserved (not yet confirmed) sell quantity

	idemMu    sync.Mutex
	inflight  map[string]string // idempotency key -> client order id, cleared on terminal

	qMu   sync.Mutex
	qCond *sync.Cond
	queue priorityQueue

	closed bool
}

// New constructs a Coordinator dispatching admitted intents to executor.
// positions and persist may be nil.
func New(executor Executor, gate Gate, positions PositionView, persist Persister, logger core.ILogger) *Coordinator {
	c := &Coordinator{
		logger:         logger.WithField("component", "coordinator"),
		executor:       executor,
		gate:           gate,
		positions:      positions,
		persist:        persist,
		domainPriority: make(map[string]int),
		deployments:    make(map[string]domain.Deployment),
		reductions:     make(map[reduceKey]decimal.Decimal),
		inflight:       make(map[string]string),
		queue:          make(priorityQueue, 0),
	}
	c.qCond = sync.NewCond(&c.qMu)
	return c
}

// SetMinShares sets the exchange's minimum order size, enforced by
// OrderIntent.Valid during admit. Zero (the default) disables the check.
func (c *Coordinator) SetMinShares(minShares decimal.Decimal) {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	c.minShares = minShares
}

// SetDomainPriority assigns the urgency used to order domain's intents
// ahead of or behind others in the priority queue. Higher runs first.
func (c *Coordinator) SetDomainPriority(domainName string, urgency int) {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	c.domainPriority[domainName] = urgency
}

// RegisterDeployment adds or replaces a deployment the Coordinator will
// admit intents for.
func (c *Coordinator) RegisterDeployment(ctx context.Context, dep domain.Deployment) error {
	c.depMu.Lock()
	c.deployments[dep.ID] = dep
	c.depMu.Unlock()

	if c.persist != nil {
		if err := c.persist.SaveDeployment(ctx, dep); err != nil {
			c.logger.Error("failed to persist deployment registration", "deployment_id", dep.ID, "error", err.Error())
		}
	}
	return nil
}

// SetPositionLister wires the source force-close commands read open
// positions from. Optional; ForceCloseDomain errors without one.
func (c *Coordinator) SetPositionLister(lister PositionLister) {
	c.depMu.Lock()
	defer c.depMu.Unlock()
	c.lister = lister
}

// Deployment returns the registered deployment, if any.
func (c *Coordinator) Deployment(id string) (domain.Deployment, bool) {
	c.depMu.RLock()
	defer c.depMu.RUnlock()
	dep, ok := c.deployments[id]
	return dep, ok
}

// Deployments returns every registered deployment, in no particular order.
func (c *Coordinator) Deployments() []domain.Deployment {
	c.depMu.RLock()
	defer c.depMu.RUnlock()
	out := make([]domain.Deployment, 0, len(c.deployments))
	for _, dep := range c.deployments {
		out = append(out, dep)
	}
	return out
}

// SetDeploymentEnabled flips a registered deployment's Enabled flag and
// persists the change. Returns an error if id is not registered.
func (c *Coordinator) SetDeploymentEnabled(ctx context.Context, id string, enabled bool) error {
	c.depMu.Lock()
	dep, ok := c.deployments[id]
	if !ok {
		c.depMu.Unlock()
		return apperrors.Validation("deployment_not_found", fmt.Sprintf("no deployment registered for %q", id), nil)
	}
	dep.Enabled = enabled
	c.deployments[id] = dep
	c.depMu.Unlock()

	if c.persist != nil {
		if err := c.persist.SaveDeployment(ctx, dep); err != nil {
			c.logger.Error("failed to persist deployment enable/disable", "deployment_id", id, "error", err.Error())
		}
	}
	return nil
}

// Run starts the dispatcher loop, draining the priority queue until ctx is
// canceled. Intended to run as a long-lived goroutine (e.g. under
// bootstrap.App's errgroup).
func (c *Coordinator) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		c.qMu.Lock()
		c.closed = true
		c.qCond.Broadcast()
		c.qMu.Unlock()
		close(done)
	}()

	for {
		c.qMu.Lock()
		for c.queue.Len() == 0 && !c.closed {
			c.qCond.Wait()
		}
		if c.queue.Len() == 0 && c.closed {
			c.qMu.Unlock()
			<-done
			return ctx.Err()
		}
		job := heap.Pop(&c.queue).(*intentJob)
		c.qMu.Unlock()

		c.dispatch(ctx, job)
	}
}

func (c *Coordinator) dispatch(ctx context.Context, job *intentJob) {
	report, err := c.executor.Execute(ctx, job.intent, job.amounts.maker, job.amounts.taker)

	if job.intent.Side == domain.SideSell {
		c.releaseReduction(job.intent)
	}
	c.idemMu.Lock()
	delete(c.inflight, job.intent.IdempotencyKey)
	c.idemMu.Unlock()

	job.result <- dispatchResult{report: report, err: err}
}

// SubmitIntent is the async ingress entrypoint: gates the intent and
// enqueues it, returning an Ack without waiting for execution. Use Execute
// for the synchronous form the Strategy Engine uses as its OrderSubmitter.
func (c *Coordinator) SubmitIntent(ctx context.Context, intent domain.OrderIntent, dep domain.Deployment, maker, taker decimal.Decimal) (Ack, error) {
	job, err := c.admit(ctx, intent, dep, maker, taker)
	if err != nil {
		return Ack{IntentID: intent.IntentID, Accepted: false, Reason: err.Error()}, err
	}
	c.enqueue(job)
	return Ack{IntentID: intent.IntentID, Accepted: true}, nil
}

// Execute implements the strategy.OrderSubmitter interface: gate, enqueue,
// and block for the dispatcher's result. This is how the Strategy Engine's
// Leg1/Leg2 submissions actually reach the exchange — through the
// Coordinator, never directly against the Executor.
func (c *Coordinator) Execute(ctx context.Context, intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal) (*domain.FillReport, error) {
	job, err := c.admit(ctx, intent, domain.Deployment{}, makerAmount, takerAmount)
	if err != nil {
		return nil, err
	}
	c.enqueue(job)

	select {
	case res := <-job.result:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// admit runs every pre-enqueue rejection check and, on success, builds the
// queued job. notional is derived from limit price × shares for
// exposure-cap and single-intent-notional purposes downstream in the gate.
func (c *Coordinator) admit(ctx context.Context, intent domain.OrderIntent, depOverride domain.Deployment, maker, taker decimal.Decimal) (*intentJob, error) {
	c.depMu.RLock()
	minShares := c.minShares
	c.depMu.RUnlock()
	if err := intent.Valid(minShares); err != nil {
		return nil, apperrors.Validation("invalid_intent", err.Error(), err)
	}

	dep := depOverride
	if dep.ID == "" {
		var ok bool
		dep, ok = c.Deployment(intent.DeploymentID)
		if !ok {
			return nil, apperrors.GateRejection("deployment_not_found", fmt.Sprintf("no deployment registered for %q", intent.DeploymentID), nil)
		}
	}

	if !dep.CanSubmitLive() {
		return nil, apperrors.GateRejection("deployment_not_live", fmt.Sprintf("deployment %q is disabled or not LIVE", dep.ID), nil)
	}

	policy := c.gate.Policy()
	if mode := policy.GlobalIngressMode; mode != "" && mode != domain.IngressOpen {
		return nil, apperrors.GateRejection("global_ingress_"+string(mode), "global ingress is not open", nil)
	}
	if mode := policy.DomainMode(intent.Domain); mode != domain.IngressOpen {
		return nil, apperrors.GateRejection("domain_ingress_"+string(mode), fmt.Sprintf("domain %q ingress is not open", intent.Domain), nil)
	}

	if intent.Side == domain.SideSell {
		if err := c.reserveReduction(intent); err != nil {
			return nil, err
		}
	}

	if err := c.reserveIdempotency(intent); err != nil {
		if intent.Side == domain.SideSell {
			c.releaseReduction(intent)
		}
		return nil, err
	}

	notional := intent.LimitPrice.Mul(intent.Shares)
	if err := c.gate.Evaluate(ctx, intent, dep, notional); err != nil {
		if intent.Side == domain.SideSell {
			c.releaseReduction(intent)
		}
		c.idemMu.Lock()
		delete(c.inflight, intent.IdempotencyKey)
		c.idemMu.Unlock()
		return nil, err
	}

	c.depMu.RLock()
	urgency := c.domainPriority[intent.Domain]
	c.depMu.RUnlock()

	return &intentJob{
		intent:   intent,
		dep:      dep,
		amounts:  makerTaker{maker: maker, taker: taker},
		urgency:  urgency,
		enqueued: time.Now(),
		result:   make(chan dispatchResult, 1),
	}, nil
}

// reserveIdempotency implements the fast-reject half of the "idempotency
// key already in flight" rule. The Executor still owns the durable
// idempotency.Store record; this in-memory map only prevents two
// concurrent admits for the same key from both reaching the queue.
func (c *Coordinator) reserveIdempotency(intent domain.OrderIntent) error {
	c.idemMu.Lock()
	defer c.idemMu.Unlock()
	if existing, ok := c.inflight[intent.IdempotencyKey]; ok {
		if existing != intent.ClientOrderID {
			return apperrors.GateRejection("idempotency_conflict", "idempotency key already in flight with a different payload", nil)
		}
		return apperrors.GateRejection("idempotency_duplicate", "idempotency key already in flight", nil)
	}
	c.inflight[intent.IdempotencyKey] = intent.ClientOrderID
	return nil
}

// reserveReduction reserves this Sell's shares against the deployment's
// tracked open position, so two concurrent Sells on the same bucket cannot
// both reduce past zero before either confirms. Skipped entirely when no
// PositionView was wired.
func (c *Coordinator) reserveReduction(intent domain.OrderIntent) error {
	if c.positions == nil {
		return nil
	}
	key := reduceKey{deploymentID: intent.DeploymentID, tokenID: intent.TokenID, side: intent.MarketSide}

	c.reduceMu.Lock()
	defer c.reduceMu.Unlock()

	open := c.positions.OpenShares(intent.DeploymentID, intent.TokenID, intent.MarketSide)
	reserved := c.reductions[key]
	if reserved.Add(intent.Shares).GreaterThan(open) {
		return apperrors.GateRejection("reduce_only_violation", "sell does not match a tracked open position", nil)
	}
	c.reductions[key] = reserved.Add(intent.Shares)
	return nil
}

func (c *Coordinator) releaseReduction(intent domain.OrderIntent) {
	if c.positions == nil {
		return
	}
	key := reduceKey{deploymentID: intent.DeploymentID, tokenID: intent.TokenID, side: intent.MarketSide}

	c.reduceMu.Lock()
	defer c.reduceMu.Unlock()
	remaining := c.reductions[key].Sub(intent.Shares)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	c.reductions[key] = remaining
}

func (c *Coordinator) enqueue(job *intentJob) {
	c.qMu.Lock()
	heap.Push(&c.queue, job)
	c.qCond.Signal()
	c.qMu.Unlock()
}

// setDomainMode flips one domain's ingress mode through the Gate's policy
// and returns synchronously, so a caller that gets an Ack back knows a
// subsequent admit() call will already see the new mode — no race between
// the command returning and the next BUY intent landing.
func (c *Coordinator) setDomainMode(domainName string, mode domain.IngressMode) {
	policy := c.gate.Policy()
	if policy.DomainIngressModes == nil {
		policy.DomainIngressModes = make(map[string]domain.IngressMode)
	}
	policy.DomainIngressModes[domainName] = mode
	c.gate.UpdatePolicy(policy)
}

// PauseDomain stops new admits for domainName without affecting any other
// domain. Idempotent.
func (c *Coordinator) PauseDomain(domainName string) {
	c.setDomainMode(domainName, domain.IngressPaused)
	c.logger.Warn("domain paused", "domain", domainName)
}

// ResumeDomain reopens ingress for domainName. Idempotent.
func (c *Coordinator) ResumeDomain(domainName string) {
	c.setDomainMode(domainName, domain.IngressOpen)
	c.logger.Info("domain resumed", "domain", domainName)
}

// HaltDomain stops new admits for domainName until an explicit Resume.
// Unlike Pause, Halt is expected to be followed by an operator review, not
// an automatic retry. Idempotent.
func (c *Coordinator) HaltDomain(domainName string) {
	c.setDomainMode(domainName, domain.IngressHalted)
	c.logger.Error("domain halted", "domain", domainName)
}

// PauseGlobal/ResumeGlobal/HaltGlobal are the domain-scoped commands above
// applied to every domain at once via GlobalIngressMode.
func (c *Coordinator) PauseGlobal() {
	policy := c.gate.Policy()
	policy.GlobalIngressMode = domain.IngressPaused
	c.gate.UpdatePolicy(policy)
	c.logger.Warn("global ingress paused")
}

func (c *Coordinator) ResumeGlobal() {
	policy := c.gate.Policy()
	policy.GlobalIngressMode = domain.IngressOpen
	c.gate.UpdatePolicy(policy)
	c.logger.Info("global ingress resumed")
}

func (c *Coordinator) HaltGlobal() {
	policy := c.gate.Policy()
	policy.GlobalIngressMode = domain.IngressHalted
	c.gate.UpdatePolicy(policy)
	c.logger.Error("global ingress halted")
}

// ForceCloseDomain translates into a sequence of reduce-only Sells
// computed from the live exposure ledger (the registered PositionLister)
// and submits each through the normal admit path, so a force-close still
// passes the Gate and the reduce-only reservation like any other Sell.
func (c *Coordinator) ForceCloseDomain(ctx context.Context, domainName string) ([]Ack, error) {
	c.depMu.RLock()
	lister := c.lister
	c.depMu.RUnlock()
	if lister == nil {
		return nil, fmt.Errorf("coordinator: no PositionLister wired, cannot force-close %q", domainName)
	}

	positions := lister.OpenPositions(domainName)
	acks := make([]Ack, 0, len(positions))
	for _, pos := range positions {
		if pos.Shares.IsZero() {
			continue
		}
		dep, ok := c.Deployment(pos.DeploymentID)
		if !ok {
			continue
		}
		intent := domain.OrderIntent{
			IntentID:       uuid.NewString(),
			DeploymentID:   pos.DeploymentID,
			Domain:         domainName,
			TokenID:        pos.TokenID,
			Side:           domain.SideSell,
			MarketSide:     pos.Side,
			Shares:         pos.Shares,
			LimitPrice:     decimal.Zero, // caller's Gate/Executor layer resolves to best-bid at signing time
			TimeInForce:    domain.TIFIOC,
			IdempotencyKey: "force-close-" + uuid.NewString(),
			ClientOrderID:  uuid.NewString(),
			CreationTS:     time.Now(),
		}
		ack, err := c.SubmitIntent(ctx, intent, dep, decimal.Zero, decimal.Zero)
		if err != nil {
			c.logger.Error("force-close sell rejected", "domain", domainName, "deployment_id", pos.DeploymentID, "token_id", pos.TokenID, "error", err.Error())
		}
		acks = append(acks, ack)
	}
	return acks, nil
}
