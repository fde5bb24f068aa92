// Package executor submits order intents to an exchange with idempotency
// dedup, nonce-scoped EIP-712 signing, rate-limited retry, and fill-confirm
// polling: a rate.Limiter shape (25/sec burst 30), an exponential-backoff-
// with-jitter retry loop, and ring-buffer error tracking for CheckHealth.
// The idempotency/nonce/signing steps exist because orders here are
// self-custodial and must be signed client-side rather than submitted
// unsigned to a centralized venue.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"binarymm/internal/apperrors"
	"binarymm/internal/core"
	"binarymm/internal/domain"
	"binarymm/internal/idempotency"
	"binarymm/internal/nonce"
	"binarymm/internal/telemetry"
)

// Config holds the executor's tunables: order TTL for the signed payload's
// expiration, the retry backoff envelope, and the confirm-fill polling
// bounds.
type Config struct {
	OrderTTL           time.Duration // default 5 minutes; signed-order expiration offset
	MaxRetries         int           // default 5
	BaseDelay          time.Duration // default 500ms
	MaxDelay           time.Duration // default 10s
	ConfirmFillTimeout time.Duration // bounds fill-confirmation polling
	PollInterval       time.Duration // polling cadence within ConfirmFillTimeout
	DryRun             bool          // when false, ConfirmFills must be true (invariant enforced every Execute call)
	ConfirmFills       bool
	FeeRateBps         int32
}

func (c Config) withDefaults() Config {
	if c.OrderTTL == 0 {
		c.OrderTTL = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.ConfirmFillTimeout == 0 {
		c.ConfirmFillTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Signer is the narrow capability the Executor needs from internal/exchange.Signer.
type Signer interface {
	Sign(intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal, nonce uint64, feeRateBps int32) (domain.SignedOrder, error)
}

// Executor submits one intent at a time through the idempotency/nonce/sign/
// submit/confirm pipeline. Safe for concurrent use by many callers (the
// Coordinator's dispatcher among them).
type Executor struct {
	exchange core.IExchange
	signer   Signer
	nonces   *nonce.Manager
	idem     *idempotency.Store
	logger   core.ILogger
	cfg      Config

	rateLimiter *rate.Limiter

	errorMu         sync.Mutex
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int

	orderCounter metric.Int64Counter
	retryCounter metric.Int64Counter
	failCounter  metric.Int64Counter
}

// New constructs an Executor. cfg.DryRun=false requires cfg.ConfirmFills=true;
// New does not reject a config that breaks this rule — Execute checks it on
// every call and refuses to submit while it is broken.
func New(ex core.IExchange, signer Signer, nonces *nonce.Manager, idem *idempotency.Store, cfg Config, logger core.ILogger) *Executor {
	cfg = cfg.withDefaults()

	meter := telemetry.GetMeter("executor")
	orderCounter, _ := meter.Int64Counter("executor_order_placements_total",
		metric.WithDescription("Total number of orders placed by the executor"))
	retryCounter, _ := meter.Int64Counter("executor_order_retries_total",
		metric.WithDescription("Total number of order placement retries"))
	failCounter, _ := meter.Int64Counter("executor_order_failures_total",
		metric.WithDescription("Total number of terminal order placement failures"))

	return &Executor{
		exchange:        ex,
		signer:          signer,
		nonces:          nonces,
		idem:            idem,
		logger:          logger.WithField("component", "executor"),
		cfg:             cfg,
		rateLimiter:     rate.NewLimiter(rate.Limit(25), 30),
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
		orderCounter:    orderCounter,
		retryCounter:    retryCounter,
		failCounter:     failCounter,
	}
}

// Execute runs one intent through the full pipeline: idempotency
// lookup/reserve, nonce acquisition, signing, rate-limited retrying
// submission, and (for IOC/FOK orders not yet terminal) fill-confirmation
// polling.
func (e *Executor) Execute(ctx context.Context, intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal) (*domain.FillReport, error) {
	if !e.cfg.DryRun && !e.cfg.ConfirmFills {
		return nil, apperrors.Fatal("confirm_fills_required", "confirm_fills must be true whenever dry_run is false", nil)
	}

	payloadHash := hashPayload(intent, makerAmount, takerAmount)

	outcome, rec, err := e.idem.Reserve(ctx, intent.IdempotencyKey, payloadHash)
	if err != nil {
		return nil, apperrors.Transient("idempotency_unavailable", "idempotency store reserve failed", err)
	}

	switch outcome {
	case idempotency.Conflict:
		return nil, apperrors.Validation("idempotency_conflict", "idempotency key reused with a different payload", nil)
	case idempotency.Duplicate:
		if rec.Status == domain.IdemCompleted {
			var report domain.FillReport
			if rec.ResultSummary != "" {
				if jerr := json.Unmarshal([]byte(rec.ResultSummary), &report); jerr == nil {
					return &report, nil
				}
			}
		}
		return e.pollUntilTerminal(ctx, intent)
	}

	report, execErr := e.executeReserved(ctx, intent, makerAmount, takerAmount)
	if execErr != nil {
		summary, _ := json.Marshal(map[string]string{"error": execErr.Error()})
		if failErr := e.idem.Fail(ctx, intent.IdempotencyKey, string(summary)); failErr != nil {
			e.logger.Error("failed to record idempotency failure", "key", intent.IdempotencyKey, "error", failErr.Error())
		}
		return nil, execErr
	}

	summary, _ := json.Marshal(report)
	if compErr := e.idem.Complete(ctx, intent.IdempotencyKey, string(summary)); compErr != nil {
		e.logger.Error("failed to record idempotency completion", "key", intent.IdempotencyKey, "error", compErr.Error())
	}

	return report, nil
}

func (e *Executor) executeReserved(ctx context.Context, intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal) (*domain.FillReport, error) {
	n, err := e.nonces.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	if intent.ExpirationUnix == 0 {
		intent.ExpirationUnix = time.Now().Add(e.cfg.OrderTTL).Unix()
	}

	signed, err := e.signer.Sign(intent, makerAmount, takerAmount, n, e.cfg.FeeRateBps)
	if err != nil {
		e.nonces.Release(n)
		return nil, apperrors.Semantic("sign_failed", "failed to sign order", err)
	}

	report, err := e.submitWithRetry(ctx, intent, signed, 0)
	if err != nil {
		if kind := apperrors.KindOf(err); kind == apperrors.KindTransient || kind == apperrors.KindSemantic {
			// Never sent, ambiguous whether it was sent, or rejected outright
			// by the exchange — release so the nonce can be reused rather
			// than burned on a no-op.
			e.nonces.Release(n)
		} else {
			e.nonces.Consume(n)
		}
		return nil, err
	}
	e.nonces.Consume(n)

	if !report.Status.Terminal() && (intent.TimeInForce == domain.TIFIOC || intent.TimeInForce == domain.TIFFOK) {
		return e.confirmFill(ctx, intent, report)
	}

	return report, nil
}

func (e *Executor) submitWithRetry(ctx context.Context, intent domain.OrderIntent, signed domain.SignedOrder, attempt int) (*domain.FillReport, error) {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, apperrors.Transient("rate_limit_wait_failed", "rate limiter wait canceled", err)
	}

	e.orderCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token", intent.TokenID),
		attribute.String("side", string(intent.Side)),
	))
	telemetry.GetGlobalMetrics().OrdersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", intent.Domain),
	))

	start := time.Now()
	report, err := e.exchange.Submit(ctx, signed)
	telemetry.GetGlobalMetrics().SubmitLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds()))

	if err == nil {
		return report, nil
	}

	e.recordError()
	e.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("token", intent.TokenID)))
	telemetry.GetGlobalMetrics().OrdersFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", intent.Domain)))

	kind := classify(err)
	e.logger.Warn("order submission failed", "token", intent.TokenID, "side", intent.Side, "attempt", attempt+1, "kind", string(kind), "error", err.Error())

	if kind != apperrors.KindTransient {
		return nil, apperrors.New(kind, "submit_rejected", "exchange rejected order submission", err)
	}

	if attempt >= e.cfg.MaxRetries {
		return nil, apperrors.Transient("max_retries_exceeded", "order submission exhausted retries", err)
	}

	delay := e.calculateRetryDelay(attempt)
	e.retryCounter.Add(ctx, 1)
	telemetry.GetGlobalMetrics().OrdersRetriedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", intent.Domain)))

	select {
	case <-ctx.Done():
		return nil, apperrors.Transient("context_canceled", "context canceled during retry backoff", ctx.Err())
	case <-time.After(delay):
		return e.submitWithRetry(ctx, intent, signed, attempt+1)
	}
}

// confirmFill polls the exchange for a terminal status on an IOC/FOK order,
// bounded by ConfirmFillTimeout. On timeout it attempts a Cancel and
// returns whatever final status the exchange reports.
func (e *Executor) confirmFill(ctx context.Context, intent domain.OrderIntent, report *domain.FillReport) (*domain.FillReport, error) {
	deadline := time.Now().Add(e.cfg.ConfirmFillTimeout)
	clientOrderID := report.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = intent.ClientOrderID
	}

	for {
		current, err := e.exchange.GetOrder(ctx, clientOrderID)
		if err == nil && current.Status.Terminal() {
			return current, nil
		}
		if err != nil {
			e.logger.Warn("fill confirmation poll failed", "client_order_id", clientOrderID, "error", err.Error())
		}

		if time.Now().After(deadline) {
			if cancelErr := e.exchange.Cancel(ctx, clientOrderID); cancelErr != nil {
				e.logger.Warn("confirm-fill timeout cancel failed", "client_order_id", clientOrderID, "error", cancelErr.Error())
			}
			final, err := e.exchange.GetOrder(ctx, clientOrderID)
			if err != nil {
				return report, apperrors.Transient("confirm_fill_timeout", "fill confirmation timed out and final status is unknown", err)
			}
			return final, nil
		}

		select {
		case <-ctx.Done():
			return report, apperrors.Transient("context_canceled", "context canceled during fill confirmation", ctx.Err())
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

func (e *Executor) pollUntilTerminal(ctx context.Context, intent domain.OrderIntent) (*domain.FillReport, error) {
	return e.confirmFill(ctx, intent, &domain.FillReport{ClientOrderID: intent.ClientOrderID})
}

// CheckHealth reports an error when recent submission failures exceed a
// threshold, via a ring-buffer-backed error count.
func (e *Executor) CheckHealth() error {
	if n := e.recentErrorCount(5 * time.Minute); n > 50 {
		return fmt.Errorf("executor: high error rate: %d errors in last 5 minutes", n)
	}
	return nil
}

func (e *Executor) recordError() {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	if len(e.errorTimestamps) < e.errorCapacity {
		e.errorTimestamps = append(e.errorTimestamps, time.Now())
		return
	}
	e.errorTimestamps[e.errorIndex] = time.Now()
	e.errorIndex = (e.errorIndex + 1) % e.errorCapacity
}

func (e *Executor) recentErrorCount(within time.Duration) int {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	cutoff := time.Now().Add(-within)
	count := 0
	for _, t := range e.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func (e *Executor) calculateRetryDelay(attempt int) time.Duration {
	delay := float64(e.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(e.cfg.MaxDelay) {
		delay = float64(e.cfg.MaxDelay)
	}
	// U(0.75, 1.25) jitter, asymmetric enough to spread out retry storms.
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(delay * jitter)
}

// semanticRejections are exchange error strings that must never be retried:
// the order was evaluated and definitively rejected, not merely dropped in
// flight. Anything else (timeouts, 5xx, connection resets) is transient.
var semanticRejections = []string{
	"insufficient", "invalid nonce", "expired", "invalid_symbol",
	"already filled", "not found", "margin",
}

// classify maps a raw exchange error to a retry taxonomy: semantic
// rejections (invalid nonce, insufficient balance, expired) are not
// retried; every other raw error is treated as transient and retried.
func classify(err error) apperrors.Kind {
	if ae, ok := err.(*apperrors.Error); ok {
		return ae.Kind
	}
	msg := strings.ToLower(err.Error())
	for _, s := range semanticRejections {
		if strings.Contains(msg, s) {
			return apperrors.KindSemantic
		}
	}
	return apperrors.KindTransient
}

func hashPayload(intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", intent.TokenID, intent.Side, intent.Shares.String(), intent.LimitPrice.String(), makerAmount.String(), takerAmount.String())
	return hex.EncodeToString(h.Sum(nil))
}
