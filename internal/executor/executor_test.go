package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"binarymm/internal/apperrors"
	"binarymm/internal/domain"
	"binarymm/internal/idempotency"
	"binarymm/internal/logging"
	"binarymm/internal/nonce"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *idempotency.Store {
	t.Helper()
	store, err := idempotency.New(openTestDB(t), time.Hour, logging.NewNop())
	require.NoError(t, err)
	return store
}

type seqCounter struct{ n uint64 }

func (c *seqCounter) Next(ctx context.Context, wallet string) (uint64, error) {
	c.n++
	return c.n, nil
}

func newTestNonceManager() *nonce.Manager {
	return nonce.New("0xwallet", &seqCounter{}, logging.NewNop())
}

type fakeSigner struct{ calls int32 }

func (f *fakeSigner) Sign(intent domain.OrderIntent, makerAmount, takerAmount decimal.Decimal, n uint64, feeRateBps int32) (domain.SignedOrder, error) {
	atomic.AddInt32(&f.calls, 1)
	return domain.SignedOrder{
		TokenID:     intent.TokenID,
		Side:        intent.Side,
		MakerAmount: makerAmount,
		TakerAmount: takerAmount,
		Nonce:       n,
		Signature:   "0xsig",
	}, nil
}

type fakeExchange struct {
	mu          sync.Mutex
	submitN     int
	failSubmits int // number of leading Submit calls to fail transiently
	submitErr   error
	report      domain.FillReport
	orders      map[string]domain.FillReport
	cancelCalls int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{orders: make(map[string]domain.FillReport)}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Submit(ctx context.Context, order domain.SignedOrder) (*domain.FillReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitN++
	if f.submitN <= f.failSubmits {
		return nil, f.submitErr
	}
	r := f.report
	if r.ClientOrderID == "" {
		r.ClientOrderID = "client-1"
	}
	f.orders[r.ClientOrderID] = r
	return &r, nil
}

func (f *fakeExchange) Cancel(ctx context.Context, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, clientOrderID string) (*domain.FillReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.orders[clientOrderID]
	if !ok {
		return nil, apperrors.Semantic("order_not_found", "unknown client order id", nil)
	}
	return &r, nil
}

func (f *fakeExchange) GetPositions(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (f *fakeExchange) GetOpenOrders(ctx context.Context) ([]domain.FillReport, error) {
	return nil, nil
}

func testIntent() domain.OrderIntent {
	return domain.OrderIntent{
		IntentID:       "intent-1",
		DeploymentID:   "dep-1",
		Domain:         "btc-updown",
		TokenID:        "tok-up",
		Side:           domain.SideBuy,
		TimeInForce:    domain.TIFGTT,
		Shares:         decimal.NewFromInt(10),
		LimitPrice:     decimal.NewFromFloat(0.5),
		IdempotencyKey: "idem-1",
		ClientOrderID:  "client-1",
		ExpirationUnix: time.Now().Add(5 * time.Minute).Unix(),
	}
}

func TestExecute_SubmitsSignsAndCompletesOnFirstTry(t *testing.T) {
	ex := newFakeExchange()
	ex.report = domain.FillReport{ClientOrderID: "client-1", Status: domain.OrderStatusFilled, FilledShares: decimal.NewFromInt(10), AvgFillPrice: decimal.NewFromFloat(0.5)}

	signer := &fakeSigner{}
	e := New(ex, signer, newTestNonceManager(), newTestStore(t), Config{DryRun: true}, logging.NewNop())

	report, err := e.Execute(context.Background(), testIntent(), decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, report.Status)
	require.EqualValues(t, 1, signer.calls)
}

func TestExecute_DuplicateIdempotencyKeyReplaysCachedResult(t *testing.T) {
	ex := newFakeExchange()
	ex.report = domain.FillReport{ClientOrderID: "client-1", Status: domain.OrderStatusFilled, FilledShares: decimal.NewFromInt(10)}
	signer := &fakeSigner{}
	store := newTestStore(t)
	e := New(ex, signer, newTestNonceManager(), store, Config{DryRun: true}, logging.NewNop())

	intent := testIntent()
	first, err := e.Execute(context.Background(), intent, decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.NoError(t, err)

	second, err := e.Execute(context.Background(), intent, decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, first.ClientOrderID, second.ClientOrderID)
	require.EqualValues(t, 1, signer.calls, "a duplicate key must not re-sign or resubmit")
}

func TestExecute_ConflictingPayloadForSameKeyIsRejected(t *testing.T) {
	ex := newFakeExchange()
	ex.report = domain.FillReport{ClientOrderID: "client-1", Status: domain.OrderStatusFilled}
	e := New(ex, &fakeSigner{}, newTestNonceManager(), newTestStore(t), Config{DryRun: true}, logging.NewNop())

	intent := testIntent()
	_, err := e.Execute(context.Background(), intent, decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.NoError(t, err)

	intent.Shares = decimal.NewFromInt(999) // different payload, same idempotency key
	_, err = e.Execute(context.Background(), intent, decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.Error(t, err)
	require.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestExecute_RetriesTransientFailureThenSucceeds(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmits = 2
	ex.submitErr = apperrors.Transient("network_timeout", "dial timeout", nil)
	ex.report = domain.FillReport{ClientOrderID: "client-1", Status: domain.OrderStatusFilled}

	cfg := Config{DryRun: true, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 5}
	e := New(ex, &fakeSigner{}, newTestNonceManager(), newTestStore(t), cfg, logging.NewNop())

	report, err := e.Execute(context.Background(), testIntent(), decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, report.Status)
	require.Equal(t, 3, ex.submitN)
}

func TestExecute_SemanticRejectionIsNotRetried(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmits = 1
	ex.submitErr = apperrors.Semantic("insufficient_balance", "insufficient funds for order", nil)

	e := New(ex, &fakeSigner{}, newTestNonceManager(), newTestStore(t), Config{DryRun: true}, logging.NewNop())

	_, err := e.Execute(context.Background(), testIntent(), decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.Error(t, err)
	require.Equal(t, 1, ex.submitN, "a semantic rejection must not be retried")
}

func TestExecute_ExhaustsRetriesAndReturnsTransientError(t *testing.T) {
	ex := newFakeExchange()
	ex.failSubmits = 100
	ex.submitErr = apperrors.Transient("network_timeout", "dial timeout", nil)

	cfg := Config{DryRun: true, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxRetries: 2}
	e := New(ex, &fakeSigner{}, newTestNonceManager(), newTestStore(t), cfg, logging.NewNop())

	_, err := e.Execute(context.Background(), testIntent(), decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.Error(t, err)
	require.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
	require.Equal(t, 3, ex.submitN) // initial + 2 retries
}

func TestExecute_IOCNonTerminalFillPollsUntilTerminal(t *testing.T) {
	ex := newFakeExchange()
	ex.report = domain.FillReport{ClientOrderID: "client-1", Status: domain.OrderStatusOpen}

	cfg := Config{DryRun: true, ConfirmFillTimeout: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	e := New(ex, &fakeSigner{}, newTestNonceManager(), newTestStore(t), cfg, logging.NewNop())

	intent := testIntent()
	intent.TimeInForce = domain.TIFIOC

	go func() {
		time.Sleep(20 * time.Millisecond)
		ex.mu.Lock()
		r := ex.orders["client-1"]
		r.Status = domain.OrderStatusFilled
		ex.orders["client-1"] = r
		ex.mu.Unlock()
	}()

	report, err := e.Execute(context.Background(), intent, decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, report.Status)
}

func TestExecute_ConfirmFillTimeoutCancelsAndReturnsFinalStatus(t *testing.T) {
	ex := newFakeExchange()
	ex.report = domain.FillReport{ClientOrderID: "client-1", Status: domain.OrderStatusOpen}

	cfg := Config{DryRun: true, ConfirmFillTimeout: 10 * time.Millisecond, PollInterval: 2 * time.Millisecond}
	e := New(ex, &fakeSigner{}, newTestNonceManager(), newTestStore(t), cfg, logging.NewNop())

	intent := testIntent()
	intent.TimeInForce = domain.TIFFOK

	report, err := e.Execute(context.Background(), intent, decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusOpen, report.Status)
	require.Equal(t, 1, ex.cancelCalls)
}

func TestExecute_DryRunFalseWithoutConfirmFillsIsRejected(t *testing.T) {
	ex := newFakeExchange()
	e := New(ex, &fakeSigner{}, newTestNonceManager(), newTestStore(t), Config{DryRun: false, ConfirmFills: false}, logging.NewNop())

	_, err := e.Execute(context.Background(), testIntent(), decimal.NewFromInt(5), decimal.NewFromInt(10))
	require.Error(t, err)
	require.Equal(t, apperrors.KindFatal, apperrors.KindOf(err))
}

func TestCheckHealth_HealthyWithNoErrors(t *testing.T) {
	e := New(newFakeExchange(), &fakeSigner{}, newTestNonceManager(), newTestStore(t), Config{DryRun: true}, logging.NewNop())
	require.NoError(t, e.CheckHealth())
}

func TestCheckHealth_UnhealthyAfterManyRecentErrors(t *testing.T) {
	e := New(newFakeExchange(), &fakeSigner{}, newTestNonceManager(), newTestStore(t), Config{DryRun: true}, logging.NewNop())
	for i := 0; i < 51; i++ {
		e.recordError()
	}
	require.Error(t, e.CheckHealth())
}
