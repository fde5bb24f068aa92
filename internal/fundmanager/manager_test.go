package fundmanager

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"binarymm/internal/domain"
	"binarymm/internal/logging"
)

type fakeBalanceSource struct {
	balance decimal.Decimal
	calls   int
	err     error
}

func (f *fakeBalanceSource) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.balance, nil
}

func testIntent() domain.OrderIntent {
	return domain.OrderIntent{
		DeploymentID: "dep-1",
		Domain:       "btc-updown",
		TokenID:      "tok-up",
	}
}

func TestCanOpen_AllowsWithinAvailableBalance(t *testing.T) {
	src := &fakeBalanceSource{balance: decimal.NewFromInt(1000)}
	m := New(src, Config{AccountReservePct: decimal.NewFromFloat(0.1)}, logging.NewNop())

	d, err := m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestCanOpen_RejectsWhenExceedingAvailableAfterReserve(t *testing.T) {
	src := &fakeBalanceSource{balance: decimal.NewFromInt(100)}
	m := New(src, Config{AccountReservePct: decimal.NewFromFloat(0.5)}, logging.NewNop())

	d, err := m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(60))
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestCanOpen_AccountsForExistingExposure(t *testing.T) {
	src := &fakeBalanceSource{balance: decimal.NewFromInt(1000)}
	m := New(src, Config{AccountReservePct: decimal.Zero}, logging.NewNop())

	require.NoError(t, m.RecordOpened(testIntent(), decimal.NewFromInt(900), decimal.NewFromInt(900)))

	d, err := m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(200))
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestCanOpen_ReturnsErrorWhenBalanceFetchFails(t *testing.T) {
	src := &fakeBalanceSource{err: context.DeadlineExceeded}
	m := New(src, Config{}, logging.NewNop())

	_, err := m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(1))
	require.Error(t, err)
}

func TestRecordOpened_RejectsZeroNotional(t *testing.T) {
	m := New(&fakeBalanceSource{}, Config{}, logging.NewNop())
	err := m.RecordOpened(testIntent(), decimal.Zero, decimal.Zero)
	require.Error(t, err)
}

func TestRecordOpened_ThenDeploymentTokenExposureReflectsIt(t *testing.T) {
	m := New(&fakeBalanceSource{}, Config{}, logging.NewNop())
	require.NoError(t, m.RecordOpened(testIntent(), decimal.NewFromInt(50), decimal.NewFromInt(50)))

	got := m.DeploymentTokenExposure("dep-1", "tok-up")
	require.True(t, got.Equal(decimal.NewFromInt(50)))

	domainTotal := m.DomainExposure("btc-updown")
	require.True(t, domainTotal.Equal(decimal.NewFromInt(50)))
}

func TestRecordOpened_ThenOpenSharesReflectsIt(t *testing.T) {
	m := New(&fakeBalanceSource{}, Config{}, logging.NewNop())
	intent := testIntent()
	intent.MarketSide = domain.MarketSideUp
	require.NoError(t, m.RecordOpened(intent, decimal.NewFromInt(50), decimal.NewFromInt(100)))

	got := m.OpenShares("dep-1", "tok-up", domain.MarketSideUp)
	require.True(t, got.Equal(decimal.NewFromInt(100)))

	positions := m.OpenPositions("btc-updown")
	require.Len(t, positions, 1)
	require.True(t, positions[0].Shares.Equal(decimal.NewFromInt(100)))
	require.True(t, positions[0].AvgPrice.Equal(decimal.NewFromFloat(0.5)))
}

func TestRecordClosed_ReleasesExposureAndAccruesPnL(t *testing.T) {
	m := New(&fakeBalanceSource{}, Config{}, logging.NewNop())
	intent := testIntent()
	intent.MarketSide = domain.MarketSideUp
	require.NoError(t, m.RecordOpened(intent, decimal.NewFromInt(50), decimal.NewFromInt(100)))

	require.NoError(t, m.RecordClosed(intent, decimal.NewFromInt(50), decimal.NewFromInt(5), decimal.NewFromInt(100)))

	got := m.DeploymentTokenExposure("dep-1", "tok-up")
	require.True(t, got.IsZero())

	pnl := m.DailyPnL("btc-updown")
	require.True(t, pnl.Realized.Equal(decimal.NewFromInt(5)))

	require.Empty(t, m.OpenPositions("btc-updown"))
}

func TestBalanceCache_RefreshesOnlyAfterTTL(t *testing.T) {
	src := &fakeBalanceSource{balance: decimal.NewFromInt(1000)}
	m := New(src, Config{BalanceCacheTTL: 20 * time.Millisecond}, logging.NewNop())

	_, err := m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, 1, src.calls, "second call within TTL should use the cache")

	time.Sleep(25 * time.Millisecond)
	_, err = m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, 2, src.calls, "call after TTL expiry should refetch")
}

func TestInvalidateBalance_ForcesRefreshButIsDebounced(t *testing.T) {
	src := &fakeBalanceSource{balance: decimal.NewFromInt(1000)}
	m := New(src, Config{BalanceCacheTTL: time.Hour, BalanceDebounce: 20 * time.Millisecond}, logging.NewNop())

	_, _ = m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(1))
	require.Equal(t, 1, src.calls)

	m.InvalidateBalance()
	_, _ = m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(1))
	require.Equal(t, 2, src.calls, "invalidate should force a refetch")

	m.InvalidateBalance() // immediately again: debounced, no-op
	_, _ = m.CanOpen(context.Background(), testIntent(), decimal.NewFromInt(1))
	require.Equal(t, 2, src.calls, "debounce window should suppress a second invalidate")
}
