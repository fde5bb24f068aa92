package emergency

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"binarymm/internal/domain"
	"binarymm/internal/logging"
)

type fakeExchange struct {
	mu          sync.Mutex
	open        []domain.FillReport
	canceled    []string
	listErr     error
	cancelErr   error
}

func (f *fakeExchange) Name() string { return "fake" }
func (f *fakeExchange) Submit(ctx context.Context, order domain.SignedOrder) (*domain.FillReport, error) {
	return nil, nil
}
func (f *fakeExchange) GetOrder(ctx context.Context, clientOrderID string) (*domain.FillReport, error) {
	return nil, nil
}
func (f *fakeExchange) GetPositions(ctx context.Context) ([]domain.Position, error) { return nil, nil }

func (f *fakeExchange) GetOpenOrders(ctx context.Context) ([]domain.FillReport, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.open, nil
}

func (f *fakeExchange) Cancel(ctx context.Context, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, clientOrderID)
	return nil
}

func TestStop_TripCancelsAllOpenOrders(t *testing.T) {
	ex := &fakeExchange{open: []domain.FillReport{
		{ClientOrderID: "a"}, {ClientOrderID: "b"}, {ClientOrderID: "c"},
	}}
	s := New(ex, nil, nil, logging.NewNop())

	require.False(t, s.IsStopped())
	require.NoError(t, s.Trip(context.Background(), "manual operator stop"))
	require.True(t, s.IsStopped())
	require.Error(t, s.CheckHealth())

	ex.mu.Lock()
	defer ex.mu.Unlock()
	require.ElementsMatch(t, []string{"a", "b", "c"}, ex.canceled)
}

func TestStop_ResetClearsFlag(t *testing.T) {
	ex := &fakeExchange{}
	s := New(ex, nil, nil, logging.NewNop())

	require.NoError(t, s.Trip(context.Background(), "test"))
	require.True(t, s.IsStopped())

	require.NoError(t, s.Reset(context.Background()))
	require.False(t, s.IsStopped())
	require.NoError(t, s.CheckHealth())
}

func TestStop_SubscribersReceiveAlerts(t *testing.T) {
	ex := &fakeExchange{}
	s := New(ex, nil, nil, logging.NewNop())

	ch := make(chan Alert, 2)
	s.Subscribe(ch)

	require.NoError(t, s.Trip(context.Background(), "breaker tripped"))
	alert := <-ch
	require.True(t, alert.Tripped)
	require.Equal(t, "breaker tripped", alert.Reason)

	require.NoError(t, s.Reset(context.Background()))
	alert = <-ch
	require.False(t, alert.Tripped)
}
