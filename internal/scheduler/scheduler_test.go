package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binarymm/internal/domain"
	"binarymm/internal/logging"
)

type fakeEngine struct {
	mu     sync.Mutex
	active []string
	ticks  map[string]int
}

func newFakeEngine(active ...string) *fakeEngine {
	return &fakeEngine{active: active, ticks: map[string]int{}}
}

func (f *fakeEngine) ActiveRoundIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.active))
	copy(out, f.active)
	return out
}

func (f *fakeEngine) Tick(ctx context.Context, roundID string) (domain.StrategyState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks[roundID]++
	return domain.StateWatchWindow, nil
}

func (f *fakeEngine) tickCount(roundID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks[roundID]
}

func TestScheduler_TicksEveryActiveRound(t *testing.T) {
	engine := newFakeEngine("round-1", "round-2")
	s := New(engine, 5*time.Millisecond, logging.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, engine.tickCount("round-1"), 2)
	assert.GreaterOrEqual(t, engine.tickCount("round-2"), 2)
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	engine := newFakeEngine("round-1")
	s := New(engine, 5*time.Millisecond, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
