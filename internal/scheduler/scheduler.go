// Package scheduler drives the Strategy Engine's per-round Tick loop: a
// single ticker walks every round the engine still tracks in a
// non-terminal state and re-evaluates it, so no round is starved waiting
// on its own dedicated goroutine and no round is ticked while a prior
// tick for the same round is still in flight.
package scheduler

import (
	"context"
	"time"

	"binarymm/internal/core"
	"binarymm/internal/domain"
)

// Engine is the narrow capability the scheduler drives.
type Engine interface {
	ActiveRoundIDs() []string
	Tick(ctx context.Context, roundID string) (domain.StrategyState, error)
}

// Scheduler periodically ticks every round an Engine still tracks.
type Scheduler struct {
	engine   Engine
	interval time.Duration
	logger   core.ILogger
}

// New constructs a Scheduler. interval defaults to 250ms if zero.
func New(engine Engine, interval time.Duration, logger core.ILogger) *Scheduler {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger.WithField("component", "scheduler"),
	}
}

// Run ticks every active round once per interval until ctx is canceled,
// satisfying bootstrap.Runner.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tickAll(ctx)
		}
	}
}

func (s *Scheduler) tickAll(ctx context.Context) {
	for _, roundID := range s.engine.ActiveRoundIDs() {
		if _, err := s.engine.Tick(ctx, roundID); err != nil {
			s.logger.Warn("round tick failed", "round_id", roundID, "error", err.Error())
		}
	}
}
