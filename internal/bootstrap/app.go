// Package bootstrap wires configuration, logging, and telemetry into an
// App and runs a set of long-lived Runners under one signal-aware
// lifecycle, shutting every component down together on SIGINT/SIGTERM.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"binarymm/internal/core"
	"binarymm/internal/telemetry"
)

// App holds the process's core dependencies.
type App struct {
	Cfg       *Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry
}

// NewApp loads configuration, initializes logging, and wires telemetry.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	var tel *telemetry.Telemetry
	if cfg.Telemetry.EnableMetrics {
		tel, err = telemetry.Setup(cfg.App.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	return &App{Cfg: cfg, Logger: logger, Telemetry: tel}, nil
}

// Runner is any long-lived component started and stopped alongside the app.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every runner under a shared context canceled on SIGINT/SIGTERM,
// and returns the first non-context-cancellation error, if any.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application")

	for _, r := range runners {
		runner := r
		g.Go(func() error {
			return runner.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Shutdown flushes telemetry and logging within the given timeout.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.Telemetry != nil {
		if err := a.Telemetry.Shutdown(ctx); err != nil {
			a.Logger.Error("telemetry shutdown failed", "error", err)
		}
	}
}
