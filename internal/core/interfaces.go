// Package core holds the narrow, cross-cutting interfaces every component
// depends on instead of a concrete type: the logger every component takes
// by constructor injection, and the exchange capability set the Executor
// depends on so the rest of the system never leaks exchange-specific types
// upward.
package core

import (
	"context"

	"binarymm/internal/domain"
)

// ILogger is the structured logging interface every component accepts.
// Implementations: internal/logging.ZapLogger.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange is the abstract capability set the Executor depends on:
// submit, cancel, get_order, get_positions — nothing exchange-specific
// leaks past this boundary.
type IExchange interface {
	Name() string
	Submit(ctx context.Context, order domain.SignedOrder) (*domain.FillReport, error)
	Cancel(ctx context.Context, clientOrderID string) error
	GetOrder(ctx context.Context, clientOrderID string) (*domain.FillReport, error)
	GetPositions(ctx context.Context) ([]domain.Position, error)
	GetOpenOrders(ctx context.Context) ([]domain.FillReport, error)
}

// IHealthMonitor aggregates per-component health checks for the control
// plane's /health and /status endpoints.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
