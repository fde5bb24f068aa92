package bootstrap

import (
	"binarymm/internal/core"
	"binarymm/internal/logging"
)

// InitLogger builds the process-wide structured logger from configuration.
func InitLogger(cfg *Config) (core.ILogger, error) {
	return logging.New(cfg.App.LogLevel, cfg.App.ServiceName)
}
