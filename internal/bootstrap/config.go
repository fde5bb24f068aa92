package bootstrap

import (
	"binarymm/internal/config"
)

// Config is an alias for the project's configuration struct.
type Config = config.Config

// LoadConfig delegates to the config package's loader, which already runs
// schema validation and pre-flight checks.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
