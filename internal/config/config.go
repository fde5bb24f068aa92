// Package config handles configuration loading and validation for the
// execution plane: YAML with environment-variable expansion, struct-tag
// validation via go-playground/validator, and the pre-flight checks the
// teacher's bootstrap layer runs beyond schema validation.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete execution-plane configuration.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Governance  GovernanceConfig  `yaml:"governance"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Control     ControlConfig     `yaml:"control"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	ServiceName string `yaml:"service_name" validate:"required"`
	DryRun      bool   `yaml:"dry_run"`
}

// ExchangeConfig contains CLOB connection settings.
type ExchangeConfig struct {
	Name          string `yaml:"name" validate:"required,oneof=polymarket mock"`
	BaseURL       string `yaml:"base_url" validate:"required"`
	ChainID       int64  `yaml:"chain_id" validate:"required"`
	APIKey        Secret `yaml:"api_key"`
	APISecret     Secret `yaml:"api_secret"`
	APIPassphrase Secret `yaml:"api_passphrase"`
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSKeyFile    string `yaml:"tls_key_file"`
	// StreamURL is optional: when set, the coordinator subscribes to it
	// for push-based quote updates. Left empty, no feed runs and nothing
	// else populates the quote cache.
	StreamURL string `yaml:"stream_url"`
	// MinOrderShares is the exchange's minimum order size; an OrderIntent
	// below it fails validation before ever reaching the Gate. Zero
	// disables the check.
	MinOrderShares float64 `yaml:"min_order_shares" validate:"min=0"`
}

// WalletConfig contains the signing wallet's configuration. PrivateKey is
// never logged; access goes through the exchange.Signer, not this struct.
type WalletConfig struct {
	PrivateKey     Secret `yaml:"private_key" validate:"required"`
	FunderAddress  string `yaml:"funder_address"`
	SignatureType  int    `yaml:"signature_type"`
}

// GovernanceConfig seeds the initial GovernancePolicy; the control plane
// owns mutation thereafter.
type GovernanceConfig struct {
	GlobalIngressMode string             `yaml:"global_ingress_mode" validate:"required,oneof=OPEN PAUSED HALTED"`
	AccountReservePct float64            `yaml:"account_reserve_pct" validate:"min=0,max=1"`
	Domains           []DomainPolicyYAML `yaml:"domains" validate:"required,min=1,dive"`
	SidecarAuthToken  Secret             `yaml:"sidecar_auth_token" validate:"required"`
	SidecarAuthRequired bool             `yaml:"sidecar_auth_required"`
	GatewayOnly       bool               `yaml:"gateway_only"`
	DeploymentGateRequired bool          `yaml:"deployment_gate_required"`
}

// DomainPolicyYAML is one domain's initial risk knobs.
type DomainPolicyYAML struct {
	Domain           string  `yaml:"domain" validate:"required"`
	IngressMode      string  `yaml:"ingress_mode" validate:"required,oneof=OPEN PAUSED HALTED"`
	ExposureCap      float64 `yaml:"exposure_cap" validate:"min=0"`
	DailyLossCap     float64 `yaml:"daily_loss_cap" validate:"min=0"`
	MaxSingleExposure float64 `yaml:"max_single_exposure" validate:"min=0"`
}

// ExecutorConfig tunes the Executor's retry/timeout/rate-limit behavior.
type ExecutorConfig struct {
	MaxRetries          int     `yaml:"max_retries" validate:"min=0,max=20"`
	BaseRetryDelayMs    int     `yaml:"base_retry_delay_ms" validate:"min=1"`
	MaxRetryDelayMs     int     `yaml:"max_retry_delay_ms" validate:"min=1"`
	SubmissionTimeoutMs int     `yaml:"submission_timeout_ms" validate:"min=1"`
	ConfirmFillTimeoutMs int    `yaml:"confirm_fill_timeout_ms" validate:"min=1"`
	OrderExpirationSecs int64   `yaml:"order_expiration_secs" validate:"required,min=1"`
	SubmitRatePerSecond float64 `yaml:"submit_rate_per_second" validate:"min=0.1"`
	SubmitRateBurst     int     `yaml:"submit_rate_burst" validate:"min=1"`
	ConfirmFills        bool    `yaml:"confirm_fills"`
}

// StrategyConfig tunes the two-leg cycle's thresholds.
type StrategyConfig struct {
	FillBuffer            float64 `yaml:"fill_buffer" validate:"min=0"`
	SumTarget             float64 `yaml:"sum_target" validate:"required,min=0,max=2"`
	FeeBuffer             float64 `yaml:"fee_buffer" validate:"min=0"`
	SlippageBuffer        float64 `yaml:"slippage_buffer" validate:"min=0"`
	ProfitBuffer          float64 `yaml:"profit_buffer" validate:"min=0"`
	MaxAcceptableLoss     float64 `yaml:"max_acceptable_loss" validate:"min=0"`
	Leg2ForceCloseSeconds int     `yaml:"leg2_force_close_seconds" validate:"min=0"`
	UnwindMaxRetries      int     `yaml:"unwind_max_retries" validate:"min=0"`
	WatchWindowCooldownMs int     `yaml:"watch_window_cooldown_ms" validate:"min=0"`
}

// TimingConfig groups every interval/timeout that isn't executor- or
// strategy-specific.
type TimingConfig struct {
	QuoteTTLSeconds          int `yaml:"quote_ttl_seconds" validate:"min=1"`
	QuoteCacheCapacity       int `yaml:"quote_cache_capacity" validate:"min=1"`
	BalanceCacheTTLSeconds   int `yaml:"balance_cache_ttl_seconds" validate:"min=1"`
	IdempotencyTTLSeconds    int `yaml:"idempotency_ttl_seconds" validate:"min=1"`
	BreakerCooldownSeconds   int `yaml:"breaker_cooldown_seconds" validate:"min=1"`
	BreakerHalfOpenProbes    int `yaml:"breaker_half_open_probes" validate:"min=1"`
	BreakerMaxConsecutiveErr int `yaml:"breaker_max_consecutive_errors" validate:"min=1"`
	BreakerStalenessSeconds  int `yaml:"breaker_staleness_seconds" validate:"min=1"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds" validate:"min=1"`
}

// ConcurrencyConfig sizes worker pools.
type ConcurrencyConfig struct {
	ExecutorPoolSize   int `yaml:"executor_pool_size" validate:"min=1,max=200"`
	ExecutorPoolBuffer int `yaml:"executor_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig toggles observability exporters.
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port" validate:"min=1,max=65535"`
}

// ControlConfig configures the control-plane HTTP API.
type ControlConfig struct {
	Port string `yaml:"port" validate:"required"`
}

var validate = validator.New()

// Load reads a YAML config file, expands ${VAR} environment references,
// validates struct tags, and runs domain-specific pre-flight checks.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := preFlight(&cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return &cfg, nil
}

// preFlight runs checks beyond what struct tags can express, mirroring the
// teacher's bootstrap.checkPreFlight (durable-persistence prerequisites,
// TLS key file permission mode).
func preFlight(cfg *Config) error {
	if cfg.App.EngineType == "dbos" && cfg.App.DatabaseURL == "" {
		return fmt.Errorf("database_url is required when engine_type is 'dbos'")
	}

	if cfg.Exchange.TLSKeyFile != "" {
		info, err := os.Stat(cfg.Exchange.TLSKeyFile)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("tls_key_file not found: %s", cfg.Exchange.TLSKeyFile)
			}
			return err
		}
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return fmt.Errorf("insecure permissions on tls_key_file %s: %04o (should be 0600)", cfg.Exchange.TLSKeyFile, mode)
		}
	}

	return nil
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
