package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
app:
  engine_type: simple
  log_level: INFO
  service_name: binarymm
exchange:
  name: mock
  base_url: https://clob.example.test
  chain_id: 137
wallet:
  private_key: "0xdeadbeef"
governance:
  global_ingress_mode: OPEN
  account_reserve_pct: 0.1
  sidecar_auth_token: "${SIDECAR_TOKEN}"
  domains:
    - domain: crypto-event
      ingress_mode: OPEN
      exposure_cap: 10000
      daily_loss_cap: 500
      max_single_exposure: 1000
executor:
  max_retries: 5
  base_retry_delay_ms: 500
  max_retry_delay_ms: 10000
  submission_timeout_ms: 3000
  confirm_fill_timeout_ms: 5000
  order_expiration_secs: 300
  submit_rate_per_second: 25
  submit_rate_burst: 30
  confirm_fills: true
strategy:
  sum_target: 0.95
timing:
  quote_ttl_seconds: 30
  quote_cache_capacity: 10000
  balance_cache_ttl_seconds: 10
  idempotency_ttl_seconds: 3600
  breaker_cooldown_seconds: 60
  breaker_half_open_probes: 3
  breaker_max_consecutive_errors: 3
  breaker_staleness_seconds: 30
  reconcile_interval_seconds: 60
concurrency:
  executor_pool_size: 10
  executor_pool_buffer: 100
telemetry:
  enable_metrics: true
  metrics_port: 9090
control:
  port: "8080"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("SIDECAR_TOKEN", "test-token-value")
	path := writeTempConfig(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "simple", cfg.App.EngineType)
	require.Equal(t, "test-token-value", string(cfg.Governance.SidecarAuthToken))
	require.Len(t, cfg.Governance.Domains, 1)
}

func TestLoad_MissingDatabaseURLForDBOS(t *testing.T) {
	t.Setenv("SIDECAR_TOKEN", "x")
	dbosYAML := validYAML
	path := writeTempConfig(t, dbosYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.App.EngineType = "dbos"
	err = preFlight(cfg)
	require.Error(t, err)
}

func TestLoad_RejectsMissingRequiredField(t *testing.T) {
	t.Setenv("SIDECAR_TOKEN", "x")
	broken := `
app:
  log_level: INFO
  service_name: binarymm
`
	path := writeTempConfig(t, broken)
	_, err := Load(path)
	require.Error(t, err)
}
