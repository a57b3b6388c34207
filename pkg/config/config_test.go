package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenhuangus/agent-payment-platform/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Equal(t, "sqlite://data/paycore.db", cfg.Database.URL)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, "risk-ops", cfg.Orchestrator.ReviewGroup)
	assert.Equal(t, 4, cfg.Orchestrator.Retry.MaxAttempts)
	assert.Equal(t, int64(100), cfg.Rails.Retry.BaseMs)
	assert.Equal(t, 24*time.Hour, cfg.Consent.CosignTimeout)
	assert.True(t, cfg.Consent.RequireRails)
	assert.Equal(t, "file", cfg.Archive.Backend)
	assert.False(t, cfg.Telemetry.Enabled)

	rates, err := cfg.RateTable()
	require.NoError(t, err)
	assert.True(t, rates["USD"].Equal(decimal.NewFromInt(1)))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PAYCORE_SERVER_ADDR", ":9090")
	t.Setenv("PAYCORE_LOG_LEVEL", "DEBUG")
	t.Setenv("PAYCORE_DATABASE_URL", "memory")
	t.Setenv("PAYCORE_ORCHESTRATOR_STEP_TIMEOUT", "45s")
	t.Setenv("PAYCORE_REDIS_ADDR", "localhost:6379")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
	assert.Equal(t, config.MemoryURL, cfg.Database.URL)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paycore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
consent:
  rates:
    USD: "1"
    EUR: "1.10"
archive:
  backend: s3
  bucket: ledger-archive
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "s3", cfg.Archive.Backend)
	assert.Equal(t, "ledger-archive", cfg.Archive.Bucket)

	policy, err := cfg.ConsentPolicy()
	require.NoError(t, err)
	assert.True(t, policy.Rates["EUR"].Equal(decimal.RequireFromString("1.10")))
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("PAYCORE_ARCHIVE_BACKEND", "tape")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "archive.backend")

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRateTable_RejectsBadRates(t *testing.T) {
	cfg := &config.Config{Consent: config.ConsentConfig{Rates: map[string]string{"EUR": "-1"}}}
	_, err := cfg.RateTable()
	assert.Error(t, err)

	cfg.Consent.Rates = map[string]string{"ZZZ": "1"}
	_, err = cfg.RateTable()
	assert.Error(t, err)
}
