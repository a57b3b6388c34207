// Package config loads paycore's process configuration with viper and its
// policy file with yaml.v3.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/kenhuangus/agent-payment-platform/pkg/archive"
	"github.com/kenhuangus/agent-payment-platform/pkg/consent"
	"github.com/kenhuangus/agent-payment-platform/pkg/finance"
	"github.com/kenhuangus/agent-payment-platform/pkg/observability"
	"github.com/kenhuangus/agent-payment-platform/pkg/orchestrator"
	"github.com/kenhuangus/agent-payment-platform/pkg/rails"
)

// EnvPrefix prefixes every environment override, e.g. PAYCORE_SERVER_ADDR.
const EnvPrefix = "PAYCORE"

// MemoryURL selects in-process stores instead of SQL.
const MemoryURL = "memory"

// Config holds server configuration.
type Config struct {
	Server       ServerConfig          `mapstructure:"server"`
	Log          LogConfig             `mapstructure:"log"`
	Database     DatabaseConfig        `mapstructure:"database"`
	Redis        RedisConfig           `mapstructure:"redis"`
	Consent      ConsentConfig         `mapstructure:"consent"`
	Orchestrator orchestrator.Config   `mapstructure:"orchestrator"`
	Rails        rails.ResilientConfig `mapstructure:"rails"`
	Auth         AuthConfig            `mapstructure:"auth"`
	Archive      archive.Config        `mapstructure:"archive"`
	Telemetry    observability.Config  `mapstructure:"telemetry"`
	PolicyFile   string                `mapstructure:"policy_file"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    int           `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects storage. URL is a postgres:// URL, a sqlite://
// path, or MemoryURL.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the shared usage window when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ConsentConfig struct {
	RequireRails     bool              `mapstructure:"require_rails"`
	BundleConstraint string            `mapstructure:"bundle_constraint"`
	Rates            map[string]string `mapstructure:"rates"` // currency -> USD per unit
	CosignTimeout    time.Duration     `mapstructure:"cosign_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 35*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit_rps", 100)
	v.SetDefault("server.rate_limit_burst", 200)
	v.SetDefault("server.sweep_interval", 30*time.Second)

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.url", "sqlite://data/paycore.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "paycore:usage")

	v.SetDefault("consent.require_rails", true)
	v.SetDefault("consent.bundle_constraint", ">= 1.0.0")
	v.SetDefault("consent.rates", map[string]string{"USD": "1"})
	v.SetDefault("consent.cosign_timeout", 24*time.Hour)

	oc := orchestrator.DefaultConfig()
	v.SetDefault("orchestrator.step_timeout", oc.StepTimeout)
	v.SetDefault("orchestrator.review_group", oc.ReviewGroup)
	setRetryDefaults(v, "orchestrator.retry")

	rc := rails.DefaultResilientConfig()
	v.SetDefault("rails.breaker_threshold", rc.BreakerThreshold)
	v.SetDefault("rails.breaker_reset", rc.BreakerReset)
	v.SetDefault("rails.rate_per_second", rc.RatePerSecond)
	v.SetDefault("rails.burst", rc.Burst)
	setRetryDefaults(v, "rails.retry")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "paycore")

	v.SetDefault("archive.backend", "file")
	v.SetDefault("archive.dir", "data/archive")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "ledger")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")

	tc := observability.DefaultConfig()
	v.SetDefault("telemetry.service_name", tc.ServiceName)
	v.SetDefault("telemetry.service_version", tc.ServiceVersion)
	v.SetDefault("telemetry.environment", tc.Environment)
	v.SetDefault("telemetry.otlp_endpoint", tc.OTLPEndpoint)
	v.SetDefault("telemetry.sample_rate", tc.SampleRate)
	v.SetDefault("telemetry.batch_timeout", tc.BatchTimeout)
	v.SetDefault("telemetry.enabled", tc.Enabled)
	v.SetDefault("telemetry.insecure", tc.Insecure)
	v.SetDefault("telemetry.cert_file", "")
	v.SetDefault("telemetry.key_file", "")
	v.SetDefault("telemetry.ca_file", "")

	v.SetDefault("policy_file", "")
}

func setRetryDefaults(v *viper.Viper, prefix string) {
	p := orchestrator.DefaultConfig().Retry
	v.SetDefault(prefix+".policy_id", p.PolicyID)
	v.SetDefault(prefix+".base_ms", p.BaseMs)
	v.SetDefault(prefix+".max_ms", p.MaxMs)
	v.SetDefault(prefix+".max_jitter_ms", p.MaxJitterMs)
	v.SetDefault(prefix+".max_attempts", p.MaxAttempts)
}

// Load reads defaults, then the YAML file at path when path is not empty,
// then PAYCORE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Orchestrator.StepTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.step_timeout must be positive"))
	}
	if c.Consent.CosignTimeout <= 0 {
		errs = append(errs, errors.New("consent.cosign_timeout must be positive"))
	}
	if _, err := c.RateTable(); err != nil {
		errs = append(errs, err)
	}
	switch c.Archive.Backend {
	case "file", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("archive.backend %q is not one of file, s3, gcs", c.Archive.Backend))
	}
	return errors.Join(errs...)
}

// RateTable parses the configured USD rates.
func (c *Config) RateTable() (finance.RateTable, error) {
	t := make(finance.RateTable, len(c.Consent.Rates))
	for code, raw := range c.Consent.Rates {
		unit, err := finance.ParseCurrency(code)
		if err != nil {
			return nil, fmt.Errorf("consent.rates: %w", err)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("consent.rates.%s: %q is not a positive decimal", code, raw)
		}
		t[unit.String()] = rate
	}
	if _, ok := t["USD"]; !ok {
		t["USD"] = decimal.NewFromInt(1)
	}
	return t, nil
}

// ConsentPolicy builds the consent store policy.
func (c *Config) ConsentPolicy() (consent.Policy, error) {
	rates, err := c.RateTable()
	if err != nil {
		return consent.Policy{}, err
	}
	p := consent.DefaultPolicy()
	p.RequireRails = c.Consent.RequireRails
	p.Rates = rates
	p.BundleConstraint = c.Consent.BundleConstraint
	return p, nil
}
