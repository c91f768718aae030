// Package config loads tripled settings from an optional YAML file and
// TRIPLED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/tripled/internal/coordinator"
	"github.com/user/tripled/internal/scheduler"
	"github.com/user/tripled/internal/store"
)

type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"` // OTLP/HTTP host:port; empty exports to stdout
	ServiceName string `yaml:"service_name"`
}

// RateLimitConfig bounds per-client request rates on the HTTP API.
type RateLimitConfig struct {
	Enabled    bool    `yaml:"enabled"`
	ReadRPS    float64 `yaml:"read_rps"`
	ReadBurst  int     `yaml:"read_burst"`
	WriteRPS   float64 `yaml:"write_rps"`
	WriteBurst int     `yaml:"write_burst"`
}

type Config struct {
	DataDir          string `yaml:"data_dir"`
	Backend          string `yaml:"backend"`
	SharedConnection bool   `yaml:"shared_connection"`
	NoSync           bool   `yaml:"nosync"`
	Bind             string `yaml:"bind"`
	LogLevel         string `yaml:"log_level"`

	// BatchThreshold is the statement count per write transaction.
	BatchThreshold int           `yaml:"batch_threshold"`
	CycleTimeout   time.Duration `yaml:"cycle_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	ProbeQuery     string        `yaml:"probe_query"`

	OTel      OTelConfig      `yaml:"otel"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

func Default() Config {
	return Config{
		DataDir:        "data",
		Backend:        store.BackendSQLite,
		Bind:           ":8080",
		LogLevel:       "info",
		BatchThreshold: 3000,
		CycleTimeout:   60 * time.Second,
		ProbeInterval:  2 * time.Second,
		QueryTimeout:   20 * time.Second,
		ProbeQuery:     scheduler.DefaultProbeQuery,
		OTel:           OTelConfig{ServiceName: "tripled"},
		RateLimit: RateLimitConfig{
			ReadRPS:    200,
			ReadBurst:  400,
			WriteRPS:   20,
			WriteBurst: 40,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides, fills gaps and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if raw := os.Getenv(name); raw != "" {
			*dst = raw
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if raw := os.Getenv(name); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = v
		}
	}
	duration := func(name string, dst *time.Duration) {
		if raw := os.Getenv(name); raw != "" {
			v, err := time.ParseDuration(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = v
		}
	}

	str("TRIPLED_DATA_DIR", &cfg.DataDir)
	str("TRIPLED_BACKEND", &cfg.Backend)
	boolean("TRIPLED_SHARED_CONNECTION", &cfg.SharedConnection)
	boolean("TRIPLED_NOSYNC", &cfg.NoSync)
	str("TRIPLED_BIND", &cfg.Bind)
	str("TRIPLED_LOG_LEVEL", &cfg.LogLevel)
	integer("TRIPLED_BATCH_THRESHOLD", &cfg.BatchThreshold)
	duration("TRIPLED_CYCLE_TIMEOUT", &cfg.CycleTimeout)
	duration("TRIPLED_PROBE_INTERVAL", &cfg.ProbeInterval)
	duration("TRIPLED_QUERY_TIMEOUT", &cfg.QueryTimeout)
	str("TRIPLED_PROBE_QUERY", &cfg.ProbeQuery)
	boolean("TRIPLED_OTEL_ENABLED", &cfg.OTel.Enabled)
	if raw := os.Getenv("TRIPLED_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
		cfg.OTel.Enabled = true
	}
	boolean("TRIPLED_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	return errors.Join(errs...)
}

func normalize(cfg *Config) {
	def := Default()
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.Backend == "" {
		cfg.Backend = def.Backend
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.Bind == "" {
		cfg.Bind = def.Bind
	}
	if strings.TrimSpace(cfg.ProbeQuery) == "" {
		cfg.ProbeQuery = def.ProbeQuery
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case store.BackendSQLite, store.BackendPebble, store.BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("backend %q: must be sqlite, pebble or badger", c.Backend))
	}
	if c.SharedConnection && c.Backend != store.BackendSQLite {
		errs = append(errs, fmt.Errorf("shared_connection is only supported by the sqlite backend"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel))
	}
	if c.BatchThreshold <= 0 {
		errs = append(errs, fmt.Errorf("batch_threshold must be positive, got %d", c.BatchThreshold))
	}
	if c.CycleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("cycle_timeout must be positive, got %s", c.CycleTimeout))
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("probe_interval must be positive, got %s", c.ProbeInterval))
	}
	if c.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("query_timeout must not be negative, got %s", c.QueryTimeout))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.ReadRPS <= 0 || c.RateLimit.WriteRPS <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit read_rps and write_rps must be positive"))
		}
		if c.RateLimit.ReadBurst <= 0 || c.RateLimit.WriteBurst <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit read_burst and write_burst must be positive"))
		}
	}
	return errors.Join(errs...)
}

// StoreConfig returns the engine settings.
func (c Config) StoreConfig() store.Config {
	return store.Config{
		Backend:          c.Backend,
		DataDir:          c.DataDir,
		SharedConnection: c.SharedConnection,
		NoSync:           c.NoSync,
	}
}

// CoordinatorConfig returns the coordinator settings.
func (c Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		BatchThreshold: c.BatchThreshold,
		CycleTimeout:   c.CycleTimeout,
		QueryTimeout:   c.QueryTimeout,
	}
}

// SchedulerConfig returns the read-probe settings.
func (c Config) SchedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.ProbeInterval = c.ProbeInterval
	cfg.ProbeQuery = c.ProbeQuery
	cfg.ProbeTimeout = c.QueryTimeout
	return cfg
}
