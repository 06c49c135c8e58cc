// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Lock          LockConfig          `yaml:"lock"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Engine        EngineConfig        `yaml:"engine"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// Auth modes.
const (
	AuthNone = "none"
	AuthHMAC = "hmac"
	AuthJWKS = "jwks"
)

// AuthConfig describes how admin API callers are authenticated.
type AuthConfig struct {
	Mode         string            `yaml:"mode"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	SecretEnv    string            `yaml:"secret_env"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
	// PolicyFile maps roles to admin API permissions. Empty grants every
	// authenticated caller full access.
	PolicyFile     string        `yaml:"policy_file"`
	PolicyCacheTTL time.Duration `yaml:"policy_cache_ttl"`
}

// DefinitionsConfig describes where to find process definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// Sync copies file definitions into the store on startup.
	Sync bool `yaml:"sync"`
}

// StoreConfig describes execution status and definition persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// LockConfig describes the distributed lock backend.
type LockConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
	// WaitTimeout of zero fails fast when the lock is held.
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Renew        bool          `yaml:"renew"`
	AddrEnv      string        `yaml:"addr_env"`
	DB           int           `yaml:"db"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig guards a remote lock backend. A zero FailureThreshold
// disables the breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// IdempotencyConfig describes replay protection for start requests that
// carry an Idempotency-Key header.
type IdempotencyConfig struct {
	// Driver is none, memory or redis.
	Driver  string        `yaml:"driver"`
	TTL     time.Duration `yaml:"ttl"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
}

// EngineConfig tunes the step runner.
type EngineConfig struct {
	MaxContinuations     int           `yaml:"max_continuations"`
	ChainBackoff         time.Duration `yaml:"chain_backoff"`
	ErrorDetailsMax      int           `yaml:"error_details_max"`
	ForceWakeDefault     time.Duration `yaml:"force_wake_default"`
	FailureRetries       int           `yaml:"failure_retries"`
	FailureRetryInterval time.Duration `yaml:"failure_retry_interval"`
	FailureTimeout       time.Duration `yaml:"failure_timeout"`
}

// SchedulerConfig describes the yield scheduler.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	Concurrency   int           `yaml:"concurrency"`
	IncludeFailed bool          `yaml:"include_failed"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Tenant-Id",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Auth: AuthConfig{
			Mode:           AuthJWKS,
			JWKSCacheTTL:   1 * time.Hour,
			PolicyCacheTTL: 5 * time.Minute,
			Algorithms:     []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "STEPFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Lock: LockConfig{
			Driver:       "memory",
			TTL:          30 * time.Second,
			PollInterval: 100 * time.Millisecond,
			Renew:        true,
			AddrEnv:      "STEPFLOW_REDIS_ADDR",
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				OpenTimeout:      30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Driver:  "memory",
			TTL:     24 * time.Hour,
			AddrEnv: "STEPFLOW_REDIS_ADDR",
		},
		Engine: EngineConfig{
			MaxContinuations:     100,
			ChainBackoff:         5 * time.Second,
			ErrorDetailsMax:      512,
			ForceWakeDefault:     60 * time.Second,
			FailureRetries:       5,
			FailureRetryInterval: 50 * time.Millisecond,
			FailureTimeout:       10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Interval:    30 * time.Second,
			BatchSize:   100,
			Concurrency: 8,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Auth.Mode {
	case AuthNone:
	case AuthHMAC:
		if c.Auth.SecretEnv == "" {
			errs = append(errs, "auth.secret_env is required for hmac mode")
		}
	case AuthJWKS:
		if c.Auth.Issuer == "" {
			errs = append(errs, "auth.issuer is required")
		}
		if c.Auth.JWKSURL == "" {
			errs = append(errs, "auth.jwks_url is required")
		}
		if c.Auth.Audience == "" {
			errs = append(errs, "auth.audience is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.mode %q must be one of none, hmac, jwks", c.Auth.Mode))
	}
	if c.Auth.PolicyFile != "" && c.Auth.Mode == AuthNone {
		errs = append(errs, "auth.policy_file needs an authenticated mode")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case "memory":
	case "postgres":
		if c.Store.Driver != "postgres" {
			errs = append(errs, "lock.driver postgres requires store.driver postgres")
		}
	case "redis":
		if c.Lock.AddrEnv == "" {
			errs = append(errs, "lock.addr_env is required for redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("lock.driver %q must be memory, postgres or redis", c.Lock.Driver))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, "lock.ttl must be positive")
	}
	if c.Lock.WaitTimeout < 0 {
		errs = append(errs, "lock.wait_timeout must not be negative")
	}
	if c.Lock.Breaker.FailureThreshold < 0 {
		errs = append(errs, "lock.breaker.failure_threshold must not be negative")
	}

	switch c.Idempotency.Driver {
	case "none", "memory":
	case "redis":
		if c.Idempotency.AddrEnv == "" {
			errs = append(errs, "idempotency.addr_env is required for redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be none, memory or redis", c.Idempotency.Driver))
	}
	if c.Idempotency.Driver != "none" && c.Idempotency.TTL <= 0 {
		errs = append(errs, "idempotency.ttl must be positive")
	}

	if c.Engine.MaxContinuations < 1 {
		errs = append(errs, "engine.max_continuations must be at least 1")
	}
	if c.Engine.ErrorDetailsMax < 1 {
		errs = append(errs, "engine.error_details_max must be at least 1")
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.Interval <= 0 {
			errs = append(errs, "scheduler.interval must be positive")
		}
		if c.Scheduler.Concurrency < 1 {
			errs = append(errs, "scheduler.concurrency must be at least 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STEPFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STEPFLOW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STEPFLOW_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("STEPFLOW_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("STEPFLOW_AUTH_JWKS_URL"); v != "" {
		cfg.Auth.JWKSURL = v
	}
	if v := os.Getenv("STEPFLOW_AUTH_AUDIENCE"); v != "" {
		cfg.Auth.Audience = v
	}
	if v := os.Getenv("STEPFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STEPFLOW_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("STEPFLOW_SCHEDULER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Enabled = b
		}
	}
	if v := os.Getenv("STEPFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
