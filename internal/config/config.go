// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
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

// IdentityConfig describes JWT verification and the claims that carry the
// actor identity.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
	SubjectClaim string        `yaml:"subject_claim"`
	EmailClaim   string        `yaml:"email_claim"`
	RoleClaim    string        `yaml:"role_claim"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store               WorkflowStoreConfig `yaml:"store"`
	SweepInterval       time.Duration       `yaml:"sweep_interval"`
	BuiltinTemplates    bool                `yaml:"builtin_templates"`
	TemplateDirectories []string            `yaml:"template_directories"`
}

// WorkflowStoreConfig describes workflow persistence settings.
type WorkflowStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NotificationsConfig describes where workflow events are published.
type NotificationsConfig struct {
	Driver         string        `yaml:"driver"`
	NATSURLEnv     string        `yaml:"nats_url_env"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	BufferSize     int           `yaml:"buffer_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// IdempotencyConfig describes where replayable action results are kept.
type IdempotencyConfig struct {
	Driver      string        `yaml:"driver"`
	RedisURLEnv string        `yaml:"redis_url_env"`
	TTL         time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
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
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			SubjectClaim: "sub",
			EmailClaim:   "email",
			RoleClaim:    "role",
		},
		Workflow: WorkflowConfig{
			SweepInterval:    5 * time.Minute,
			BuiltinTemplates: true,
			Store: WorkflowStoreConfig{
				Driver:          "memory",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Notifications: NotificationsConfig{
			Driver:         "log",
			SubjectPrefix:  "parapheur",
			BufferSize:     256,
			PublishTimeout: 2 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
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

var (
	validStoreDrivers  = map[string]bool{"memory": true, "postgres": true}
	validNotifyDrivers = map[string]bool{"log": true, "nats": true, "none": true}
	validIdemDrivers   = map[string]bool{"memory": true, "redis": true, "none": true}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if !validStoreDrivers[c.Workflow.Store.Driver] {
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q is not supported", c.Workflow.Store.Driver))
	}
	if c.Workflow.Store.Driver == "postgres" && c.Workflow.Store.DSNEnv == "" {
		errs = append(errs, "workflow.store.dsn_env is required for the postgres driver")
	}
	if c.Workflow.SweepInterval <= 0 {
		errs = append(errs, "workflow.sweep_interval must be positive")
	}
	if !validNotifyDrivers[c.Notifications.Driver] {
		errs = append(errs, fmt.Sprintf("notifications.driver %q is not supported", c.Notifications.Driver))
	}
	if c.Notifications.Driver == "nats" && c.Notifications.NATSURLEnv == "" {
		errs = append(errs, "notifications.nats_url_env is required for the nats driver")
	}
	if !validIdemDrivers[c.Idempotency.Driver] {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported", c.Idempotency.Driver))
	}
	if c.Idempotency.Driver == "redis" && c.Idempotency.RedisURLEnv == "" {
		errs = append(errs, "idempotency.redis_url_env is required for the redis driver")
	}
	if c.Idempotency.Driver != "none" && c.Idempotency.TTL <= 0 {
		errs = append(errs, "idempotency.ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PARAPHEUR_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARAPHEUR_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PARAPHEUR_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("PARAPHEUR_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("PARAPHEUR_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("PARAPHEUR_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("PARAPHEUR_WORKFLOW_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workflow.SweepInterval = d
		}
	}
	if v := os.Getenv("PARAPHEUR_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("PARAPHEUR_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
	if v := os.Getenv("PARAPHEUR_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
