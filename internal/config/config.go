// Package config loads the gocredit daemon configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Storage drivers
const (
	DriverMemory    = "memory"
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverFirestore = "firestore"
)

// Config is the root configuration structure.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Storage        StorageConfig        `yaml:"storage"`
	Pricing        PricingConfig        `yaml:"pricing"`
	Sessions       SessionsConfig       `yaml:"sessions"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logging        LoggingConfig        `yaml:"logging"`
	Billing        BillingConfig        `yaml:"billing"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// UserHeader, when set, must match the {userID} path segment of every API call
	UserHeader string `yaml:"user_header,omitempty"`
	// AdminToken, sent in AdminHeader, marks operator calls. With UserHeader
	// set, only operators may allocate credits or address other users.
	AdminHeader string `yaml:"admin_header,omitempty"`
	AdminToken  string `yaml:"admin_token,omitempty"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Driver    string          `yaml:"driver"` // memory, sqlite, postgres, redis, firestore
	SQLite    SQLiteConfig    `yaml:"sqlite,omitempty"`
	Postgres  PostgresConfig  `yaml:"postgres,omitempty"`
	Redis     RedisConfig     `yaml:"redis,omitempty"`
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`
}

// SQLiteConfig configures storage/sqlite.
type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// PostgresConfig configures storage/postgres.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// RedisConfig configures storage/redis.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// FirestoreConfig configures storage/firestore.
type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`
}

// PricingConfig is the rate table in credits per 1000 units.
type PricingConfig struct {
	DefaultRate float64            `yaml:"default_rate"`
	Rates       map[string]float64 `yaml:"rates"`
}

// SessionsConfig configures reservations and refunds.
type SessionsConfig struct {
	BufferRatio      float64 `yaml:"buffer_ratio"`
	RefundExpiryDays int     `yaml:"refund_expiry_days"`
	RefundIssuer     string  `yaml:"refund_issuer"`
}

// CircuitBreakerConfig configures the storage circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// BillingConfig configures credit pack purchases.
type BillingConfig struct {
	Stripe StripeConfig `yaml:"stripe"`
}

// StripeConfig configures the Stripe provider. It is enabled when APIKey is set.
type StripeConfig struct {
	APIKey        string                `yaml:"api_key,omitempty"`
	WebhookSecret string                `yaml:"webhook_secret,omitempty"`
	WebhookPath   string                `yaml:"webhook_path"`
	Packs         map[string]PackConfig `yaml:"packs"`
}

// Enabled reports whether Stripe purchases are configured.
func (s StripeConfig) Enabled() bool {
	return s.APIKey != ""
}

// PackConfig is a purchasable credit pack.
type PackConfig struct {
	Credits    int64  `yaml:"credits"`
	ExpiryDays int    `yaml:"expiry_days"`
	PriceID    string `yaml:"price_id"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration from GOCREDIT_* environment variables only.
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback loads path when it is set, otherwise the environment.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	return LoadFromEnv()
}

// CreditConfig returns the core configuration. Logger, Metrics and Clock are left to the caller.
func (c *Config) CreditConfig() gocredit.Config {
	rates := make(map[string]float64, len(c.Pricing.Rates))
	for model, rate := range c.Pricing.Rates {
		rates[model] = rate
	}
	return gocredit.Config{
		Pricing: gocredit.PricingConfig{
			DefaultRate: c.Pricing.DefaultRate,
			Rates:       rates,
		},
		BufferRatio:      c.Sessions.BufferRatio,
		RefundExpiryDays: c.Sessions.RefundExpiryDays,
		RefundIssuer:     c.Sessions.RefundIssuer,
		CircuitBreakerConfig: &gocredit.CircuitBreakerConfig{
			Enabled:          c.CircuitBreaker.Enabled,
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			ResetTimeout:     c.CircuitBreaker.ResetTimeout,
		},
	}
}

// applyEnvOverrides applies GOCREDIT_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("GOCREDIT_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("GOCREDIT_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GOCREDIT_SERVER_USER_HEADER"); v != "" {
		cfg.Server.UserHeader = v
	}
	if v := os.Getenv("GOCREDIT_SERVER_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}

	// Storage
	if v := os.Getenv("GOCREDIT_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("GOCREDIT_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("GOCREDIT_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("GOCREDIT_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("GOCREDIT_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("GOCREDIT_FIRESTORE_PROJECT_ID"); v != "" {
		cfg.Storage.Firestore.ProjectID = v
	}

	// Sessions
	if v := os.Getenv("GOCREDIT_SESSIONS_BUFFER_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sessions.BufferRatio = f
		}
	}
	if v := os.Getenv("GOCREDIT_PRICING_DEFAULT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Pricing.DefaultRate = f
		}
	}

	if v := os.Getenv("GOCREDIT_CIRCUIT_BREAKER_ENABLED"); v != "" {
		cfg.CircuitBreaker.Enabled = parseBool(v)
	}

	// Logging
	if v := os.Getenv("GOCREDIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GOCREDIT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics
	if v := os.Getenv("GOCREDIT_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("GOCREDIT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	// Billing
	if v := os.Getenv("GOCREDIT_STRIPE_API_KEY"); v != "" {
		cfg.Billing.Stripe.APIKey = v
	}
	if v := os.Getenv("GOCREDIT_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.Stripe.WebhookSecret = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.AdminHeader == "" {
		cfg.Server.AdminHeader = "X-Admin-Token"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "gocredit"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "gocredit.db"
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = 5 * time.Second
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = "gocredit:"
	}
	if cfg.Storage.Firestore.Collection == "" {
		cfg.Storage.Firestore.Collection = "credit_users"
	}

	if cfg.Pricing.DefaultRate == 0 {
		cfg.Pricing.DefaultRate = gocredit.DefaultRate
	}
	if cfg.Sessions.BufferRatio == 0 {
		cfg.Sessions.BufferRatio = gocredit.DefaultBufferRatio
	}
	if cfg.Sessions.RefundExpiryDays == 0 {
		cfg.Sessions.RefundExpiryDays = gocredit.DefaultRefundExpiryDays
	}
	if cfg.Sessions.RefundIssuer == "" {
		cfg.Sessions.RefundIssuer = gocredit.DefaultRefundIssuer
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.ResetTimeout == 0 {
		cfg.CircuitBreaker.ResetTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Billing.Stripe.WebhookPath == "" {
		cfg.Billing.Stripe.WebhookPath = "/webhooks/stripe"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverRedis:
	case DriverPostgres:
		if cfg.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	case DriverFirestore:
		if cfg.Storage.Firestore.ProjectID == "" {
			return fmt.Errorf("storage.firestore.project_id is required for the firestore driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, sqlite, postgres, redis, firestore, got %q",
			cfg.Storage.Driver)
	}

	if cfg.Sessions.BufferRatio < 1 {
		return fmt.Errorf("sessions.buffer_ratio must be >= 1, got %v", cfg.Sessions.BufferRatio)
	}
	if cfg.Sessions.RefundExpiryDays < 0 {
		return fmt.Errorf("sessions.refund_expiry_days must not be negative")
	}
	if cfg.Pricing.DefaultRate < 0 {
		return fmt.Errorf("pricing.default_rate must not be negative")
	}
	for model, rate := range cfg.Pricing.Rates {
		if rate < 0 {
			return fmt.Errorf("pricing.rates[%q] must not be negative", model)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	for id, pack := range cfg.Billing.Stripe.Packs {
		if pack.Credits <= 0 || pack.ExpiryDays <= 0 {
			return fmt.Errorf("billing.stripe.packs[%q] needs positive credits and expiry_days", id)
		}
		if cfg.Billing.Stripe.Enabled() && pack.PriceID == "" {
			return fmt.Errorf("billing.stripe.packs[%q].price_id is required", id)
		}
	}
	return nil
}
