// Package config provides configuration management for AgentCom.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	FSM       FSMConfig       `mapstructure:"fsm"`
	Session   SessionConfig   `mapstructure:"session"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig selects and configures the durable task store.
type StorageConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the sqlite database file path.
	Path string `mapstructure:"path"`
}

// DatabaseConfig holds PostgreSQL connection configuration, used when
// storage.driver is "postgres".
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds agent authentication configuration.
type AuthConfig struct {
	// Tokens maps agent_id to its shared secret.
	Tokens map[string]string `mapstructure:"tokens"`
	// AllowAnonymous accepts any token (development mode only).
	AllowAnonymous bool `mapstructure:"allowAnonymous"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// QueueConfig holds task queue configuration.
type QueueConfig struct {
	SoftCap                int `mapstructure:"softCap"` // 0 = unlimited
	MaxRetriesDefault      int `mapstructure:"maxRetriesDefault"`
	OverdueSweepIntervalMs int `mapstructure:"overdueSweepIntervalMs"`
	AssignmentTTLMs        int `mapstructure:"assignmentTtlMs"` // deadline when complete_by is unset
	HistoryCap             int `mapstructure:"historyCap"`      // per-task history entries kept
}

// LifecycleConfig holds agent lifecycle configuration.
type LifecycleConfig struct {
	AcceptanceTimeoutMs int `mapstructure:"acceptanceTimeoutMs"`
}

// RateLimitTier holds token bucket parameters for one tier.
type RateLimitTier struct {
	Capacity     int `mapstructure:"capacity"`
	RefillPerMin int `mapstructure:"refillPerMin"`
}

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	Light          RateLimitTier `mapstructure:"light"`
	Normal         RateLimitTier `mapstructure:"normal"`
	Heavy          RateLimitTier `mapstructure:"heavy"`
	BackoffCurveMs []int         `mapstructure:"backoffCurveMs"`
	QuietResetMs   int           `mapstructure:"quietResetMs"`
}

// FSMConfig holds hub FSM configuration.
type FSMConfig struct {
	TickMs            int `mapstructure:"tickMs"`
	HealingWatchdogMs int `mapstructure:"healingWatchdogMs"`
	HealingCooldownMs int `mapstructure:"healingCooldownMs"`
}

// SessionConfig holds agent session configuration.
type SessionConfig struct {
	KeepaliveMs   int `mapstructure:"keepaliveMs"`
	MaxFrameBytes int `mapstructure:"maxFrameBytes"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// OverdueSweepInterval returns the sweep period as a time.Duration.
func (q *QueueConfig) OverdueSweepInterval() time.Duration {
	return time.Duration(q.OverdueSweepIntervalMs) * time.Millisecond
}

// AssignmentTTL returns the default assignment deadline as a time.Duration.
func (q *QueueConfig) AssignmentTTL() time.Duration {
	return time.Duration(q.AssignmentTTLMs) * time.Millisecond
}

// AcceptanceTimeout returns the acceptance timer duration.
func (l *LifecycleConfig) AcceptanceTimeout() time.Duration {
	return time.Duration(l.AcceptanceTimeoutMs) * time.Millisecond
}

// QuietReset returns the backoff quiet period as a time.Duration.
func (r *RateLimitConfig) QuietReset() time.Duration {
	return time.Duration(r.QuietResetMs) * time.Millisecond
}

// BackoffCurve returns the progressive backoff curve as durations.
func (r *RateLimitConfig) BackoffCurve() []time.Duration {
	curve := make([]time.Duration, 0, len(r.BackoffCurveMs))
	for _, ms := range r.BackoffCurveMs {
		curve = append(curve, time.Duration(ms)*time.Millisecond)
	}
	return curve
}

// Tick returns the FSM tick period.
func (f *FSMConfig) Tick() time.Duration {
	return time.Duration(f.TickMs) * time.Millisecond
}

// HealingWatchdog returns the healing ceiling duration.
func (f *FSMConfig) HealingWatchdog() time.Duration {
	return time.Duration(f.HealingWatchdogMs) * time.Millisecond
}

// HealingCooldown returns the post-healing cooldown duration.
func (f *FSMConfig) HealingCooldown() time.Duration {
	return time.Duration(f.HealingCooldownMs) * time.Millisecond
}

// Keepalive returns the session ping interval.
func (s *SessionConfig) Keepalive() time.Duration {
	return time.Duration(s.KeepaliveMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTCOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "agentcom.db")

	// Database defaults (postgres driver only)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentcom")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentcom")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentcom-hub")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.tokens", map[string]string{})
	v.SetDefault("auth.allowAnonymous", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Queue defaults
	v.SetDefault("queue.softCap", 10000)
	v.SetDefault("queue.maxRetriesDefault", 3)
	v.SetDefault("queue.overdueSweepIntervalMs", 30_000)
	v.SetDefault("queue.assignmentTtlMs", 600_000)
	v.SetDefault("queue.historyCap", 50)

	// Lifecycle defaults
	v.SetDefault("lifecycle.acceptanceTimeoutMs", 60_000)

	// Rate limit defaults
	v.SetDefault("ratelimit.light.capacity", 120)
	v.SetDefault("ratelimit.light.refillPerMin", 120)
	v.SetDefault("ratelimit.normal.capacity", 60)
	v.SetDefault("ratelimit.normal.refillPerMin", 60)
	v.SetDefault("ratelimit.heavy.capacity", 10)
	v.SetDefault("ratelimit.heavy.refillPerMin", 10)
	v.SetDefault("ratelimit.backoffCurveMs", []int{1000, 2000, 5000, 10000, 30000})
	v.SetDefault("ratelimit.quietResetMs", 60_000)

	// FSM defaults
	v.SetDefault("fsm.tickMs", 5_000)
	v.SetDefault("fsm.healingWatchdogMs", 300_000)
	v.SetDefault("fsm.healingCooldownMs", 900_000)

	// Session defaults
	v.SetDefault("session.keepaliveMs", 30_000)
	v.SetDefault("session.maxFrameBytes", 512*1024)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTCOM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentcom/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentcom/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Queue.MaxRetriesDefault < 0 {
		errs = append(errs, "queue.maxRetriesDefault must be non-negative")
	}
	if cfg.Queue.OverdueSweepIntervalMs <= 0 {
		errs = append(errs, "queue.overdueSweepIntervalMs must be positive")
	}
	if cfg.Lifecycle.AcceptanceTimeoutMs <= 0 {
		errs = append(errs, "lifecycle.acceptanceTimeoutMs must be positive")
	}
	if len(cfg.RateLimit.BackoffCurveMs) == 0 {
		errs = append(errs, "ratelimit.backoffCurveMs must not be empty")
	}
	if cfg.FSM.TickMs <= 0 {
		errs = append(errs, "fsm.tickMs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
