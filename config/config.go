// Package config loads the throttled daemon configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/throttle/audit"
	"github.com/toolink/throttle/limiter"
)

// Audit modes.
const (
	AuditNone  = "none"
	AuditLog   = "log"
	AuditSQL   = "sql"
	AuditQueue = "queue" // Redis list drained into SQL
)

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Redis    RedisConfig     `yaml:"redis"`
	Database *DatabaseConfig `yaml:"database"`
	Audit    AuditConfig     `yaml:"audit"`
	Log      LogConfig       `yaml:"log"`
	Limiter  limiter.Config  `yaml:"limiter"`
}

// ServerConfig configures the listeners.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"` // empty disables the gRPC listener
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig configures the shared Redis used for buckets, the audit queue and locks.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
	Timeout     time.Duration `yaml:"timeout"` // per bucket update
}

// NewClient creates a Redis client from the configuration. Context deadlines
// are enabled so the per update timeout reaches the socket.
func (c RedisConfig) NewClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  c.Addr,
		Password:              c.Password,
		DB:                    c.DB,
		PoolSize:              c.PoolSize,
		DialTimeout:           c.DialTimeout,
		ContextTimeoutEnabled: true,
	})
}

// AuditConfig selects where violations go.
type AuditConfig struct {
	Mode          string        `yaml:"mode"`
	QueueKey      string        `yaml:"queue_key"`
	MaxQueueLen   int64         `yaml:"max_queue_len"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxInFlight   int           `yaml:"max_in_flight"`
	Retention     time.Duration `yaml:"retention"` // zero disables purging
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// LogConfig configures the global zerolog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Apply sets the global logger level and output.
func (c LogConfig) Apply(w io.Writer) error {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

// SetDefaults fills in every unset field.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = limiter.DefaultKeyPrefix
	}
	if c.Redis.Timeout == 0 {
		c.Redis.Timeout = limiter.DefaultStorageTimeout
	}

	if c.Database != nil {
		c.Database.SetDefaults()
	}

	if c.Audit.Mode == "" {
		c.Audit.Mode = AuditLog
	}
	if c.Audit.QueueKey == "" {
		c.Audit.QueueKey = audit.DefaultQueueKey
	}
	if c.Audit.WriteTimeout == 0 {
		c.Audit.WriteTimeout = 2 * time.Second
	}
	if c.Audit.MaxInFlight == 0 {
		c.Audit.MaxInFlight = 256
	}
	if c.Audit.PurgeInterval == 0 {
		c.Audit.PurgeInterval = time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Limiter.StorageType == "" {
		c.Limiter.StorageType = limiter.StorageRedis
	}
}

// Validate checks everything except the rules, which limiter.NewRuleSet
// validates when the rule set is built.
func (c *Config) Validate() error {
	switch c.Limiter.StorageType {
	case limiter.StorageMemory, limiter.StorageRedis:
	default:
		return fmt.Errorf("limiter.storage_type: invalid value %q (valid: memory, redis)", c.Limiter.StorageType)
	}
	if c.Redis.Timeout < 0 {
		return fmt.Errorf("redis.timeout must be positive")
	}

	switch c.Audit.Mode {
	case AuditNone, AuditLog:
	case AuditSQL, AuditQueue:
		if c.Database == nil {
			return fmt.Errorf("audit.mode %s requires a database section", c.Audit.Mode)
		}
	default:
		return fmt.Errorf("audit.mode: invalid value %q (valid: none, log, sql, queue)", c.Audit.Mode)
	}
	if c.Audit.MaxQueueLen < 0 {
		return fmt.Errorf("audit.max_queue_len must be non-negative")
	}
	if c.Audit.Retention < 0 {
		return fmt.Errorf("audit.retention must be non-negative")
	}
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: invalid value %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format: invalid value %q (valid: json, console)", c.Log.Format)
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Limiter.StorageType == limiter.StorageRedis || c.Audit.Mode == AuditQueue ||
		(c.Database != nil && c.Audit.Retention > 0)
}

// Rules builds the immutable rule set.
func (c *Config) Rules() (*limiter.RuleSet, error) {
	return c.Limiter.ValidateAndPrepare()
}

// Load reads, expands, decodes, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded, _ := expandEnvVars(raw).(map[string]any)

	cfg := &Config{}
	if err := decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// decode decodes a map into a Config struct using mapstructure.
func decode(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      output,
		TagName:     "yaml",
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			scopeHook,
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}

// scopeHook lowercases rule scopes so "IP" and "ip" are the same.
func scopeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(limiter.Scope("")) {
		return data, nil
	}
	return limiter.Scope(strings.ToLower(strings.TrimSpace(data.(string)))), nil
}
