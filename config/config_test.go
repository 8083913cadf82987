package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/throttle/limiter"
)

const sampleConfig = `
server:
  addr: ":9090"
redis:
  addr: "${TEST_REDIS_ADDR:-localhost:6390}"
  timeout: 25ms
database:
  driver: sqlite
  database: ":memory:"
audit:
  mode: sql
  retention: 720h
log:
  level: debug
  format: console
limiter:
  storage_type: redis
  rules:
    - endpoint: "POST /auth/login"
      name: login
      scope: IP
      max_tokens: "${LOGIN_BURST:-5}"
      refill_rate: 5
      refill_period: 1m
    - endpoint: "^GET /accounts/[^/]+$"
      regex: true
      scope: user
      max_tokens: 10
      refill_rate: 0.5
    - endpoint: plaid
      scope: user_resource
      max_tokens: 20
      refill_rate: 1
      cost: 2
      enabled: false
`

func TestParse_FullDocument(t *testing.T) {
	t.Setenv("LOGIN_BURST", "8")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "localhost:6390", cfg.Redis.Addr)
	assert.Equal(t, 25*time.Millisecond, cfg.Redis.Timeout)
	assert.Equal(t, limiter.DefaultKeyPrefix, cfg.Redis.KeyPrefix)
	assert.Equal(t, AuditSQL, cfg.Audit.Mode)
	assert.Equal(t, 720*time.Hour, cfg.Audit.Retention)
	assert.Equal(t, time.Hour, cfg.Audit.PurgeInterval)
	require.NotNil(t, cfg.Database)
	assert.Equal(t, "sqlite", cfg.Database.Dialect())
	assert.True(t, cfg.NeedsRedis())

	require.Len(t, cfg.Limiter.Rules, 3)
	login := cfg.Limiter.Rules[0]
	assert.Equal(t, limiter.ScopeIP, login.Scope)
	assert.Equal(t, uint(8), login.MaxTokens)
	assert.Equal(t, time.Minute, login.RefillPeriod)
	require.NotNil(t, cfg.Limiter.Rules[2].Enabled)
	assert.False(t, *cfg.Limiter.Rules[2].Enabled)

	rs, err := cfg.Rules()
	require.NoError(t, err)
	rule, ok := rs.Lookup("GET /accounts/42")
	require.True(t, ok)
	assert.Equal(t, uint(10), rule.MaxTokens)

	rule, ok = rs.Lookup("POST /auth/login")
	require.True(t, ok)
	assert.InDelta(t, 5.0/60.0, rule.RefillRate, 1e-12)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`limiter: {storage_type: memory}`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, limiter.DefaultStorageTimeout, cfg.Redis.Timeout)
	assert.Equal(t, AuditLog, cfg.Audit.Mode)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Nil(t, cfg.Database)
	assert.False(t, cfg.NeedsRedis())

	cfg, err = Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, limiter.StorageRedis, cfg.Limiter.StorageType)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad storage":        `limiter: {storage_type: etcd}`,
		"sql without db":     `audit: {mode: sql}`,
		"unknown audit mode": `audit: {mode: kafka}`,
		"bad log level":      `log: {level: loud}`,
		"bad log format":     `log: {format: xml}`,
		"bad database":       `database: {driver: oracle, database: x}`,
		"unknown key":        `servr: {addr: ":1"}`,
		"negative tokens":    "limiter:\n  rules:\n    - {endpoint: a, max_tokens: -1, refill_rate: 1}",
		"bad duration":       `server: {shutdown_timeout: soon}`,
		"not yaml":           `[unclosed`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestRules_InvalidRuleIsConfigError(t *testing.T) {
	cfg, err := Parse([]byte("limiter:\n  rules:\n    - {endpoint: a, max_tokens: 1, refill_rate: 1, cost: 2}"))
	require.NoError(t, err)

	_, err = cfg.Rules()
	var cfgErr *limiter.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "cost", cfgErr.Field)
}

func TestRules_WindowTooLong(t *testing.T) {
	cfg, err := Parse([]byte("limiter:\n  rules:\n    - {endpoint: a, max_tokens: 300, refill_rate: 1, refill_period: 8760h}"))
	require.NoError(t, err)

	_, err = cfg.Rules()
	var cfgErr *limiter.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "refill_rate", cfgErr.Field)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Limiter.Rules, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("THROTTLE_HOST", "redis.internal")
	t.Setenv("THROTTLE_DEBUG", "true")

	got := expandEnvVars(map[string]any{
		"addr":    "${THROTTLE_HOST}:6379",
		"simple":  "$THROTTLE_HOST",
		"debug":   "${THROTTLE_DEBUG}",
		"missing": "${THROTTLE_NOT_SET:-fallback}",
		"rate":    "${THROTTLE_NOT_SET:-0.5}",
		"list":    []any{"${THROTTLE_NOT_SET:-3}", 4},
		"plain":   "no vars here",
	})
	assert.Equal(t, map[string]any{
		"addr":    "redis.internal:6379",
		"simple":  "redis.internal",
		"debug":   true,
		"missing": "fallback",
		"rate":    0.5,
		"list":    []any{3, 4},
		"plain":   "no vars here",
	}, got)
}

func TestLoadEnvFiles(t *testing.T) {
	t.Chdir(t.TempDir())

	require.NoError(t, LoadEnvFiles(), "missing files are ignored")

	require.NoError(t, os.WriteFile(".env", []byte("THROTTLE_FROM_DOTENV=yes\n"), 0o600))
	t.Setenv("THROTTLE_FROM_DOTENV", "")
	require.NoError(t, os.Unsetenv("THROTTLE_FROM_DOTENV"))
	require.NoError(t, LoadEnvFiles())
	assert.Equal(t, "yes", os.Getenv("THROTTLE_FROM_DOTENV"))
}

func TestDatabaseConfig(t *testing.T) {
	pg := &DatabaseConfig{Driver: "postgres", Host: "db", Database: "audit", Username: "u", Password: "p"}
	pg.SetDefaults()
	require.NoError(t, pg.Validate())
	assert.Equal(t, "host=db port=5432 dbname=audit user=u password=p sslmode=disable", pg.DSN())
	assert.Equal(t, "postgres", pg.DriverName())

	my := &DatabaseConfig{Driver: "mysql", Host: "db", Database: "audit", Username: "u", Password: "p"}
	my.SetDefaults()
	assert.Equal(t, "u:p@tcp(db:3306)/audit?parseTime=true", my.DSN())

	lite := &DatabaseConfig{Driver: "sqlite3", Database: ":memory:"}
	lite.SetDefaults()
	require.NoError(t, lite.Validate())
	assert.Equal(t, "sqlite", lite.Dialect())

	db, err := lite.Open(context.Background())
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)

	assert.Error(t, (&DatabaseConfig{Driver: "mysql", Database: "audit"}).Validate(), "host is required")
	assert.Error(t, (&DatabaseConfig{Driver: "sqlite"}).Validate(), "database is required")
}

func TestLogConfig_Apply(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, LogConfig{Level: "warn", Format: "json"}.Apply(&buf))
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	assert.Error(t, LogConfig{Level: "loud"}.Apply(&buf))
}
