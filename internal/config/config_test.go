package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DB_TYPE", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/portal.db")
	t.Setenv("PORT", "9090")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REQUEST_TIMEOUT", "2s")
	t.Setenv("RATE_LIMIT_RPS", "7.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "file:/tmp/portal.db?_foreign_keys=on&_busy_timeout=5000", cfg.Database.URI)
	assert.Equal(t, 2*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 4*time.Second, cfg.Server.PersistTimeout)
	assert.Equal(t, 7.5, cfg.RateLimit.RPS)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portal.yaml")
	data := []byte(`
server:
  port: 7000
  request_timeout: 3s
database:
  type: memory
auth:
  jwt_secret: from-file
  token_ttl: 1h
log_level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HOST", "127.0.0.1")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "debug", cfg.LogLevel)
	// omitted section falls back to defaults
	require.NotNil(t, cfg.RateLimit)
	assert.Equal(t, 40, cfg.RateLimit.Burst)
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("DB_TYPE", "memory")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DEBUG", "false")

	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("DEBUG", "true")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.True(t, cfg.Debug)
}

func TestResolveURI(t *testing.T) {
	db := &DatabaseConfig{Type: "postgres", URI: "postgres://u:p@db/portal?sslmode=disable"}
	require.NoError(t, db.resolveURI())
	assert.Equal(t, "disable", db.SSLMode)

	db = &DatabaseConfig{Type: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "portal", SSLMode: "require"}
	require.NoError(t, db.resolveURI())
	assert.Equal(t, "postgresql://u:p@db:5432/portal?sslmode=require", db.URI)

	assert.Error(t, (&DatabaseConfig{Type: "postgres"}).resolveURI())
	assert.Error(t, (&DatabaseConfig{Type: "mongo"}).resolveURI())
	assert.Error(t, (&DatabaseConfig{Type: "oracle"}).resolveURI())
	assert.NoError(t, (&DatabaseConfig{Type: "memory"}).resolveURI())
}
