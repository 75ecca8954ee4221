// internal/config/config.go
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds all server-related settings
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // actor request/response budget
	PersistTimeout time.Duration `yaml:"persist_timeout"` // budget of a single persistence call
}

// DatabaseConfig holds database configuration settings
type DatabaseConfig struct {
	Type       string `yaml:"type"` // postgres, sqlite, mongo or memory
	URI        string `yaml:"uri"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Name       string `yaml:"name"`
	SSLMode    string `yaml:"ssl_mode"`
	SQLitePath string `yaml:"sqlite_path"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// RateLimitConfig is the per-identity token bucket
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config holds the complete application configuration
type Config struct {
	Server         *ServerConfig    `yaml:"server"`
	Database       *DatabaseConfig  `yaml:"database"`
	Auth           *AuthConfig      `yaml:"auth"`
	RateLimit      *RateLimitConfig `yaml:"rate_limit"`
	LogLevel       string           `yaml:"log_level"`
	AllowedOrigins []string         `yaml:"allowed_origins"`
	Debug          bool             `yaml:"debug"`
}

// DefaultConfig provides default server settings
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:           8080,
		Host:           "0.0.0.0",
		MetricsEnabled: true,
		RequestTimeout: 5 * time.Second,
		PersistTimeout: 4 * time.Second,
	}
}

// DefaultDatabaseConfig provides default database settings
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Type:       "postgres",
		Port:       5432,
		SSLMode:    "require",
		Name:       "portal",
		SQLitePath: "portal-messaging.db",
	}
}

// DefaultAuthConfig provides default token settings
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Issuer:   "portal-messaging",
		TokenTTL: 24 * time.Hour,
	}
}

// Default returns a complete configuration with every default applied.
func Default() *Config {
	return &Config{
		Server:         DefaultConfig(),
		Database:       DefaultDatabaseConfig(),
		Auth:           DefaultAuthConfig(),
		RateLimit:      &RateLimitConfig{RPS: 20, Burst: 40},
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
	}
}

// LoadConfig loads configuration from an optional YAML file and environment
// variables, applying defaults for everything left unset.
func LoadConfig() (*Config, error) {
	loadDotEnv()

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Database.resolveURI(); err != nil {
		return nil, err
	}

	if cfg.Auth.JWTSecret == "" {
		if !cfg.Debug {
			return nil, fmt.Errorf("JWT_SECRET environment variable is required")
		}
		slog.Warn("JWT_SECRET not set, using an insecure development secret")
		cfg.Auth.JWTSecret = "portal-messaging-development-secret"
	}

	return cfg, nil
}

func loadDotEnv() {
	// Try to load .env file from multiple possible locations
	envLocations := []string{
		".env",          // Current directory
		"../../.env",    // Project root when running from cmd/engine
		"../../../.env", // Even higher directory
		filepath.Join(os.Getenv("GOPATH"), "src/portal-messaging/.env"),
	}

	for _, location := range envLocations {
		if err := godotenv.Load(location); err == nil {
			return
		}
	}
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	// a section omitted from the file decodes to nil
	def := Default()
	if cfg.Server == nil {
		cfg.Server = def.Server
	}
	if cfg.Database == nil {
		cfg.Database = def.Database
	}
	if cfg.Auth == nil {
		cfg.Auth = def.Auth
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = def.RateLimit
	}
	return nil
}

func applyEnv(cfg *Config) {
	if portStr := os.Getenv("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Server.Port = port
		}
	}
	if host := os.Getenv("HOST"); host != "" {
		cfg.Server.Host = host
	}
	if metricsEnabled := os.Getenv("METRICS_ENABLED"); metricsEnabled != "" {
		cfg.Server.MetricsEnabled = metricsEnabled == "true"
	}
	if d, ok := envDuration("REQUEST_TIMEOUT"); ok {
		cfg.Server.RequestTimeout = d
	}
	if d, ok := envDuration("PERSIST_TIMEOUT"); ok {
		cfg.Server.PersistTimeout = d
	}

	db := cfg.Database
	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		db.Type = strings.ToLower(dbType)
	}
	if uri := os.Getenv("DATABASE_URL"); uri != "" {
		db.URI = uri
	}
	db.Host = getEnvOrDefault("DB_HOST", db.Host)
	if portStr := os.Getenv("DB_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			db.Port = port
		}
	}
	db.User = getEnvOrDefault("DB_USER", db.User)
	db.Password = getEnvOrDefault("DB_PASSWORD", db.Password)
	db.Name = getEnvOrDefault("DB_NAME", db.Name)
	db.SSLMode = getEnvOrDefault("DB_SSL_MODE", db.SSLMode)
	db.SQLitePath = getEnvOrDefault("SQLITE_PATH", db.SQLitePath)

	cfg.Auth.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = getEnvOrDefault("JWT_ISSUER", cfg.Auth.Issuer)
	if d, ok := envDuration("TOKEN_TTL"); ok {
		cfg.Auth.TokenTTL = d
	}

	if rps := os.Getenv("RATE_LIMIT_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.RateLimit.RPS = v
		}
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		if v, err := strconv.Atoi(burst); err == nil {
			cfg.RateLimit.Burst = v
		}
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}

	if debug := os.Getenv("DEBUG"); debug != "" {
		cfg.Debug = debug == "true"
	}
}

// resolveURI fills URI for the selected backend and validates what each
// backend needs.
func (db *DatabaseConfig) resolveURI() error {
	switch db.Type {
	case "postgres":
		if db.URI != "" {
			db.SSLMode = getSSLModeFromURI(db.URI)
			return nil
		}
		if db.Host == "" {
			db.Host = "localhost"
		}
		if db.User == "" {
			return fmt.Errorf("DB_USER environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
		}
		if db.Password == "" {
			return fmt.Errorf("DB_PASSWORD environment variable is required when DB_TYPE is postgres and DATABASE_URL is not set")
		}
		db.URI = fmt.Sprintf(
			"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
			db.User,
			db.Password,
			db.Host,
			db.Port,
			db.Name,
			db.SSLMode,
		)
	case "mongo":
		if db.URI == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_TYPE is mongo")
		}
	case "sqlite":
		if db.URI == "" {
			db.URI = fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(db.SQLitePath))
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_TYPE %q (want postgres, sqlite, mongo or memory)", db.Type)
	}
	return nil
}

// Helper function to get environment variable with default fallback
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string) (time.Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring malformed duration", "key", key, "value", raw, "error", err)
		return 0, false
	}
	return d, true
}

// Helper function to extract sslmode from a DSN, defaults to "require"
func getSSLModeFromURI(uri string) string {
	if strings.Contains(uri, "sslmode=") {
		parts := strings.Split(uri, "?")
		if len(parts) > 1 {
			queryParams := strings.Split(parts[1], "&")
			for _, param := range queryParams {
				kv := strings.SplitN(param, "=", 2)
				if len(kv) == 2 && kv[0] == "sslmode" {
					return kv[1]
				}
			}
		}
	}
	return "require"
}
