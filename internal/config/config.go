// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"authsession/internal/security"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTAccessSecret is the HMAC secret for access tokens, inline or "file:/path".
	JWTAccessSecret string `mapstructure:"JWT_ACCESS_SECRET"`
	// JWTRefreshSecret is the HMAC secret for refresh tokens; must differ from the access secret.
	JWTRefreshSecret string `mapstructure:"JWT_REFRESH_SECRET"`
	// AccessTTLMin is the access token lifetime in minutes.
	AccessTTLMin int `mapstructure:"ACCESS_TTL_MIN"`
	// RefreshTTLDays is the refresh token and session lifetime in days.
	RefreshTTLDays int `mapstructure:"REFRESH_TTL_DAYS"`
	// MaxSessions is the per-user cap on concurrent device sessions.
	MaxSessions int `mapstructure:"MAX_SESSIONS"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// RefreshCookieName is the name of the HttpOnly refresh token cookie.
	RefreshCookieName string `mapstructure:"REFRESH_COOKIE_NAME"`
	// Env is the application environment; "production" marks the refresh cookie Secure and SameSite=None.
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the minimum zerolog level.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// PolicyFile optionally replaces the built-in Rego access policy.
	PolicyFile string `mapstructure:"POLICY_FILE"`
	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	// Leave off unless a proxy in front overwrites those headers.
	TrustProxyHeaders bool `mapstructure:"TRUST_PROXY_HEADERS"`
	// DBConnectTimeout bounds the startup retries against the database.
	DBConnectTimeout time.Duration `mapstructure:"DB_CONNECT_TIMEOUT"`

	// OTLPEndpoint is the OTLP gRPC collector (host:port). Empty disables exporting.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTELServiceName is the service.name resource attribute.
	OTELServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if fields are invalid.
// Token secrets are checked separately by TokenConfig so tools such as cmd/migrate can run without them.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_ACCESS_SECRET", "")
	v.SetDefault("JWT_REFRESH_SECRET", "")
	v.SetDefault("ACCESS_TTL_MIN", 15)
	v.SetDefault("REFRESH_TTL_DAYS", 30)
	v.SetDefault("MAX_SESSIONS", 5)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REFRESH_COOKIE_NAME", "refreshToken")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("DB_CONNECT_TIMEOUT", "30s")
	v.SetDefault("TRUST_PROXY_HEADERS", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "authsession")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}
	if cfg.AccessTTLMin <= 0 {
		return nil, errors.New("config: ACCESS_TTL_MIN must be positive")
	}
	if cfg.RefreshTTLDays <= 0 {
		return nil, errors.New("config: REFRESH_TTL_DAYS must be positive")
	}
	if cfg.MaxSessions < 1 {
		return nil, errors.New("config: MAX_SESSIONS must be at least 1")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.RefreshCookieName == "" {
		return nil, errors.New("config: REFRESH_COOKIE_NAME must be set")
	}

	return &cfg, nil
}

// AccessTTL returns the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTTLMin) * time.Minute
}

// RefreshTTL returns the refresh token and session lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLDays) * 24 * time.Hour
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// TokenConfig loads both secrets and returns the immutable token configuration.
func (c *Config) TokenConfig() (security.TokenConfig, error) {
	access, err := security.LoadSecret(c.JWTAccessSecret)
	if err != nil {
		return security.TokenConfig{}, fmt.Errorf("config: JWT_ACCESS_SECRET: %w", err)
	}
	refresh, err := security.LoadSecret(c.JWTRefreshSecret)
	if err != nil {
		return security.TokenConfig{}, fmt.Errorf("config: JWT_REFRESH_SECRET: %w", err)
	}
	if string(access) == string(refresh) {
		return security.TokenConfig{}, errors.New("config: JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	return security.TokenConfig{
		AccessSecret:  access,
		RefreshSecret: refresh,
		AccessTTL:     c.AccessTTL(),
		RefreshTTL:    c.RefreshTTL(),
	}, nil
}

// AccessPolicy returns the Rego module from PolicyFile, or "" for the built-in policy.
func (c *Config) AccessPolicy() (string, error) {
	if c.PolicyFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.PolicyFile)
	if err != nil {
		return "", fmt.Errorf("config: POLICY_FILE: %w", err)
	}
	return string(b), nil
}
