// Package config loads application configuration from defaults, an optional YAML file
// and SHOP_ prefixed environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix         = "SHOP_"
	defaultConfigFile = "config.yaml"
	minSecretLength   = 32
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	JWT       JWTConfig       `koanf:"jwt"`
	Cookie    CookieConfig    `koanf:"cookie"`
	CORS      CORSConfig      `koanf:"cors"`
	Auth      AuthConfig      `koanf:"auth"`
	Email     EmailConfig     `koanf:"email"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig contains token signing settings.
type JWTConfig struct {
	// SecretKey is base64 encoded and must decode to at least 32 bytes.
	SecretKey                 string        `koanf:"secret_key"`
	AccessTokenDuration       time.Duration `koanf:"access_token_duration"`
	RefreshTokenDuration      time.Duration `koanf:"refresh_token_duration"`
	VerificationTokenDuration time.Duration `koanf:"verification_token_duration"`
}

// CookieConfig contains refresh cookie settings.
type CookieConfig struct {
	Secure      bool   `koanf:"secure"`
	Domain      string `koanf:"domain"`
	RefreshPath string `koanf:"refresh_path"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// AuthConfig contains authentication flow settings.
type AuthConfig struct {
	RequireVerifiedLogin bool          `koanf:"require_verified_login"`
	VerificationBaseURL  string        `koanf:"verification_base_url"`
	ResendCooldown       time.Duration `koanf:"resend_cooldown"`
	EmailTimeout         time.Duration `koanf:"email_timeout"`
	BcryptCost           int           `koanf:"bcrypt_cost"`
	// BootstrapAdminEmail and BootstrapAdminPassword provision the first administrator at startup.
	BootstrapAdminEmail    string `koanf:"bootstrap_admin_email"`
	BootstrapAdminPassword string `koanf:"bootstrap_admin_password"`
}

// EmailConfig contains SMTP settings.
type EmailConfig struct {
	Enabled      bool   `koanf:"enabled"`
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address"`
	MaxAttempts  int    `koanf:"max_attempts"`
}

// RateLimitConfig contains per-IP rate limits for credential endpoints.
type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// Default returns the configuration used when no file or environment overrides are set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			AccessTokenDuration:       15 * time.Minute,
			RefreshTokenDuration:      7 * 24 * time.Hour,
			VerificationTokenDuration: 24 * time.Hour,
		},
		Cookie: CookieConfig{
			Secure:      true,
			RefreshPath: "/api/v1/auth",
		},
		Auth: AuthConfig{
			RequireVerifiedLogin: true,
			VerificationBaseURL:  "http://localhost:8080",
			ResendCooldown:       5 * time.Minute,
			EmailTimeout:         10 * time.Second,
			BcryptCost:           12,
		},
		Email: EmailConfig{
			SMTPPort:    587,
			MaxAttempts: 3,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1,
			Burst:             5,
		},
	}
}

// Load reads configuration. The YAML file named by CONFIG_FILE (default config.yaml) is optional.
func Load() (*Config, error) {
	k := koanf.New(".")

	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps SHOP_JWT_SECRET_KEY to jwt.secret_key: the first underscore separates section and key.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// Validate checks settings the application cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}

	secret, err := base64.StdEncoding.DecodeString(c.JWT.SecretKey)
	switch {
	case c.JWT.SecretKey == "":
		errs = append(errs, errors.New("jwt.secret_key is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("jwt.secret_key must be base64: %w", err))
	case len(secret) < minSecretLength:
		errs = append(errs, fmt.Errorf("jwt.secret_key must decode to at least %d bytes", minSecretLength))
	}

	for name, d := range map[string]time.Duration{
		"jwt.access_token_duration":       c.JWT.AccessTokenDuration,
		"jwt.refresh_token_duration":      c.JWT.RefreshTokenDuration,
		"jwt.verification_token_duration": c.JWT.VerificationTokenDuration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("ratelimit.requests_per_second must be positive"))
	}

	if (c.Auth.BootstrapAdminEmail == "") != (c.Auth.BootstrapAdminPassword == "") {
		errs = append(errs, errors.New("auth.bootstrap_admin_email and auth.bootstrap_admin_password must be set together"))
	}

	return errors.Join(errs...)
}
