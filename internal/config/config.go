// Package config loads signportal configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, and environment variables (a .env file in the working
// directory is loaded first when present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string         `yaml:"env"`
	LogLevel string         `yaml:"log_level"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Storage  StorageConfig  `yaml:"storage"`
	Mail     MailConfig     `yaml:"mail"`
	Geo      GeoConfig      `yaml:"geo"`
	Admin    AdminConfig    `yaml:"admin"`
}

type HTTPConfig struct {
	Addr          string        `yaml:"addr"`
	PublicBaseURL string        `yaml:"public_base_url"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxUploadMB   int64         `yaml:"max_upload_mb"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	PasswordMinLength int           `yaml:"password_min_length"`
	ResendCooldown    time.Duration `yaml:"resend_cooldown"`
	TOTPIssuer        string        `yaml:"totp_issuer"`
}

type ThrottleConfig struct {
	Limit          int           `yaml:"limit"`
	Cooldown       time.Duration `yaml:"cooldown"`
	BlockThreshold int           `yaml:"block_threshold"`
	// RedisURL selects the redis-backed counter store; empty keeps counters in memory.
	RedisURL string `yaml:"redis_url"`
}

type StorageConfig struct {
	Root       string        `yaml:"root"`
	SigningKey string        `yaml:"signing_key"`
	URLTTL     time.Duration `yaml:"url_ttl"`
	Compress   bool          `yaml:"compress"`
}

type MailConfig struct {
	Endpoint             string `yaml:"endpoint"`
	APIKey               string `yaml:"api_key"`
	Sender               string `yaml:"sender"`
	WarningTemplate      int    `yaml:"warning_template"`
	BlockedTemplate      int    `yaml:"blocked_template"`
	VerificationTemplate int    `yaml:"verification_template"`
}

type GeoConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AdminConfig struct {
	SeedEmail    string `yaml:"seed_email"`
	SeedPassword string `yaml:"seed_password"`
}

func Default() Config {
	return Config{
		Env:      "development",
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:          ":8080",
			PublicBaseURL: "http://localhost:8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  60 * time.Second,
			MaxUploadMB:   32,
		},
		Database: DatabaseConfig{Driver: "postgres"},
		Auth: AuthConfig{
			TokenTTL:          24 * time.Hour,
			PasswordMinLength: 8,
			ResendCooldown:    60 * time.Second,
			TOTPIssuer:        "signportal",
		},
		Throttle: ThrottleConfig{
			Limit:          5,
			Cooldown:       60 * time.Second,
			BlockThreshold: 10,
		},
		Storage: StorageConfig{
			Root:     "data/blobs",
			URLTTL:   15 * time.Minute,
			Compress: true,
		},
		Mail: MailConfig{
			Sender:               "no-reply@signportal.local",
			WarningTemplate:      1,
			BlockedTemplate:      2,
			VerificationTemplate: 3,
		},
		Geo: GeoConfig{
			Endpoints: []string{"https://ipapi.co/%s/json/", "https://ipwho.is/%s"},
			Timeout:   3 * time.Second,
		},
		Admin: AdminConfig{SeedEmail: "admin@signportal.local"},
	}
}

// Load builds the configuration. path may be empty, in which case
// SIGNPORTAL_CONFIG is consulted; no file at all is fine.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path == "" {
		path = os.Getenv("SIGNPORTAL_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("APP_ENV", &cfg.Env)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("DB_DRIVER", &cfg.Database.Driver)
	str("DATABASE_URL", &cfg.Database.DSN)
	str("PUBLIC_BASE_URL", &cfg.HTTP.PublicBaseURL)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("REDIS_URL", &cfg.Throttle.RedisURL)
	str("STORAGE_ROOT", &cfg.Storage.Root)
	str("STORAGE_SIGNING_KEY", &cfg.Storage.SigningKey)
	str("MAIL_API_URL", &cfg.Mail.Endpoint)
	str("MAIL_API_KEY", &cfg.Mail.APIKey)
	str("MAIL_SENDER", &cfg.Mail.Sender)
	str("ADMIN_EMAIL", &cfg.Admin.SeedEmail)
	str("ADMIN_PASSWORD", &cfg.Admin.SeedPassword)
	if port := os.Getenv("HTTP_PORT"); port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	if s := os.Getenv("JWT_EXPIRES_IN"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("JWT_EXPIRES_IN: %w", err)
		}
		cfg.Auth.TokenTTL = d
	}
	if s := os.Getenv("STORAGE_COMPRESS"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("STORAGE_COMPRESS: %w", err)
		}
		cfg.Storage.Compress = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is empty (DATABASE_URL)"))
	}
	if c.Auth.JWTSecret == "" && c.Env != "development" {
		errs = append(errs, errors.New("JWT_SECRET is required outside development"))
	}
	if c.Throttle.Limit <= 0 || c.Throttle.BlockThreshold < c.Throttle.Limit {
		errs = append(errs, errors.New("throttle.limit must be positive and not above throttle.block_threshold"))
	}
	if c.Throttle.Cooldown <= 0 {
		errs = append(errs, errors.New("throttle.cooldown must be positive"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	r := c
	if r.Auth.JWTSecret != "" {
		r.Auth.JWTSecret = "[REDACTED]"
	}
	if r.Storage.SigningKey != "" {
		r.Storage.SigningKey = "[REDACTED]"
	}
	if r.Mail.APIKey != "" {
		r.Mail.APIKey = "[REDACTED]"
	}
	r.Admin.SeedPassword = "[REDACTED]"
	r.Database.DSN = "[REDACTED]"
	return r
}
