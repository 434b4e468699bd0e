package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	API        APIConfig
	Database   DatabaseConfig
	Hypervisor HypervisorConfig
	Solapi     SolapiConfig
	Expiry     ExpiryConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	PostHog    PostHogConfig
	Metrics    MetricsConfig

	CatalogFile   string
	EncryptionKey string
}

type APIConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	TrustedProxies  []string
	AdminKey        string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type HypervisorConfig struct {
	CallTimeout      time.Duration
	CreateTimeout    time.Duration
	TaskPollInterval time.Duration
	VerifySSL        bool // default for hosts registered without verify_ssl
	NamePrefix       string
	CloneMode        string
	DefaultUser      string
}

type SolapiConfig struct {
	APIKey     string
	APISecret  string
	From       string
	BaseURL    string
	RatePerSec float64
}

type ExpiryConfig struct {
	WarningDays  int
	SweepEnabled bool
	OrphanScan   bool
}

type AuthConfig struct {
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	JWTAlgorithm string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type PostHogConfig struct {
	APIKey   string
	Endpoint string
}

type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// Validate checks that required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	for name, d := range map[string]time.Duration{
		"API_READ_TIMEOUT":              c.API.ReadTimeout,
		"API_WRITE_TIMEOUT":             c.API.WriteTimeout,
		"API_IDLE_TIMEOUT":              c.API.IdleTimeout,
		"HYPERVISOR_CALL_TIMEOUT":       c.Hypervisor.CallTimeout,
		"HYPERVISOR_CREATE_TIMEOUT":     c.Hypervisor.CreateTimeout,
		"HYPERVISOR_TASK_POLL_INTERVAL": c.Hypervisor.TaskPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Expiry.WarningDays < 1 {
		errs = append(errs, fmt.Errorf("EXPIRY_WARNING_DAYS must be at least 1"))
	}
	if c.Auth.JWTIssuer != "" && c.Auth.JWTAudience == "" {
		errs = append(errs, fmt.Errorf("JWT_AUDIENCE is required when JWT_ISSUER is set"))
	}
	if c.Solapi.APIKey != "" && (c.Solapi.APISecret == "" || c.Solapi.From == "") {
		errs = append(errs, fmt.Errorf("SOLAPI_SECRET and SOLAPI_FROM are required when SOLAPI_KEY is set"))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if c.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set: hypervisor credentials will be stored in plaintext")
	}
	if c.Solapi.APIKey == "" {
		slog.Warn("SOLAPI_KEY not set: notifications will only be logged")
	}
	if c.Auth.JWTSecret == "" && c.API.AdminKey == "" {
		slog.Warn("neither JWT_SECRET nor API_ADMIN_KEY set: authenticated routes will reject every request")
	}
	return nil
}

// Load reads configuration from the environment, after merging in a .env
// file from the working directory when one exists.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env", "error", err)
	}

	return &Config{
		API: APIConfig{
			Addr:            envOr("API_ADDR", ":8080"),
			ReadTimeout:     envDuration("API_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    envDuration("API_WRITE_TIMEOUT", 6*time.Minute),
			IdleTimeout:     envDuration("API_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: envDuration("API_SHUTDOWN_TIMEOUT", 20*time.Second),
			RateLimitRPS:    envFloat("API_RATE_LIMIT_RPS", 5),
			RateLimitBurst:  envInt("API_RATE_LIMIT_BURST", 20),
			TrustedProxies:  envStringSlice("API_TRUSTED_PROXIES"),
			AdminKey:        os.Getenv("API_ADMIN_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 16),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 8),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", time.Hour),
			AutoMigrate:     envBool("DATABASE_AUTO_MIGRATE", true),
		},
		Hypervisor: HypervisorConfig{
			CallTimeout:      envDuration("HYPERVISOR_CALL_TIMEOUT", 30*time.Second),
			CreateTimeout:    envDuration("HYPERVISOR_CREATE_TIMEOUT", 5*time.Minute),
			TaskPollInterval: envDuration("HYPERVISOR_TASK_POLL_INTERVAL", 2*time.Second),
			VerifySSL:        envBool("HYPERVISOR_VERIFY_SSL", true),
			NamePrefix:       envOr("HYPERVISOR_NAME_PREFIX", "vc"),
			CloneMode:        envOr("HYPERVISOR_CLONE_MODE", "full"),
			DefaultUser:      envOr("HYPERVISOR_DEFAULT_USER", "root"),
		},
		Solapi: SolapiConfig{
			APIKey:     os.Getenv("SOLAPI_KEY"),
			APISecret:  os.Getenv("SOLAPI_SECRET"),
			From:       os.Getenv("SOLAPI_FROM"),
			BaseURL:    envOr("SOLAPI_BASE_URL", "https://api.solapi.com"),
			RatePerSec: envFloat("SOLAPI_RATE_PER_SEC", 10),
		},
		Expiry: ExpiryConfig{
			WarningDays:  envInt("EXPIRY_WARNING_DAYS", 3),
			SweepEnabled: envBool("EXPIRY_SWEEP_ENABLED", true),
			OrphanScan:   envBool("ORPHAN_SCAN_ENABLED", false),
		},
		Auth: AuthConfig{
			JWTSecret:    os.Getenv("JWT_SECRET"),
			JWTIssuer:    os.Getenv("JWT_ISSUER"),
			JWTAudience:  os.Getenv("JWT_AUDIENCE"),
			JWTAlgorithm: envOr("JWT_ALGORITHM", "HS256"),
		},
		Logging: LoggingConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "text"),
		},
		PostHog: PostHogConfig{
			APIKey:   os.Getenv("POSTHOG_API_KEY"),
			Endpoint: os.Getenv("POSTHOG_ENDPOINT"),
		},
		Metrics: MetricsConfig{
			Enabled:   envBool("METRICS_ENABLED", true),
			Namespace: envOr("METRICS_NAMESPACE", "vibehost"),
		},
		CatalogFile:   os.Getenv("CATALOG_FILE"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
	}
}

// SlogLevel maps Logging.Level onto a slog level, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("invalid float for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return f
	}
	return fallback
}

func envStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
