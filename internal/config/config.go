package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	BaseDomain    string   `mapstructure:"BASE_DOMAIN"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	RequestTimeoutMS int    `mapstructure:"REQUEST_TIMEOUT_MS"`
	LogLevel         string `mapstructure:"LOG_LEVEL"`
	LogFile          string `mapstructure:"LOG_FILE"`

	RedisURL    string `mapstructure:"REDIS_URL"`
	LockEnabled bool   `mapstructure:"LOCK_ENABLED"`
	LockTTLMS   int    `mapstructure:"LOCK_TTL_MS"`
	LockWaitMS  int    `mapstructure:"LOCK_WAIT_MS"`

	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	TracingOutput  string `mapstructure:"TRACING_OUTPUT"`

	PatientIDPolicy         string `mapstructure:"PATIENT_ID_POLICY"`
	PatientIDMaxRetries     int    `mapstructure:"PATIENT_ID_MAX_RETRIES"`
	PatientIDBackoffMS      int    `mapstructure:"PATIENT_ID_BACKOFF_MS"`
	PatientIDStrictParse    bool   `mapstructure:"PATIENT_ID_STRICT_PARSE"`
	PatientIDStoreSequence  bool   `mapstructure:"PATIENT_ID_STORE_SEQUENCE"`
	PatientIDTimezone       string `mapstructure:"PATIENT_ID_TIMEZONE"`
	RegistrationMaxAttempts int    `mapstructure:"REGISTRATION_MAX_ATTEMPTS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "BASE_DOMAIN", "CORS_ORIGINS",
	"AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"REQUEST_TIMEOUT_MS", "LOG_LEVEL", "LOG_FILE",
	"REDIS_URL", "LOCK_ENABLED", "LOCK_TTL_MS", "LOCK_WAIT_MS",
	"METRICS_ENABLED", "TRACING_ENABLED", "TRACING_OUTPUT",
	"PATIENT_ID_POLICY", "PATIENT_ID_MAX_RETRIES", "PATIENT_ID_BACKOFF_MS",
	"PATIENT_ID_STRICT_PARSE", "PATIENT_ID_STORE_SEQUENCE", "PATIENT_ID_TIMEZONE",
	"REGISTRATION_MAX_ATTEMPTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT_MS", 30000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOCK_TTL_MS", 5000)
	v.SetDefault("LOCK_WAIT_MS", 2000)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("TRACING_OUTPUT", "stdout")
	v.SetDefault("PATIENT_ID_POLICY", "monotonic")
	v.SetDefault("PATIENT_ID_MAX_RETRIES", 3)
	v.SetDefault("PATIENT_ID_BACKOFF_MS", 100)
	v.SetDefault("PATIENT_ID_TIMEZONE", "UTC")
	v.SetDefault("REGISTRATION_MAX_ATTEMPTS", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments run without authentication and everything else expects
// HS256 bearer tokens.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Location loads PATIENT_ID_TIMEZONE, the zone daily identifiers are dated in.
func (c *Config) Location() (*time.Location, error) {
	if c.PatientIDTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.PatientIDTimezone)
	if err != nil {
		return nil, fmt.Errorf("PATIENT_ID_TIMEZONE: %w", err)
	}
	return loc, nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) BackoffStep() time.Duration {
	return time.Duration(c.PatientIDBackoffMS) * time.Millisecond
}

// RegistrationBackoffBudget is the total time one registration can spend
// sleeping between allocator retries across all of its insert attempts.
func (c *Config) RegistrationBackoffBudget() time.Duration {
	n := c.PatientIDMaxRetries
	perAllocate := c.BackoffStep() * time.Duration(n*(n-1)/2)
	return perAllocate * time.Duration(c.RegistrationMaxAttempts)
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLMS) * time.Millisecond
}

func (c *Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitMS) * time.Millisecond
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "jwt":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch strings.ToLower(strings.TrimSpace(c.PatientIDPolicy)) {
	case "monotonic", "daily":
	default:
		return fmt.Errorf("PATIENT_ID_POLICY must be \"monotonic\" or \"daily\", got %q", c.PatientIDPolicy)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.PatientIDMaxRetries < 1 || c.PatientIDMaxRetries > 10 {
		return fmt.Errorf("PATIENT_ID_MAX_RETRIES must be between 1 and 10, got %d", c.PatientIDMaxRetries)
	}
	if c.PatientIDBackoffMS < 0 {
		return fmt.Errorf("PATIENT_ID_BACKOFF_MS must not be negative, got %d", c.PatientIDBackoffMS)
	}
	if c.RegistrationMaxAttempts < 1 {
		return fmt.Errorf("REGISTRATION_MAX_ATTEMPTS must be at least 1, got %d", c.RegistrationMaxAttempts)
	}

	if c.LockEnabled {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_ENABLED is true")
		}
		if c.LockTTLMS <= 0 || c.LockWaitMS < 0 {
			return fmt.Errorf("LOCK_TTL_MS must be positive and LOCK_WAIT_MS not negative")
		}
		if backoff := c.RegistrationBackoffBudget(); c.LockTTL() <= 2*backoff {
			return fmt.Errorf("LOCK_TTL_MS (%d) must exceed twice the registration backoff budget of %s", c.LockTTLMS, backoff)
		}
	}

	switch c.TracingOutput {
	case "stdout", "stderr":
	default:
		if c.TracingEnabled && c.TracingOutput == "" {
			return fmt.Errorf("TRACING_OUTPUT is required when TRACING_ENABLED is true")
		}
	}

	return nil
}
