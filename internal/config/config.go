// Package config provides configuration loading and validation for the audit
// API server. It uses koanf to merge environment variables with optional file
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// JWT Authentication. The previous secret keeps tokens valid across a
	// rotation window and may be empty.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTSecretPrevious string `koanf:"jwt_secret_previous"`

	// Redis (rate limiting). Empty address selects in-process counters.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`

	// MetricsToken gates the /metrics endpoint. Empty leaves it open.
	MetricsToken string `koanf:"metrics_token"`

	// Stripe webhook ingestion. The webhook route is only mounted when the
	// secret is configured.
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`

	// Archive (S3-compatible object storage for export archives)
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"` // Default: auto

	// OpenTelemetry tracing
	OTelEnabled      bool    `koanf:"otel_enabled"`
	OTelExporterType string  `koanf:"otel_exporter_type"` // otlp-grpc or otlp-http
	OTelEndpoint     string  `koanf:"otel_endpoint"`
	OTelSamplingRate float64 `koanf:"otel_sampling_rate"`
	OTelInsecure     bool    `koanf:"otel_insecure"`

	// Append retry budget for chain-head races between processes
	AppendRetryBudget  int           `koanf:"append_retry_budget"`
	AppendRetryBackoff time.Duration `koanf:"append_retry_backoff"`

	// VerifyInterval schedules the background verification sweep.
	// Zero disables the job.
	VerifyInterval time.Duration `koanf:"verify_interval"`

	// Rate limits in requests per minute. Zero means the limiter's
	// built-in default for that tier.
	RateLimitGlobal int `koanf:"rate_limit_global"`
	RateLimitVerify int `koanf:"rate_limit_verify"`
	RateLimitExport int `koanf:"rate_limit_export"`

	// CORS
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL            = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret              = errors.New("JWT_SECRET is required")
	ErrMissingArchiveBucket          = errors.New("ARCHIVE_BUCKET is required")
	ErrMissingArchiveAccessKeyID     = errors.New("ARCHIVE_ACCESS_KEY_ID is required")
	ErrMissingArchiveSecretAccessKey = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required")
	ErrMissingArchiveEndpoint        = errors.New("ARCHIVE_ENDPOINT is required")
	ErrInvalidRetryBudget            = errors.New("APPEND_RETRY_BUDGET must not be negative")
	ErrInvalidVerifyInterval         = errors.New("VERIFY_INTERVAL must not be negative")
)

// Default values for non-secret configuration.
const (
	DefaultPort               = 8080
	DefaultEnv                = "development"
	DefaultArchiveRegion      = "auto"
	DefaultOTelSamplingRate   = 1.0
	DefaultAppendRetryBudget  = 5
	DefaultAppendRetryBackoff = 25 * time.Millisecond
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, err := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	retryBudget, err := getEnvIntOrDefault("APPEND_RETRY_BUDGET", k.Int("append_retry_budget"), DefaultAppendRetryBudget)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	retryBackoff, err := getEnvDurationOrDefault("APPEND_RETRY_BACKOFF", k.Duration("append_retry_backoff"), DefaultAppendRetryBackoff)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	verifyInterval, err := getEnvDurationOrDefault("VERIFY_INTERVAL", k.Duration("verify_interval"), 0)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	samplingRate, err := getEnvFloatOrDefault("OTEL_SAMPLING_RATE", k.Float64("otel_sampling_rate"), DefaultOTelSamplingRate)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	rateLimitGlobal, err := getEnvIntOrDefault("RATE_LIMIT_GLOBAL", k.Int("rate_limit_global"), 0)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	rateLimitVerify, err := getEnvIntOrDefault("RATE_LIMIT_VERIFY", k.Int("rate_limit_verify"), 0)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	rateLimitExport, err := getEnvIntOrDefault("RATE_LIMIT_EXPORT", k.Int("rate_limit_export"), 0)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                port,
		Env:                 getEnvOrDefaultMulti([]string{"ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:         getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		JWTSecret:           getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTSecretPrevious:   getEnvOrKoanf("JWT_SECRET_PREVIOUS", k, "jwt_secret_previous"),
		RedisAddr:           getEnvOrKoanf("REDIS_ADDR", k, "redis_addr"),
		RedisPassword:       getEnvOrKoanf("REDIS_PASSWORD", k, "redis_password"),
		MetricsToken:        getEnvOrKoanf("METRICS_TOKEN", k, "metrics_token"),
		StripeWebhookSecret: getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),

		ArchiveBucket:          getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive_bucket"),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveRegion:          getEnvOrDefault("ARCHIVE_REGION", k.String("archive_region"), DefaultArchiveRegion),

		OTelEnabled:      getEnvBoolOrKoanf("OTEL_ENABLED", k, "otel_enabled", false),
		OTelExporterType: getEnvOrKoanf("OTEL_EXPORTER_TYPE", k, "otel_exporter_type"),
		OTelEndpoint:     getEnvOrKoanf("OTEL_ENDPOINT", k, "otel_endpoint"),
		OTelSamplingRate: samplingRate,
		OTelInsecure:     getEnvBoolOrKoanf("OTEL_INSECURE", k, "otel_insecure", false),

		AppendRetryBudget:  retryBudget,
		AppendRetryBackoff: retryBackoff,
		VerifyInterval:     verifyInterval,

		RateLimitGlobal: rateLimitGlobal,
		RateLimitVerify: rateLimitVerify,
		RateLimitExport: rateLimitExport,

		CORSAllowedOrigins: getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
// Note: A zero value in a YAML file falls back to the default; zero must be expressed by omission.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, err)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault returns the environment variable as a duration if set,
// otherwise the koanf value, or default. Accepts time.ParseDuration syntax ("250ms", "1h").
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", envKey, err)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrKoanf returns the environment variable as bool if set, otherwise
// the koanf value, or default. Accepts true/1/yes/on and false/0/no/off.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		// Env var takes precedence over file config
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// getEnvListOrKoanf returns the environment variable split on commas if set,
// otherwise the koanf string slice.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	if c.AppendRetryBudget < 0 {
		errs = append(errs, ErrInvalidRetryBudget)
	}
	if c.VerifyInterval < 0 {
		errs = append(errs, ErrInvalidVerifyInterval)
	}

	// Archive configuration is optional. Only validate fields if any archive value is set.
	if c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" || c.ArchiveEndpoint != "" {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKeyID)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretAccessKey)
		}
		if c.ArchiveEndpoint == "" {
			errs = append(errs, ErrMissingArchiveEndpoint)
		}
	}

	return errs
}

// ArchiveEnabled reports whether export archiving to object storage is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      fmt.Sprintf("%d", c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"jwt_secret":                maskSecret(c.JWTSecret),
		"jwt_secret_previous":       maskSecret(c.JWTSecretPrevious),
		"redis_addr":                c.RedisAddr,
		"redis_password":            maskSecret(c.RedisPassword),
		"metrics_token":             maskSecret(c.MetricsToken),
		"stripe_webhook_secret":     maskSecret(c.StripeWebhookSecret),
		"archive_bucket":            c.ArchiveBucket,
		"archive_access_key_id":     maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key": maskSecret(c.ArchiveSecretAccessKey),
		"archive_endpoint":          c.ArchiveEndpoint,
		"archive_region":            c.ArchiveRegion,
		"otel_enabled":              fmt.Sprintf("%t", c.OTelEnabled),
		"otel_exporter_type":        c.OTelExporterType,
		"otel_endpoint":             c.OTelEndpoint,
		"otel_sampling_rate":        fmt.Sprintf("%g", c.OTelSamplingRate),
		"otel_insecure":             fmt.Sprintf("%t", c.OTelInsecure),
		"append_retry_budget":       fmt.Sprintf("%d", c.AppendRetryBudget),
		"append_retry_backoff":      c.AppendRetryBackoff.String(),
		"verify_interval":           c.VerifyInterval.String(),
		"rate_limit_global":         fmt.Sprintf("%d", c.RateLimitGlobal),
		"rate_limit_verify":         fmt.Sprintf("%d", c.RateLimitVerify),
		"rate_limit_export":         fmt.Sprintf("%d", c.RateLimitExport),
		"cors_allowed_origins":      strings.Join(c.CORSAllowedOrigins, ","),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	// Simple approach: find :// and then mask between : and @
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
