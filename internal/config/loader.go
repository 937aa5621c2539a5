package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with a custom variable lookup.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	l := loader{getenv: getenv, readFile: os.ReadFile}
	if err := l.loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

type loader struct {
	getenv   func(string) string
	readFile func(string) ([]byte, error)
}

// lookup returns the first non-empty of name, alt and, for secret fields,
// the contents of the file named by name_FILE.
func (l loader) lookup(name, alt string, secret bool) (string, error) {
	if v := l.getenv(name); v != "" {
		return v, nil
	}
	if alt != "" {
		if v := l.getenv(alt); v != "" {
			return v, nil
		}
	}
	if !secret {
		return "", nil
	}
	path := l.getenv(name + "_FILE")
	if path == "" {
		return "", nil
	}
	b, err := l.readFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s_FILE: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// loadStruct recursively populates struct fields from environment variables.
func (l loader) loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := l.loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value, err := l.lookup(envName, field.Tag.Get("envAlt"), field.Tag.Get("secret") == "true")
		if err != nil {
			return err
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envName, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		field.Set(reflect.ValueOf(splitList(value)))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// splitList splits a comma-separated list, dropping blank entries.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("DB_DRIVER (%q) must be one of: postgres, sqlite", c.Database.Driver))
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.SourcePath != "" && !strings.EqualFold(c.Database.Driver, "sqlite") {
		errs = append(errs, "DB_SOURCE_PATH only applies when DB_DRIVER is sqlite")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	if c.Server.RequireAPIKey && len(c.Server.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Migration validation
	m := c.Migration
	if m.MaxRetries <= 0 {
		errs = append(errs, "MIGRATION_MAX_RETRIES must be positive")
	}
	if m.RequestsPerSecond <= 0 {
		errs = append(errs, "MIGRATION_REQUESTS_PER_SECOND must be positive")
	}
	if m.Jitter < 0 || m.Jitter >= 1 {
		errs = append(errs, fmt.Sprintf("MIGRATION_JITTER (%g) must be in [0, 1)", m.Jitter))
	}
	if m.Concurrency <= 0 {
		errs = append(errs, "MIGRATION_CONCURRENCY must be positive")
	}
	if m.RequestTimeoutSeconds <= 0 {
		errs = append(errs, "MIGRATION_REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if m.BatchSize <= 0 {
		errs = append(errs, "MIGRATION_BATCH_SIZE must be positive")
	}
	if m.BackoffBase <= 0 || m.BackoffMax < m.BackoffBase {
		errs = append(errs, "MIGRATION_BACKOFF_BASE must be positive and <= MIGRATION_BACKOFF_MAX")
	}
	if m.MaxAuthRetries < 0 || m.MaxStaleRetries < 0 {
		errs = append(errs, "MIGRATION_MAX_AUTH_RETRIES and MIGRATION_MAX_STALE_RETRIES must be non-negative")
	}

	// QBO validation
	switch c.QBO.Environment {
	case "sandbox", "production":
	default:
		errs = append(errs, fmt.Sprintf("QBO_ENVIRONMENT (%q) must be one of: sandbox, production", c.QBO.Environment))
	}
	if c.QBO.CredentialRefreshIntervalMinutes <= 0 || c.QBO.CredentialRefreshIntervalMinutes >= 60 {
		errs = append(errs, "QBO_CREDENTIAL_REFRESH_INTERVAL_MINUTES must be between 1 and 59")
	}

	// Report validation
	switch c.Report.Sink {
	case "none", "file":
	case "s3":
		if c.Report.Bucket == "" {
			errs = append(errs, "REPORT_S3_BUCKET is required when REPORT_SINK is s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("REPORT_SINK (%q) must be one of: none, file, s3", c.Report.Sink))
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Database URLs and OAuth secrets are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {Driver: %q, URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.Driver, c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Migration: {MaxRetries: %d, RequestsPerSecond: %g, Concurrency: %d, BatchSize: %d}, ",
		c.Migration.MaxRetries, c.Migration.RequestsPerSecond, c.Migration.Concurrency, c.Migration.BatchSize))
	b.WriteString(fmt.Sprintf("QBO: {Environment: %q, RealmID: %q, ClientSecret: [MASKED], RefreshToken: [MASKED]}, ",
		c.QBO.Environment, c.QBO.RealmID))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
