// Package config provides centralized configuration management for the migrator.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables. Fields tagged
// secret may instead name a file in <VAR>_FILE (container secrets).
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Migration MigrationConfig
	QBO       QBOConfig
	Report    ReportConfig
	Logging   LoggingConfig
}

// ServerConfig holds settings for the status and metrics HTTP server.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey guards mutating endpoints (requeue, reset) with X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS" secret:"true"`
}

// DatabaseConfig holds mapping store connection settings.
type DatabaseConfig struct {
	// Driver selects the mapping store backend: postgres or sqlite (default: postgres)
	Driver string `env:"DB_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string or SQLite file path (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true" secret:"true"`

	// SourceSchema is the schema holding the extracted source tables (default: source)
	SourceSchema string `env:"DB_SOURCE_SCHEMA" default:"source"`

	// MappingSchema is the schema holding map_* tables (default: porter)
	MappingSchema string `env:"DB_MAPPING_SCHEMA" default:"porter"`

	// SourcePath is a separate SQLite file holding the source tables (sqlite only)
	SourcePath string `env:"DB_SOURCE_PATH"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// MigrationConfig holds posting engine and orchestration settings.
type MigrationConfig struct {
	// MaxRetries is the ceiling on RetryCount for a record (default: 5)
	MaxRetries int `env:"MIGRATION_MAX_RETRIES" default:"5"`

	// RequestsPerSecond is the shared outbound API rate (default: 8)
	RequestsPerSecond float64 `env:"MIGRATION_REQUESTS_PER_SECOND" default:"8"`

	// Jitter is the fraction of the gate interval randomized per slot (default: 0.1)
	Jitter float64 `env:"MIGRATION_JITTER" default:"0.1"`

	// Concurrency is the posting worker count (default: 4)
	Concurrency int `env:"MIGRATION_CONCURRENCY" default:"4"`

	// RequestTimeoutSeconds bounds each API call (default: 40)
	RequestTimeoutSeconds int `env:"MIGRATION_REQUEST_TIMEOUT_SECONDS" default:"40"`

	// BatchSize is the number of rows per payload/posting page (default: 500)
	BatchSize int `env:"MIGRATION_BATCH_SIZE" default:"500"`

	// CrossCheckTables lists entity types sharing one document-number space
	CrossCheckTables []string `env:"MIGRATION_CROSS_CHECK_TABLES" default:"Invoice,CreditMemo,SalesReceipt,RefundReceipt"`

	// BackoffBase is the first transient backoff delay (default: 1s)
	BackoffBase time.Duration `env:"MIGRATION_BACKOFF_BASE" default:"1s"`

	// BackoffMax caps the transient backoff delay (default: 60s)
	BackoffMax time.Duration `env:"MIGRATION_BACKOFF_MAX" default:"60s"`

	// MaxAuthRetries bounds credential refreshes per attempt after a 401 (default: 2)
	MaxAuthRetries int `env:"MIGRATION_MAX_AUTH_RETRIES" default:"2"`

	// MaxStaleRetries bounds version refetches per attempt (default: 3)
	MaxStaleRetries int `env:"MIGRATION_MAX_STALE_RETRIES" default:"3"`
}

// RequestTimeout returns RequestTimeoutSeconds as a duration.
func (m MigrationConfig) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutSeconds) * time.Second
}

// QBOConfig holds destination company and OAuth settings.
type QBOConfig struct {
	// ClientID is the OAuth client identifier (required)
	ClientID string `env:"QBO_CLIENT_ID" required:"true"`

	// ClientSecret is the OAuth client secret (required)
	ClientSecret string `env:"QBO_CLIENT_SECRET" required:"true" secret:"true"`

	// RealmID is the destination company id (required)
	RealmID string `env:"QBO_REALM_ID" envAlt:"QBO_COMPANY_ID" required:"true"`

	// Environment is sandbox or production (default: sandbox)
	Environment string `env:"QBO_ENVIRONMENT" default:"sandbox"`

	// BaseURL overrides the API host derived from Environment
	BaseURL string `env:"QBO_BASE_URL"`

	// TokenURL is the OAuth token endpoint
	TokenURL string `env:"QBO_TOKEN_URL" default:"https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"`

	// RefreshToken seeds the credential when no token is stored yet
	RefreshToken string `env:"QBO_REFRESH_TOKEN" secret:"true"`

	// TokenUser keys the persisted token row (default: default)
	TokenUser string `env:"QBO_TOKEN_USER" default:"default"`

	// MinorVersion is the API minorversion query parameter (default: 65)
	MinorVersion int `env:"QBO_MINOR_VERSION" default:"65"`

	// CredentialRefreshIntervalMinutes is the access token refresh cadence (default: 45)
	CredentialRefreshIntervalMinutes int `env:"QBO_CREDENTIAL_REFRESH_INTERVAL_MINUTES" default:"45"`
}

// RefreshInterval returns CredentialRefreshIntervalMinutes as a duration.
func (q QBOConfig) RefreshInterval() time.Duration {
	return time.Duration(q.CredentialRefreshIntervalMinutes) * time.Minute
}

// APIBaseURL returns BaseURL when set, else the host for Environment.
func (q QBOConfig) APIBaseURL() string {
	if q.BaseURL != "" {
		return q.BaseURL
	}
	if q.Environment == "production" {
		return "https://quickbooks.api.intuit.com"
	}
	return "https://sandbox-quickbooks.api.intuit.com"
}

// ReportConfig holds run report export settings.
type ReportConfig struct {
	// Sink selects where reports are written: none, file or s3 (default: file)
	Sink string `env:"REPORT_SINK" default:"file"`

	// Dir is the output directory for the file sink (default: reports)
	Dir string `env:"REPORT_DIR" default:"reports"`

	// Bucket is the S3 bucket for the s3 sink
	Bucket string `env:"REPORT_S3_BUCKET"`

	// Prefix is prepended to S3 object keys (default: ledgerport/)
	Prefix string `env:"REPORT_S3_PREFIX" default:"ledgerport/"`

	// Region is the S3 region (default: us-east-1)
	Region string `env:"REPORT_S3_REGION" default:"us-east-1"`

	// Endpoint is an optional S3-compatible endpoint (MinIO)
	Endpoint string `env:"REPORT_S3_ENDPOINT"`

	// PathStyle forces path-style bucket addressing (default: false)
	PathStyle bool `env:"REPORT_S3_PATH_STYLE" default:"false"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
