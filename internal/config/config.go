// Package config loads the server configuration from environment variables.
// Defaults are applied for unset values and the result is validated on startup
// so that misconfiguration fails fast.
package config

import (
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Import    ImportConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request, body included (default: 5m)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"5m"`

	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds the graceful shutdown, running jobs included (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for API requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies pending migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// ImportConfig holds import processing settings.
type ImportConfig struct {
	// BatchSize is the number of rows per task; 0 processes the whole file in one task (default: 0)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"0"`

	// MemoryLimit raises the soft memory limit while tasks run, e.g. 512MB; 0 leaves it alone
	MemoryLimit ByteSize `env:"IMPORT_MEMORY_LIMIT" default:"0"`

	// StorageDir receives the CSV files of created imports (default: ./data/imports)
	StorageDir string `env:"IMPORT_STORAGE_DIR" default:"./data/imports"`

	// FilesDir receives files ingested from file columns (default: ./data/files)
	FilesDir string `env:"IMPORT_FILES_DIR" default:"./data/files"`

	// AllowLocalPaths lets file columns reference local paths under LocalBaseDir (default: false)
	AllowLocalPaths bool `env:"IMPORT_ALLOW_LOCAL_PATHS" default:"false"`

	LocalBaseDir string `env:"IMPORT_LOCAL_BASE_DIR"`

	// MaxFileSize caps uploaded CSV files and ingested files (default: 100MB)
	MaxFileSize ByteSize `env:"IMPORT_MAX_FILE_SIZE" default:"100MB"`

	// MaxConcurrentUploads is the number of CSV uploads accepted in parallel (default: 5)
	MaxConcurrentUploads int `env:"IMPORT_MAX_CONCURRENT_UPLOADS" default:"5"`

	// MaxWaitTime is how long an upload waits for a slot (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`
}

// QueueConfig selects where tasks are queued.
type QueueConfig struct {
	// Backend is "memory" or "redis" (default: memory)
	Backend string `env:"QUEUE_BACKEND" default:"memory"`

	// Workers is the number of tasks run in parallel by this process (default: 2)
	Workers int `env:"QUEUE_WORKERS" default:"2"`

	RedisAddr string `env:"REDIS_ADDR" default:"localhost:6379"`

	RedisPassword string `env:"REDIS_PASSWORD"`

	RedisDB int `env:"REDIS_DB" default:"0"`

	RedisKey string `env:"REDIS_QUEUE_KEY" default:"csvimport:tasks"`
}

// SchedulerConfig holds the import sweep settings.
type SchedulerConfig struct {
	// Enabled runs the periodic sweep (default: true)
	Enabled bool `env:"SCHEDULER_ENABLED" default:"true"`

	// Spec is a cron expression with a seconds field or a descriptor (default: @every 1m)
	Spec string `env:"SCHEDULER_SPEC" default:"@every 1m"`

	// StaleSweeps stops running imports no local worker owns after this many sweeps; 0 disables
	StaleSweeps int `env:"SCHEDULER_STALE_SWEEPS" default:"3"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for import creation (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects API requests without a valid X-API-Key header (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" default:"true"`

	Path string `env:"METRICS_PATH" default:"/metrics"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
