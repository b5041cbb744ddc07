package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ByteSize is a size in bytes. Values accept a K, M or G suffix with an optional B or iB,
// all powers of 1024: "512MB", "1GiB", "64k".
type ByteSize int64

// ParseByteSize parses a size such as "100MB".
func ParseByteSize(s string) (ByteSize, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, "IB")
	v = strings.TrimSuffix(v, "B")

	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "K"):
		mult = 1 << 10
	case strings.HasSuffix(v, "M"):
		mult = 1 << 20
	case strings.HasSuffix(v, "G"):
		mult = 1 << 30
	}
	if mult > 1 {
		v = v[:len(v)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return ByteSize(n * mult), nil
}

func (b ByteSize) String() string {
	switch {
	case b >= 1<<30 && b%(1<<30) == 0:
		return strconv.FormatInt(int64(b>>30), 10) + "GB"
	case b >= 1<<20 && b%(1<<20) == 0:
		return strconv.FormatInt(int64(b>>20), 10) + "MB"
	case b >= 1<<10 && b%(1<<10) == 0:
		return strconv.FormatInt(int64(b>>10), 10) + "KB"
	}
	return strconv.FormatInt(int64(b), 10) + "B"
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	byteSizeType = reflect.TypeOf(ByteSize(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), true); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOffline is Load for runs that never open the database, such as a CLI dry run.
// DATABASE_URL may be unset.
func LoadOffline() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), false); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if errs := cfg.problems(false); len(errs) > 0 {
		return nil, fmt.Errorf("config validation: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct populates struct fields from environment variables, recursing into
// nested sections.
func loadStruct(v reflect.Value, required bool) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != timeType {
			if err := loadStruct(fieldVal, required); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value := os.Getenv(envName)
		if alt := field.Tag.Get("envAlt"); value == "" && alt != "" {
			value = os.Getenv(alt)
		}

		if value == "" {
			if required && field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Type() {
	case durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	case byteSizeType:
		b, err := ParseByteSize(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(b))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

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
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	if errs := c.problems(true); len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// problems lists every validation failure. The database URL is only checked when
// needDatabase is set.
func (c *Config) problems(needDatabase bool) []string {
	var errs []string

	if needDatabase && c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
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

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	if c.Import.BatchSize < 0 {
		errs = append(errs, "IMPORT_BATCH_SIZE must be non-negative")
	}
	if c.Import.MemoryLimit < 0 {
		errs = append(errs, "IMPORT_MEMORY_LIMIT must be non-negative")
	}
	if c.Import.StorageDir == "" {
		errs = append(errs, "IMPORT_STORAGE_DIR is required")
	}
	if c.Import.FilesDir == "" {
		errs = append(errs, "IMPORT_FILES_DIR is required")
	}
	if c.Import.AllowLocalPaths && c.Import.LocalBaseDir == "" {
		errs = append(errs, "IMPORT_ALLOW_LOCAL_PATHS is true but IMPORT_LOCAL_BASE_DIR is empty")
	}
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Import.MaxConcurrentUploads <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT_UPLOADS must be positive")
	}
	if c.Import.MaxWaitTime <= 0 {
		errs = append(errs, "IMPORT_MAX_WAIT_TIME must be positive")
	}

	switch strings.ToLower(c.Queue.Backend) {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR is required when QUEUE_BACKEND is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("QUEUE_BACKEND (%q) must be one of: memory, redis", c.Queue.Backend))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, "QUEUE_WORKERS must be positive")
	}

	if c.Scheduler.Enabled && c.Scheduler.Spec == "" {
		errs = append(errs, "SCHEDULER_SPEC is required when the scheduler is enabled")
	}
	if c.Scheduler.StaleSweeps < 0 {
		errs = append(errs, "SCHEDULER_STALE_SWEEPS must be non-negative")
	}

	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}

	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("METRICS_PATH (%q) must start with /", c.Metrics.Path))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	return errs
}

// String returns a safe string representation of the config for logging.
// The database URL, Redis password and API keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Import: {BatchSize: %d, MemoryLimit: %s, MaxFileSize: %s, AllowLocalPaths: %v}, ",
		c.Import.BatchSize, c.Import.MemoryLimit, c.Import.MaxFileSize, c.Import.AllowLocalPaths)
	fmt.Fprintf(&b, "Queue: {Backend: %q, Workers: %d, RedisAddr: %q, RedisPassword: [MASKED]}, ",
		c.Queue.Backend, c.Queue.Workers, c.Queue.RedisAddr)
	fmt.Fprintf(&b, "Scheduler: {Enabled: %v, Spec: %q}, ", c.Scheduler.Enabled, c.Scheduler.Spec)
	fmt.Fprintf(&b, "Security: {RequireAPIKey: %v, APIKeys: %d configured}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
