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
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
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

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
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

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

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

	// Execution store validation
	if c.Database.URL != "" {
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
	}

	// Catalog validation
	if !strings.HasPrefix(c.Catalog.URL, "sqlite:") && !strings.HasPrefix(c.Catalog.URL, "postgres") {
		errs = append(errs, fmt.Sprintf("CATALOG_DATABASE_URL (%q) must start with sqlite: or postgres", c.Catalog.URL))
	}
	if c.Catalog.DefaultParallelism <= 0 {
		errs = append(errs, "DEFAULT_MAX_PARALLEL_UPLOADS_PER_USER must be positive")
	}

	// Upload validation
	if c.Upload.MaxFileSize <= 0 {
		errs = append(errs, "UPLOAD_MAX_FILE_SIZE must be positive")
	}
	if c.Upload.StepTimeout <= 0 {
		errs = append(errs, "UPLOAD_STEP_TIMEOUT must be positive")
	}

	// Import validation
	switch strings.ToLower(c.Import.Loader) {
	case "native":
	case "ogr2ogr":
		if c.Import.DatastoreURL == "" {
			errs = append(errs, "IMPORT_DATASTORE_URL is required when IMPORT_LOADER is ogr2ogr")
		}
	default:
		errs = append(errs, fmt.Sprintf("IMPORT_LOADER (%q) must be one of: native, ogr2ogr", c.Import.Loader))
	}
	if c.Import.FieldChunk <= 0 {
		errs = append(errs, "IMPORT_FIELD_CHUNK must be positive")
	}

	// GeoServer validation
	if c.GeoServer.URL == "" {
		errs = append(errs, "GEOSERVER_URL is required")
	}
	if c.GeoServer.Workspace == "" {
		errs = append(errs, "GEOSERVER_WORKSPACE is required")
	}

	// Storage validation
	switch strings.ToLower(c.Storage.Backend) {
	case "local":
		if c.Storage.Dir == "" {
			errs = append(errs, "STORAGE_DIR is required for the local backend")
		}
	case "minio":
		if c.Storage.MinIOEndpoint == "" || c.Storage.MinIOBucket == "" {
			errs = append(errs, "MINIO_ENDPOINT and MINIO_BUCKET are required for the minio backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND (%q) must be one of: local, minio", c.Storage.Backend))
	}

	// Queue validation
	switch strings.ToLower(c.Queue.Backend) {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR is required for the redis queue")
		}
	default:
		errs = append(errs, fmt.Sprintf("QUEUE_BACKEND (%q) must be one of: memory, redis", c.Queue.Backend))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, "QUEUE_WORKERS must be positive")
	}

	// Events validation
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		errs = append(errs, "KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	// Tracing validation
	switch strings.ToLower(c.Tracing.Exporter) {
	case "none", "stdout":
	case "otlphttp":
		if c.Tracing.Endpoint == "" {
			errs = append(errs, "TRACING_ENDPOINT is required for the otlphttp exporter")
		}
	default:
		errs = append(errs, fmt.Sprintf("TRACING_EXPORTER (%q) must be one of: none, stdout, otlphttp", c.Tracing.Exporter))
	}

	// Janitor validation
	if c.Janitor.Retention <= 0 {
		errs = append(errs, "JANITOR_RETENTION must be positive")
	}
	if c.Janitor.CheckInterval <= 0 {
		errs = append(errs, "JANITOR_CHECK_INTERVAL must be positive")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one user=key pair or disable auth")
	}
	for _, pair := range c.Security.APIKeys {
		user, key, ok := strings.Cut(pair, "=")
		if !ok || user == "" || key == "" {
			errs = append(errs, fmt.Sprintf("API_KEYS entry %q must be user=key", pair))
		}
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

// Keys returns the API keys mapped to the user they authenticate.
func (c *SecurityConfig) Keys() map[string]string {
	keys := make(map[string]string, len(c.APIKeys))
	for _, pair := range c.APIKeys {
		if user, key, ok := strings.Cut(pair, "="); ok {
			keys[key] = user
		}
	}
	return keys
}

// String returns a safe string representation of the config for logging.
// Connection strings and credentials are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: %s, MaxConns: %d}, ", mask(c.Database.URL), c.Database.MaxConns))
	b.WriteString(fmt.Sprintf("Catalog: {URL: %s}, ", mask(c.Catalog.URL)))
	b.WriteString(fmt.Sprintf("Import: {Loader: %q, FieldChunk: %d}, ", c.Import.Loader, c.Import.FieldChunk))
	b.WriteString(fmt.Sprintf("GeoServer: {URL: %q, Workspace: %q}, ", c.GeoServer.URL, c.GeoServer.Workspace))
	b.WriteString(fmt.Sprintf("Storage: {Backend: %q}, ", c.Storage.Backend))
	b.WriteString(fmt.Sprintf("Queue: {Backend: %q, Workers: %d}, ", c.Queue.Backend, c.Queue.Workers))
	b.WriteString(fmt.Sprintf("Events: {Brokers: %d}, ", len(c.Events.KafkaBrokers)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}

func mask(url string) string {
	if url == "" {
		return "[unset]"
	}
	if strings.HasPrefix(url, "sqlite:") {
		return url
	}
	return "[MASKED]"
}
