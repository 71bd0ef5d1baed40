// Package config provides centralized configuration management for the import
// service. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Catalog     CatalogConfig
	Upload      UploadConfig
	Import      ImportConfig
	GeoServer   GeoServerConfig
	Storage     StorageConfig
	Queue       QueueConfig
	Events      EventsConfig
	Tracing     TracingConfig
	Constraints ConstraintsConfig
	Janitor     JanitorConfig
	Security    SecurityConfig
	Logging     LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 5m, uploads are large)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"5m"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// PublicURL prefixes the detail links of created resources
	PublicURL string `env:"SERVER_PUBLIC_URL" default:"http://localhost:8080"`
}

// DatabaseConfig holds the execution store connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string of the execution store.
	// Empty keeps executions in memory, which suits a single process only.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// CatalogConfig holds the catalog database holding resources and schemas.
type CatalogConfig struct {
	// URL is postgres://... or sqlite:<path> (default: sqlite:geoimport.db)
	URL string `env:"CATALOG_DATABASE_URL" default:"sqlite:geoimport.db"`

	// DataURL is the database holding the imported tables. Empty uses URL.
	DataURL string `env:"CATALOG_DATA_URL"`

	// DefaultParallelism seeds the default upload parallelism limit (default: 5)
	DefaultParallelism int `env:"DEFAULT_MAX_PARALLEL_UPLOADS_PER_USER" default:"5"`
}

// UploadConfig holds upload admission settings.
type UploadConfig struct {
	// MaxFileSize is the maximum accepted request size in bytes (default: 1GB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"1073741824"`

	// TempDir receives multipart files and worker copies (default: system temp)
	TempDir string `env:"UPLOAD_TEMP_DIR"`

	// StepTimeout bounds a single pipeline step (default: 30m)
	StepTimeout time.Duration `env:"UPLOAD_STEP_TIMEOUT" default:"30m"`
}

// ImportConfig selects how vector layers are loaded.
type ImportConfig struct {
	// Loader is ogr2ogr or native (default: native)
	Loader string `env:"IMPORT_LOADER" default:"native"`

	// Ogr2OgrPath is the ogr2ogr binary (default: ogr2ogr on PATH)
	Ogr2OgrPath string `env:"IMPORT_OGR2OGR_PATH" default:"ogr2ogr"`

	// DatastoreURL is the PostGIS database ogr2ogr writes into
	DatastoreURL string `env:"IMPORT_DATASTORE_URL"`

	// FieldChunk is the number of fields created per fan-out task (default: 16)
	FieldChunk int `env:"IMPORT_FIELD_CHUNK" default:"16"`
}

// GeoServerConfig holds the catalog server settings.
type GeoServerConfig struct {
	URL       string        `env:"GEOSERVER_URL" default:"http://localhost:8080/geoserver"`
	User      string        `env:"GEOSERVER_ADMIN_USER" default:"admin"`
	Password  string        `env:"GEOSERVER_ADMIN_PASSWORD" default:"geoserver"`
	Workspace string        `env:"GEOSERVER_WORKSPACE" default:"geonode"`
	Datastore string        `env:"GEOSERVER_DATASTORE" default:"geonode_data"`
	Timeout   time.Duration `env:"GEOSERVER_TIMEOUT" default:"60s"`

	// Rasters is where coverage files are staged for the server to read
	RasterDir string `env:"GEOSERVER_RASTER_DIR" default:"rasters"`
}

// StorageConfig selects where uploaded spatial files are kept between steps.
type StorageConfig struct {
	// Backend is local or minio (default: local)
	Backend string `env:"STORAGE_BACKEND" default:"local"`

	// Dir is the root of the local backend (default: uploads)
	Dir string `env:"STORAGE_DIR" default:"uploads"`

	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY"`
	MinIOBucket    string `env:"MINIO_BUCKET" default:"geoimport"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL" default:"false"`
}

// QueueConfig selects the task queue feeding the workers.
type QueueConfig struct {
	// Backend is memory or redis (default: memory)
	Backend string `env:"QUEUE_BACKEND" default:"memory"`

	// Workers is the number of steps run concurrently (default: 4)
	Workers int `env:"QUEUE_WORKERS" default:"4"`

	RedisAddr     string `env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" default:"0"`
	RedisKey      string `env:"REDIS_QUEUE_KEY" default:"geoimport:tasks"`
}

// EventsConfig holds the lifecycle event publisher. No brokers disables it.
type EventsConfig struct {
	KafkaBrokers []string `env:"KAFKA_BROKERS"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" default:"geoimport.executions"`
}

// TracingConfig holds the OpenTelemetry exporter settings.
type TracingConfig struct {
	// Exporter is none, stdout or otlphttp (default: none)
	Exporter string `env:"TRACING_EXPORTER" default:"none"`
	Endpoint string `env:"TRACING_ENDPOINT"`
	Insecure bool   `env:"TRACING_INSECURE" default:"false"`
}

// ConstraintsConfig points at the optional rules file.
type ConstraintsConfig struct {
	RulesFile string `env:"CONSTRAINTS_FILE"`

	// CheckCatalog validates appends against published attribute limits (default: true)
	CheckCatalog bool `env:"CONSTRAINTS_CHECK_CATALOG" default:"true"`
}

// JanitorConfig holds execution cleanup settings.
type JanitorConfig struct {
	// Retention is how long terminal executions are kept (default: 168h)
	Retention time.Duration `env:"JANITOR_RETENTION" default:"168h"`

	// CheckInterval is how often the janitor runs (default: 1h)
	CheckInterval time.Duration `env:"JANITOR_CHECK_INTERVAL" default:"1h"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// APIKeys is a comma-separated list of user=key pairs
	APIKeys []string `env:"API_KEYS"`

	// RequireAPIKey enforces authentication on API endpoints (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// CORSOrigins is a comma-separated list of allowed origins
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
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
