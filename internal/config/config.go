// Package config provides configuration management for the entity resolver.
// It loads settings from environment variables with the ENTITYRES_ prefix
// (optionally seeded from a .env file) and provides sensible defaults for
// all options. Matching and learning parameters live in a separate YAML
// tuning file that can be reloaded at runtime (see tuning.go).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage engines.
const (
	EngineMemory   = "memory"
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"
	EngineKV       = "kv"
)

// Config holds all process-level settings.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Sessions SessionConfig
	PubSub   PubSubConfig
	Logging  LoggingConfig
	Tracing  TracingConfig

	// TuningFile is an optional YAML file overriding DefaultTuning.
	// Env var: ENTITYRES_TUNING_FILE
	TuningFile string

	// WatchTuning reloads TuningFile when it changes on disk.
	// Env var: ENTITYRES_WATCH_TUNING (default: true)
	WatchTuning bool

	// EventSpool is the directory CLI commands hand events to a running
	// server through. "off" disables it.
	// Env var: ENTITYRES_EVENT_SPOOL (default: <DataPath>/events)
	EventSpool string

	// ReindexInterval is how often serve rebuilds the candidate index from
	// the store. Zero disables the periodic rebuild.
	// Env var: ENTITYRES_REINDEX_INTERVAL (default: 5m)
	ReindexInterval time.Duration
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           // Server port (default: 7474)
	Host            string        // Server host (default: 127.0.0.1)
	RateLimitRPS    float64       // Per-client requests per second (default: 50)
	RateLimitBurst  int           // Per-client burst (default: 100)
	ShutdownTimeout time.Duration // Graceful shutdown budget (default: 10s)

	// APIToken enables bearer authentication on /v1 when non-empty.
	// Env var: ENTITYRES_API_TOKEN
	APIToken string

	// AllowedOrigins are websocket origin patterns for the event stream.
	// Env var: ENTITYRES_ALLOWED_ORIGINS (comma separated)
	AllowedOrigins []string

	// CORSOrigins enables CORS for browser clients when non-empty.
	// Env var: ENTITYRES_CORS_ORIGINS (comma separated, "*" for any)
	CORSOrigins []string
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// StorageConfig selects and configures the registry backend.
type StorageConfig struct {
	Engine         string // memory, sqlite, postgres, mysql or kv (default: sqlite)
	DataPath       string // Directory for sqlite and kv files (default: ./data)
	PostgresDSN    string // Required when Engine is postgres
	MySQLDSN       string // Required when Engine is mysql
	BreakerEnabled bool   // Wrap the store in a circuit breaker (default: true)
	BackupDir      string // sqlite snapshot directory (default: <DataPath>/backups)
	BackupKeep     int    // Snapshots retained by the backup command (default: 7)

	// BackupUpload copies each snapshot to gs://bucket/prefix when set.
	// Env vars: ENTITYRES_BACKUP_UPLOAD, ENTITYRES_BACKUP_CREDENTIALS
	BackupUpload      string
	BackupCredentials string
}

// RedisConfig enables distributed registration locks and the redis session
// store when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis server is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// SessionConfig controls clarification session lifetime.
type SessionConfig struct {
	Backend       string        // memory or redis (default: memory)
	TTL           time.Duration // Open session lifetime (default: 5m)
	Retention     time.Duration // How long terminal sessions stay readable (default: 1h)
	SweepInterval time.Duration // Janitor period (default: 30s)
}

// PubSubConfig enables publishing resolution events to Google Cloud Pub/Sub
// when ProjectID and TopicID are set.
type PubSubConfig struct {
	ProjectID       string
	TopicID         string
	CredentialsFile string
}

// Enabled reports whether Pub/Sub publishing is configured.
func (p PubSubConfig) Enabled() bool { return p.ProjectID != "" && p.TopicID != "" }

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string // debug, info, warn, error (default: info)
	Format string // json or text (default: json)
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	ServiceName string // default: entityres
	Stdout      bool   // Export spans to stdout (default: false)

	// OTLPEndpoint exports spans over OTLP/gRPC when set (host:port).
	// Env vars: ENTITYRES_OTLP_ENDPOINT, ENTITYRES_OTLP_INSECURE (default: false)
	OTLPEndpoint string
	OTLPInsecure bool
}

// LoadConfig loads configuration from environment variables with defaults.
// If envFile is non-empty it is read first with godotenv; variables already
// present in the environment win. A missing envFile is not an error.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: failed to load %s: %w", envFile, err)
		}
	}
	cfg := buildBaseConfig()
	cfg.applyDerivedDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case EngineMemory, EngineSQLite, EngineKV:
	case EnginePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: ENTITYRES_POSTGRES_DSN is required for the postgres engine")
		}
	case EngineMySQL:
		if c.Storage.MySQLDSN == "" {
			return errors.New("config: ENTITYRES_MYSQL_DSN is required for the mysql engine")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}

	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("config: ENTITYRES_REDIS_ADDR is required for the redis session backend")
		}
	default:
		return fmt.Errorf("config: unknown session backend %q", c.Sessions.Backend)
	}

	if c.Sessions.TTL <= 0 {
		return errors.New("config: session TTL must be positive")
	}
	if c.ReindexInterval < 0 {
		return errors.New("config: ENTITYRES_REINDEX_INTERVAL must not be negative")
	}
	if c.Storage.BackupUpload != "" && !strings.HasPrefix(c.Storage.BackupUpload, "gs://") {
		return errors.New("config: ENTITYRES_BACKUP_UPLOAD must be a gs:// URL")
	}
	if c.Storage.BackupKeep < 1 {
		return errors.New("config: ENTITYRES_BACKUP_KEEP must be at least 1")
	}
	for _, o := range c.Server.CORSOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("config: CORS origin %q must be \"*\" or start with http:// or https://", o)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	return nil
}

// applyDerivedDefaults fills paths that default relative to DataPath.
func (c *Config) applyDerivedDefaults() {
	if c.Storage.BackupDir == "" {
		c.Storage.BackupDir = filepath.Join(c.Storage.DataPath, "backups")
	}
	switch strings.ToLower(c.EventSpool) {
	case "":
		c.EventSpool = filepath.Join(c.Storage.DataPath, "events")
	case "off":
		c.EventSpool = ""
	}
}

func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnvInt("ENTITYRES_PORT", 7474),
			Host:            getEnv("ENTITYRES_HOST", "127.0.0.1"),
			RateLimitRPS:    getEnvFloat("ENTITYRES_RATE_LIMIT_RPS", 50),
			RateLimitBurst:  getEnvInt("ENTITYRES_RATE_LIMIT_BURST", 100),
			ShutdownTimeout: getEnvDuration("ENTITYRES_SHUTDOWN_TIMEOUT", 10*time.Second),
			APIToken:        getEnv("ENTITYRES_API_TOKEN", ""),
			AllowedOrigins:  getEnvList("ENTITYRES_ALLOWED_ORIGINS"),
			CORSOrigins:     getEnvList("ENTITYRES_CORS_ORIGINS"),
		},
		Storage: StorageConfig{
			Engine:            strings.ToLower(getEnv("ENTITYRES_STORAGE_ENGINE", EngineSQLite)),
			DataPath:          getEnv("ENTITYRES_DATA_PATH", "./data"),
			PostgresDSN:       getEnv("ENTITYRES_POSTGRES_DSN", ""),
			MySQLDSN:          getEnv("ENTITYRES_MYSQL_DSN", ""),
			BreakerEnabled:    getEnvBool("ENTITYRES_STORAGE_BREAKER", true),
			BackupDir:         getEnv("ENTITYRES_BACKUP_DIR", ""),
			BackupKeep:        getEnvInt("ENTITYRES_BACKUP_KEEP", 7),
			BackupUpload:      getEnv("ENTITYRES_BACKUP_UPLOAD", ""),
			BackupCredentials: getEnv("ENTITYRES_BACKUP_CREDENTIALS", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ENTITYRES_REDIS_ADDR", ""),
			Password: getEnv("ENTITYRES_REDIS_PASSWORD", ""),
			DB:       getEnvInt("ENTITYRES_REDIS_DB", 0),
		},
		Sessions: SessionConfig{
			Backend:       strings.ToLower(getEnv("ENTITYRES_SESSION_BACKEND", "memory")),
			TTL:           getEnvDuration("ENTITYRES_SESSION_TTL", 5*time.Minute),
			Retention:     getEnvDuration("ENTITYRES_SESSION_RETENTION", time.Hour),
			SweepInterval: getEnvDuration("ENTITYRES_SESSION_SWEEP_INTERVAL", 30*time.Second),
		},
		PubSub: PubSubConfig{
			ProjectID:       getEnv("ENTITYRES_PUBSUB_PROJECT", ""),
			TopicID:         getEnv("ENTITYRES_PUBSUB_TOPIC", ""),
			CredentialsFile: getEnv("ENTITYRES_PUBSUB_CREDENTIALS", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("ENTITYRES_LOG_LEVEL", "info"),
			Format: getEnv("ENTITYRES_LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			ServiceName:  getEnv("ENTITYRES_SERVICE_NAME", "entityres"),
			Stdout:       getEnvBool("ENTITYRES_TRACE_STDOUT", false),
			OTLPEndpoint: getEnv("ENTITYRES_OTLP_ENDPOINT", ""),
			OTLPInsecure: getEnvBool("ENTITYRES_OTLP_INSECURE", false),
		},
		TuningFile:  getEnv("ENTITYRES_TUNING_FILE", ""),
		WatchTuning: getEnvBool("ENTITYRES_WATCH_TUNING", true),
		EventSpool:  getEnv("ENTITYRES_EVENT_SPOOL", ""),

		ReindexInterval: getEnvDuration("ENTITYRES_REINDEX_INTERVAL", 5*time.Minute),
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts time.ParseDuration syntax ("90s", "5m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool recognizes "true", "1", "yes" as true and "false", "0", "no" as
// false (case-insensitive). Anything else yields the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
