// Package config loads the sessionstate server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is the only supported config API version.
const CurrentVersion = "v1"

// Backend providers.
const (
	ProviderMongoDB  = "mongodb"
	ProviderPostgres = "postgres"
	ProviderRedis    = "redis"
	ProviderMemory   = "memory"
)

// Payload codecs.
const (
	CodecJSON = "json"
	CodecGob  = "gob"
)

// DefaultPostgresTable is the table created by the bundled migrations.
const DefaultPostgresTable = "session_state"

// ErrUnknownProvider is returned for a provider name with no backend.
var ErrUnknownProvider = errors.New("unknown session provider")

// Config holds the complete server configuration.
type Config struct {
	APIVersion string         `yaml:"apiVersion"`
	Server     ServerConfig   `yaml:"server"`
	Session    SessionConfig  `yaml:"session"`
	MongoDB    MongoDBConfig  `yaml:"mongodb"`
	Postgres   PostgresConfig `yaml:"postgres"`
	Redis      RedisConfig    `yaml:"redis"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig configures the session store and request handler.
type SessionConfig struct {
	// Provider selects the backend: mongodb, postgres, redis or memory.
	Provider string `yaml:"provider"`

	// Namespace partitions sessions per application.
	Namespace    string `yaml:"namespace"`
	CookieName   string `yaml:"cookie_name"`
	SecureCookie bool   `yaml:"secure_cookie"`

	Timeout             time.Duration `yaml:"timeout"`
	UninitializedGrace  time.Duration `yaml:"uninitialized_grace"`
	UninitializedExpiry string        `yaml:"uninitialized_expiry"` // "grace", "timeout"
	Recreate            string        `yaml:"recreate"`             // "delete_insert", "replace"
	AcquireAttempts     int           `yaml:"acquire_attempts"`
	Codec               string        `yaml:"codec"` // "json", "gob"

	// JSONUseNumber decodes JSON numbers as json.Number to keep large integers exact.
	JSONUseNumber bool `yaml:"json_use_number"`

	ReadOnly          bool          `yaml:"read_only"`
	RegenerateExpired bool          `yaml:"regenerate_expired"`
	LockPollInterval  time.Duration `yaml:"lock_poll_interval"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	MaxLockWait       time.Duration `yaml:"max_lock_wait"`

	// CleanupInterval runs the expired-session reaper. Zero disables it.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MongoDBConfig configures the MongoDB backend.
type MongoDBConfig struct {
	// Endpoint is host[:port]; ignored when URI is set.
	Endpoint       string        `yaml:"endpoint"`
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ConnectionURI returns URI, or a URI built from Endpoint.
func (c MongoDBConfig) ConnectionURI() string {
	if c.URI != "" {
		return c.URI
	}
	return "mongodb://" + c.Endpoint
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`

	// Table must stay DefaultPostgresTable when AutoMigrate is set.
	Table        string `yaml:"table"`
	MaxOpenConns int    `yaml:"max_open_conns"`

	// AutoMigrate applies the bundled migrations at startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Load loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, expanding ${VAR} references and applying defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = CurrentVersion
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 25 * time.Second
	}

	s := &cfg.Session
	if s.Provider == "" {
		s.Provider = ProviderMongoDB
	}
	if s.Namespace == "" {
		s.Namespace = "/"
	}
	if s.CookieName == "" {
		s.CookieName = "SessionId"
	}
	if s.Timeout == 0 {
		s.Timeout = 20 * time.Minute
	}
	if s.UninitializedGrace == 0 {
		s.UninitializedGrace = 1400 * time.Minute
	}
	if s.UninitializedExpiry == "" {
		s.UninitializedExpiry = "grace"
	}
	if s.Recreate == "" {
		s.Recreate = "delete_insert"
	}
	if s.AcquireAttempts == 0 {
		s.AcquireAttempts = 3
	}
	if s.Codec == "" {
		s.Codec = CodecJSON
	}
	if s.LockPollInterval == 0 {
		s.LockPollInterval = 500 * time.Millisecond
	}
	if s.LockTimeout == 0 {
		s.LockTimeout = 110 * time.Second
	}

	if cfg.MongoDB.Endpoint == "" {
		cfg.MongoDB.Endpoint = "localhost"
	}
	if cfg.MongoDB.Database == "" {
		cfg.MongoDB.Database = "ASPNETDB"
	}
	if cfg.MongoDB.Collection == "" {
		cfg.MongoDB.Collection = "SessionState"
	}
	if cfg.MongoDB.ConnectTimeout == 0 {
		cfg.MongoDB.ConnectTimeout = 10 * time.Second
	}

	if cfg.Postgres.Table == "" {
		cfg.Postgres.Table = DefaultPostgresTable
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 25
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "session:"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.APIVersion != CurrentVersion {
		errs = append(errs, fmt.Sprintf("apiVersion %q is not supported (want %q)", c.APIVersion, CurrentVersion))
	}

	switch c.Session.Provider {
	case ProviderMongoDB, ProviderRedis, ProviderMemory:
	case ProviderPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, "postgres.dsn is required when provider is postgres")
		}
		if c.Postgres.AutoMigrate && c.Postgres.Table != DefaultPostgresTable {
			errs = append(errs, fmt.Sprintf("postgres.table %q cannot be auto-migrated; the bundled migrations create %q",
				c.Postgres.Table, DefaultPostgresTable))
		}
	default:
		errs = append(errs, fmt.Sprintf("%s: %q", ErrUnknownProvider, c.Session.Provider))
	}

	switch c.Session.UninitializedExpiry {
	case "grace", "timeout":
	default:
		errs = append(errs, fmt.Sprintf("session.uninitialized_expiry %q must be grace or timeout", c.Session.UninitializedExpiry))
	}

	switch c.Session.Recreate {
	case "delete_insert", "replace":
	default:
		errs = append(errs, fmt.Sprintf("session.recreate %q must be delete_insert or replace", c.Session.Recreate))
	}

	switch c.Session.Codec {
	case CodecJSON, CodecGob:
	default:
		errs = append(errs, fmt.Sprintf("session.codec %q must be json or gob", c.Session.Codec))
	}

	if c.Session.Timeout < time.Minute {
		errs = append(errs, "session.timeout must be at least 1m")
	}
	if c.Session.AcquireAttempts < 1 {
		errs = append(errs, "session.acquire_attempts must be positive")
	}
	if c.Session.CleanupInterval < 0 {
		errs = append(errs, "session.cleanup_interval must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
