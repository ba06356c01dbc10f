package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "OPENBOX"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "openbox.db"
	defaultLogLevel        = "info"
	defaultLogMaxSizeMB    = 100
	defaultLogMaxBackups   = 5
	defaultLogMaxAgeDays   = 30
	defaultSessionIssuer   = "openbox"
	defaultCookieName      = "openbox_session"
	defaultCacheTTLMinutes = 60
	defaultUploadMaxBytes  = 50 << 20
	defaultUploadEntries   = 5000
	defaultUploadEntrySize = 10 << 20
	defaultUploadRate      = 30
	defaultUploadBurst     = 5
	defaultIngestTimeout   = 120
	defaultDiffWorkers     = 4
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	Database       DatabaseConfig
	Log            LogConfig
	Auth           AuthConfig
	Redis          RedisConfig
	Cache          CacheConfig
	Upload         UploadConfig
	Ingest         IngestConfig
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// LogConfig controls the zap logger and the optional rotating file sink.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AuthConfig describes how session tokens are signed and located.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// RedisConfig points at the optional commit diff cache. An empty address disables it.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// CacheConfig bounds cached commit diffs.
type CacheConfig struct {
	TTL time.Duration
}

// UploadConfig bounds archive uploads.
type UploadConfig struct {
	MaxBytes      int64
	MaxEntries    int
	MaxEntryBytes int64
	RatePerMinute int
	Burst         int
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Timeout     time.Duration
	DiffWorkers int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("cache.ttl_minutes", defaultCacheTTLMinutes)
	configViper.SetDefault("upload.max_bytes", defaultUploadMaxBytes)
	configViper.SetDefault("upload.max_entries", defaultUploadEntries)
	configViper.SetDefault("upload.max_entry_bytes", defaultUploadEntrySize)
	configViper.SetDefault("upload.rate_per_minute", defaultUploadRate)
	configViper.SetDefault("upload.burst", defaultUploadBurst)
	configViper.SetDefault("ingest.timeout_seconds", defaultIngestTimeout)
	configViper.SetDefault("ingest.diff_workers", defaultDiffWorkers)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Log: LogConfig{
			Level:      configViper.GetString("log.level"),
			File:       configViper.GetString("log.file"),
			MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
			MaxBackups: configViper.GetInt("log.max_backups"),
			MaxAgeDays: configViper.GetInt("log.max_age_days"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
		},
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		Cache: CacheConfig{
			TTL: time.Duration(configViper.GetInt("cache.ttl_minutes")) * time.Minute,
		},
		Upload: UploadConfig{
			MaxBytes:      configViper.GetInt64("upload.max_bytes"),
			MaxEntries:    configViper.GetInt("upload.max_entries"),
			MaxEntryBytes: configViper.GetInt64("upload.max_entry_bytes"),
			RatePerMinute: configViper.GetInt("upload.rate_per_minute"),
			Burst:         configViper.GetInt("upload.burst"),
		},
		Ingest: IngestConfig{
			Timeout:     time.Duration(configViper.GetInt("ingest.timeout_seconds")) * time.Second,
			DiffWorkers: configViper.GetInt("ingest.diff_workers"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RequireSigningSecret reports an error when no session signing secret is configured.
func (c AppConfig) RequireSigningSecret() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if c.Upload.MaxEntryBytes <= 0 {
		return fmt.Errorf("upload.max_entry_bytes must be positive")
	}
	if c.Upload.RatePerMinute <= 0 || c.Upload.Burst <= 0 {
		return fmt.Errorf("upload.rate_per_minute and upload.burst must be positive")
	}
	if c.Ingest.Timeout <= 0 {
		return fmt.Errorf("ingest.timeout_seconds must be positive")
	}
	if c.Ingest.DiffWorkers <= 0 {
		return fmt.Errorf("ingest.diff_workers must be positive")
	}
	return nil
}
