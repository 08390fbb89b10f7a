package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for codedrop
type Config struct {
	// Server configuration
	Listen    string `mapstructure:"listen"`
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json, text

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	Storage   StorageConfig   `mapstructure:"storage"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Share     ShareConfig     `mapstructure:"share"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// StorageConfig defines the object store holding file bytes
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // filesystem, s3, minio

	// Filesystem backend
	Root string `mapstructure:"root"`

	// S3 and MinIO backends
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// MetadataConfig defines the share metadata store
type MetadataConfig struct {
	Backend string `mapstructure:"backend"` // sqlite, mysql, postgres, badger, pebble

	// DSN for sqlite, mysql and postgres. Empty sqlite DSN means <data_dir>/db/codedrop.db
	DSN string `mapstructure:"dsn"`

	// Directory for badger and pebble. Empty means <data_dir>/metadata
	Path       string `mapstructure:"path"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// ShareConfig defines upload constraints and expiry
type ShareConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaxFileSize     int64         `mapstructure:"max_file_size"`
	MaxCodeAttempts int           `mapstructure:"max_code_attempts"`
	AllowedTypes    []string      `mapstructure:"allowed_types"`
}

// ReaperConfig defines the expiry reaper
type ReaperConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Interval time.Duration `mapstructure:"interval"`
	Token    string        `mapstructure:"token"` // bearer token for POST /api/v1/reaper/sweep
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// AuthConfig defines the identity directory and token settings
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`

	// Directory backend for username lookups: sql or ldap
	Directory string     `mapstructure:"directory"`
	LDAP      LDAPConfig `mapstructure:"ldap"`
}

// LDAPConfig defines the optional LDAP username directory
type LDAPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Security     string `mapstructure:"security"` // none, tls, starttls
	BindDN       string `mapstructure:"bind_dn"`
	BindPassword string `mapstructure:"bind_password"`
	BaseDN       string `mapstructure:"base_dn"`
	UserFilter   string `mapstructure:"user_filter"`
	AttrUsername string `mapstructure:"attr_username"`
}

// RedisConfig enables the distributed reaper lock and shared rate limiting
type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // empty disables redis
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig throttles code lookups per client
type RateLimitConfig struct {
	Enable            bool    `mapstructure:"enable"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"`
}

// TracingConfig defines OpenTelemetry export
type TracingConfig struct {
	Enable      bool    `mapstructure:"enable"`
	Endpoint    string  `mapstructure:"endpoint"` // host:port of the OTLP HTTP collector
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// AuditConfig defines the account and share audit trail
type AuditConfig struct {
	Enable        bool `mapstructure:"enable"`
	RetentionDays int  `mapstructure:"retention_days"` // 0 keeps events forever
}

// LoggingConfig defines remote log shipping next to stderr output
type LoggingConfig struct {
	Syslog SyslogConfig  `mapstructure:"syslog"`
	HTTP   HTTPLogConfig `mapstructure:"http"`
}

// SyslogConfig ships entries to a syslog daemon
type SyslogConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Protocol string `mapstructure:"protocol"` // tcp, udp
	Addr     string `mapstructure:"addr"`
	Tag      string `mapstructure:"tag"`
	Level    string `mapstructure:"level"`
}

// HTTPLogConfig ships JSON batches to a collector endpoint
type HTTPLogConfig struct {
	Enable        bool          `mapstructure:"enable"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Level         string        `mapstructure:"level"`
}

// DefaultAllowedTypes are the content types accepted for upload
var DefaultAllowedTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	// A dotenv file only seeds the process environment; real env vars win
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CODEDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("enable_tls", false)
	v.SetDefault("cert_file", "")
	v.SetDefault("key_file", "")

	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.root", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "shared-files")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")

	v.SetDefault("metadata.backend", "sqlite")
	v.SetDefault("metadata.dsn", "")
	v.SetDefault("metadata.path", "")
	v.SetDefault("metadata.sync_writes", true)

	v.SetDefault("share.ttl", 24*time.Hour)
	v.SetDefault("share.max_file_size", int64(50*1024*1024))
	v.SetDefault("share.max_code_attempts", 5)
	v.SetDefault("share.allowed_types", DefaultAllowedTypes)

	v.SetDefault("reaper.enable", true)
	v.SetDefault("reaper.interval", 5*time.Minute)
	v.SetDefault("reaper.lock_ttl", 2*time.Minute)
	v.SetDefault("reaper.token", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("auth.directory", "sql")
	v.SetDefault("auth.ldap.host", "")
	v.SetDefault("auth.ldap.port", 389)
	v.SetDefault("auth.ldap.bind_dn", "")
	v.SetDefault("auth.ldap.bind_password", "")
	v.SetDefault("auth.ldap.base_dn", "")
	v.SetDefault("auth.ldap.security", "none")
	v.SetDefault("auth.ldap.user_filter", "(objectClass=person)")
	v.SetDefault("auth.ldap.attr_username", "uid")

	// Empty address disables redis; every key needs a default so env overrides reach Unmarshal
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.enable", true)
	v.SetDefault("rate_limit.requests_per_minute", 60.0)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.interval", 30)

	v.SetDefault("tracing.enable", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "codedrop")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("audit.enable", true)
	v.SetDefault("audit.retention_days", 90)

	v.SetDefault("logging.syslog.enable", false)
	v.SetDefault("logging.syslog.protocol", "udp")
	v.SetDefault("logging.syslog.addr", "")
	v.SetDefault("logging.syslog.tag", "codedrop")
	v.SetDefault("logging.syslog.level", "info")
	v.SetDefault("logging.http.enable", false)
	v.SetDefault("logging.http.url", "")
	v.SetDefault("logging.http.token", "")
	v.SetDefault("logging.http.batch_size", 100)
	v.SetDefault("logging.http.flush_interval", 5*time.Second)
	v.SetDefault("logging.http.level", "info")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":           "listen",
		"data-dir":         "data_dir",
		"log-level":        "log_level",
		"enable-tls":       "enable_tls",
		"cert-file":        "cert_file",
		"key-file":         "key_file",
		"storage-backend":  "storage.backend",
		"metadata-backend": "metadata.backend",
		"metadata-dsn":     "metadata.dsn",
		"redis-addr":       "redis.addr",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or CODEDROP_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Storage.Backend {
	case "filesystem", "":
		cfg.Storage.Backend = "filesystem"
		if cfg.Storage.Root == "" {
			cfg.Storage.Root = filepath.Join(cfg.DataDir, "objects")
		}
		if !filepath.IsAbs(cfg.Storage.Root) {
			if absRoot, err := filepath.Abs(cfg.Storage.Root); err == nil {
				cfg.Storage.Root = absRoot
			}
		}
		if _, err := os.Stat(cfg.Storage.Root); os.IsNotExist(err) {
			logrus.Debugf("Creating storage root: %s", cfg.Storage.Root)
			if err := os.MkdirAll(cfg.Storage.Root, 0755); err != nil {
				return fmt.Errorf("failed to create storage root: %w", err)
			}
		}
	case "s3", "minio":
		if cfg.Storage.Endpoint == "" && cfg.Storage.Backend == "minio" {
			return fmt.Errorf("storage.endpoint is required for the minio backend")
		}
		if cfg.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}

	switch cfg.Metadata.Backend {
	case "sqlite", "":
		cfg.Metadata.Backend = "sqlite"
		if cfg.Metadata.DSN == "" {
			cfg.Metadata.DSN = filepath.Join(cfg.DataDir, "db", "codedrop.db")
		}
	case "mysql", "postgres":
		if cfg.Metadata.DSN == "" {
			return fmt.Errorf("metadata.dsn is required for the %s backend", cfg.Metadata.Backend)
		}
	case "badger", "pebble":
		if cfg.Metadata.Path == "" {
			cfg.Metadata.Path = filepath.Join(cfg.DataDir, "metadata")
		}
		// Identities still live in SQL; default to the embedded sqlite file
		if cfg.Metadata.DSN == "" {
			cfg.Metadata.DSN = filepath.Join(cfg.DataDir, "db", "codedrop.db")
		}
	default:
		return fmt.Errorf("unsupported metadata backend: %s", cfg.Metadata.Backend)
	}

	if cfg.Share.TTL <= 0 {
		return fmt.Errorf("share.ttl must be positive")
	}
	if cfg.Share.MaxFileSize <= 0 {
		return fmt.Errorf("share.max_file_size must be positive")
	}
	if cfg.Share.MaxCodeAttempts <= 0 {
		return fmt.Errorf("share.max_code_attempts must be positive")
	}
	if len(cfg.Share.AllowedTypes) == 0 {
		cfg.Share.AllowedTypes = DefaultAllowedTypes
	}

	if cfg.Reaper.Enable && cfg.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive when the reaper is enabled")
	}

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	switch cfg.Auth.Directory {
	case "sql", "":
		cfg.Auth.Directory = "sql"
	case "ldap":
		if cfg.Auth.LDAP.Host == "" || cfg.Auth.LDAP.BaseDN == "" {
			return fmt.Errorf("auth.ldap.host and auth.ldap.base_dn are required for the ldap directory")
		}
	default:
		return fmt.Errorf("unsupported auth directory: %s", cfg.Auth.Directory)
	}

	if cfg.Auth.JWTSecret == "" {
		secret, err := loadOrCreateSecret(filepath.Join(cfg.DataDir, ".jwt_secret"))
		if err != nil {
			return fmt.Errorf("failed to prepare jwt secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
	}

	return nil
}
