package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "codedrop"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("env-file", "", "")
	cmd.Flags().String("data-dir", "", "")
	cmd.Flags().String("listen", ":8080", "")
	cmd.Flags().String("log-level", "info", "")
	cmd.Flags().String("metadata-backend", "sqlite", "")
	return cmd
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, ":8080", v.GetString("listen"))
	assert.Equal(t, "info", v.GetString("log_level"))
	assert.Equal(t, "json", v.GetString("log_format"))
	assert.False(t, v.GetBool("enable_tls"))
}

func TestSetDefaults_Share(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, 24*time.Hour, v.GetDuration("share.ttl"))
	assert.Equal(t, int64(50*1024*1024), v.GetInt64("share.max_file_size"))
	assert.Equal(t, 5, v.GetInt("share.max_code_attempts"))
	assert.Contains(t, v.GetStringSlice("share.allowed_types"), "application/pdf")
	assert.Contains(t, v.GetStringSlice("share.allowed_types"), "image/webp")
}

func TestSetDefaults_Reaper(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.True(t, v.GetBool("reaper.enable"))
	assert.Equal(t, 5*time.Minute, v.GetDuration("reaper.interval"))
}

func TestSetDefaults_Backends(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.Equal(t, "filesystem", v.GetString("storage.backend"))
	assert.Equal(t, "sqlite", v.GetString("metadata.backend"))
	assert.Equal(t, "sql", v.GetString("auth.directory"))
	assert.True(t, v.GetBool("metrics.enable"))
	assert.Equal(t, "/metrics", v.GetString("metrics.path"))
}

func TestSetDefaults_LogShipping(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	assert.False(t, v.GetBool("logging.syslog.enable"))
	assert.Equal(t, "udp", v.GetString("logging.syslog.protocol"))
	assert.Equal(t, "codedrop", v.GetString("logging.syslog.tag"))
	assert.False(t, v.GetBool("logging.http.enable"))
	assert.Equal(t, 100, v.GetInt("logging.http.batch_size"))
	assert.Equal(t, 5*time.Second, v.GetDuration("logging.http.flush_interval"))

	assert.True(t, v.GetBool("audit.enable"))
	assert.Equal(t, 90, v.GetInt("audit.retention_days"))
}

func TestLoad_FromFlags(t *testing.T) {
	dataDir := t.TempDir()
	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("data-dir", dataDir))
	require.NoError(t, cmd.Flags().Set("listen", ":9999"))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "objects"), cfg.Storage.Root)
	assert.Equal(t, filepath.Join(dataDir, "db", "codedrop.db"), cfg.Metadata.DSN)
	assert.Equal(t, 24*time.Hour, cfg.Share.TTL)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.DirExists(t, cfg.Storage.Root)
}

func TestLoad_ConfigFile(t *testing.T) {
	dataDir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "codedrop.yaml")
	content := "data_dir: " + dataDir + "\n" +
		"share:\n  ttl: 2h\n  max_code_attempts: 3\n" +
		"reaper:\n  interval: 1m\n  token: sweep-secret\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("config", configPath))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Share.TTL)
	assert.Equal(t, 3, cfg.Share.MaxCodeAttempts)
	assert.Equal(t, time.Minute, cfg.Reaper.Interval)
	assert.Equal(t, "sweep-secret", cfg.Reaper.Token)
}

func TestLoad_EnvFile(t *testing.T) {
	dataDir := t.TempDir()
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CODEDROP_REAPER_TOKEN=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("CODEDROP_REAPER_TOKEN") })

	cmd := newTestCommand()
	require.NoError(t, cmd.Flags().Set("data-dir", dataDir))
	require.NoError(t, cmd.Flags().Set("env-file", envPath))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Reaper.Token)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		return &Config{
			DataDir:  t.TempDir(),
			Storage:  StorageConfig{Backend: "filesystem"},
			Metadata: MetadataConfig{Backend: "sqlite"},
			Share:    ShareConfig{TTL: time.Hour, MaxFileSize: 10, MaxCodeAttempts: 1},
			Auth:     AuthConfig{Directory: "sql"},
		}
	}

	t.Run("valid config", func(t *testing.T) {
		cfg := base(t)
		require.NoError(t, validate(cfg))
		assert.Equal(t, DefaultAllowedTypes, cfg.Share.AllowedTypes)
	})

	t.Run("missing data dir", func(t *testing.T) {
		cfg := base(t)
		cfg.DataDir = ""
		assert.Error(t, validate(cfg))
	})

	t.Run("unsupported storage backend", func(t *testing.T) {
		cfg := base(t)
		cfg.Storage.Backend = "tape"
		assert.Error(t, validate(cfg))
	})

	t.Run("mysql requires dsn", func(t *testing.T) {
		cfg := base(t)
		cfg.Metadata.Backend = "mysql"
		assert.Error(t, validate(cfg))
	})

	t.Run("badger gets default path", func(t *testing.T) {
		cfg := base(t)
		cfg.Metadata.Backend = "badger"
		require.NoError(t, validate(cfg))
		assert.Equal(t, filepath.Join(cfg.DataDir, "metadata"), cfg.Metadata.Path)
	})

	t.Run("zero ttl rejected", func(t *testing.T) {
		cfg := base(t)
		cfg.Share.TTL = 0
		assert.Error(t, validate(cfg))
	})

	t.Run("tls requires cert and key", func(t *testing.T) {
		cfg := base(t)
		cfg.EnableTLS = true
		assert.Error(t, validate(cfg))
	})

	t.Run("ldap requires host", func(t *testing.T) {
		cfg := base(t)
		cfg.Auth.Directory = "ldap"
		assert.Error(t, validate(cfg))
	})
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".jwt_secret")

	first, err := loadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := loadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
