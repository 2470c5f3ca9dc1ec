package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/homesync/internal/database"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "console", cfg.Server.LogFormat)
	require.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "db.home.lan", cfg.Database.Postgres.Host)
	require.Equal(t, 5433, cfg.Database.Postgres.Port)

	require.Equal(t, "http://api.home.lan:3000", cfg.Upstream.BaseURL)
	require.Equal(t, 45*time.Second, cfg.Upstream.Timeout)

	require.Equal(t, "http://api.home.lan:3000/health", cfg.Connectivity.ProbeURL)
	require.Equal(t, "@every 30s", cfg.Connectivity.ProbeSchedule)
	require.Equal(t, 2*time.Second, cfg.Connectivity.ProbeTimeout)
	require.False(t, cfg.Connectivity.AssumeOnline)

	require.Equal(t, "@every 5m", cfg.Sync.DrainSchedule)
	require.Equal(t, "/var/lib/homesync/token", cfg.Auth.TokenFile)

	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/internal/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.False(t, cfg.Monitoring.Health.Enabled)
	require.Equal(t, 5, cfg.Monitoring.Health.DrainFailureThreshold)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8787, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "./data/homesync.sqlite", cfg.Database.Path)
	require.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	require.Equal(t, "@every 15s", cfg.Connectivity.ProbeSchedule)
	require.True(t, cfg.Connectivity.AssumeOnline)
	require.Empty(t, cfg.Sync.DrainSchedule)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.True(t, cfg.Monitoring.Health.Enabled)
	require.Equal(t, 3, cfg.Monitoring.Health.DrainFailureThreshold)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOMESYNC_UPSTREAM_BASE_URL", "http://10.0.0.5:8080")
	t.Setenv("HOMESYNC_SYNC_DRAIN_SCHEDULE", "@hourly")
	t.Setenv("HOMESYNC_AUTH_TOKEN", "env-token")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "http://10.0.0.5:8080", cfg.Upstream.BaseURL)
	require.Equal(t, "http://10.0.0.5:8080/health", cfg.Connectivity.ProbeURL)
	require.Equal(t, "@hourly", cfg.Sync.DrainSchedule)
	require.Equal(t, "env-token", cfg.Auth.Token)
}

func TestLoadConfigExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7001\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 7001, cfg.Server.Port)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	contents := "database:\n  driver: oracle\nupstream:\n  base_url: localhost-no-scheme\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o600))

	_, err := LoadConfig(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "config: validate")
	require.Contains(t, err.Error(), "driver")
	require.Contains(t, err.Error(), "base_url")
}

func TestDatabaseConnectionConfig(t *testing.T) {
	sqliteCfg := DatabaseConfig{Driver: "SQLite", Path: "/tmp/agent.sqlite"}
	require.Equal(t, database.Config{Driver: "sqlite", Path: "/tmp/agent.sqlite"}, sqliteCfg.ConnectionConfig())

	pgCfg := DatabaseConfig{
		Driver: "postgres",
		Postgres: DBAuthConfig{
			Host:     "db",
			Port:     5432,
			Database: "homesync",
			Username: "sync",
			Password: "pw",
		},
		MySQL: DBAuthConfig{Host: "ignored"},
	}
	require.Equal(t, database.Config{
		Driver:   "postgres",
		Host:     "db",
		Port:     5432,
		Name:     "homesync",
		User:     "sync",
		Password: "pw",
	}, pgCfg.ConnectionConfig())

	mysqlCfg := DatabaseConfig{Driver: "mariadb", MySQL: DBAuthConfig{Host: "maria", Port: 3306}}
	got := mysqlCfg.ConnectionConfig()
	require.Equal(t, "maria", got.Host)
	require.Equal(t, 3306, got.Port)
}

func TestAuthCredentials(t *testing.T) {
	store, err := AuthConfig{Token: " inline "}.Credentials()
	require.NoError(t, err)
	require.Equal(t, "inline", store.Token())

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	store, err = AuthConfig{TokenFile: path}.Credentials()
	require.NoError(t, err)
	require.Equal(t, "from-file", store.Token())

	store, err = AuthConfig{}.Credentials()
	require.NoError(t, err)
	require.Empty(t, store.Token())
}
