package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/pkg/schema"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "libsql", cfg.Store.Driver)
	assert.Contains(t, cfg.Store.DBPath, "outflow.db")
	assert.Equal(t, "* * * * *", cfg.Scheduler.SweepCron)
	assert.Equal(t, "*/10 * * * *", cfg.Scheduler.RecoveryCron)
	assert.Equal(t, "log", cfg.Provider.Mode)

	// Tuning knobs stay zero so package defaults apply.
	assert.Zero(t, cfg.Engine.PoolSize)
	assert.Zero(t, cfg.Guard.PerSecond)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
log_level: debug
log_json: true
store:
  driver: postgres
  url: postgres://outflow:secret@db:5432/outflow
engine:
  pool_size: 16
  sweep_batch: 250
scheduler:
  sweep_cron: "*/5 * * * *"
  run_timeout: 90s
guard:
  redis_url: redis://cache:6379/0
  per_second: 25
  failure_window: 2m
provider:
  mode: http
  channels:
    email:
      url: https://send.example.com/email
      token: tok-email
metrics:
  endpoint: https://track.example.com
  paths:
    views: .stats.opens
`)

	cfg := loadConfig(path)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://outflow:secret@db:5432/outflow", cfg.Store.URL)
	assert.Equal(t, 16, cfg.Engine.PoolSize)
	assert.Equal(t, 250, cfg.Engine.SweepBatch)
	assert.Equal(t, "*/5 * * * *", cfg.Scheduler.SweepCron)
	assert.Equal(t, "90s", cfg.Scheduler.RunTimeout)
	assert.Equal(t, "redis://cache:6379/0", cfg.Guard.RedisURL)
	assert.Equal(t, int64(25), cfg.Guard.PerSecond)
	assert.Equal(t, "http", cfg.Provider.Mode)
	assert.Equal(t, "tok-email", cfg.Provider.Channels["email"].Token)
	assert.Equal(t, ".stats.opens", cfg.Metrics.Paths["views"])

	// Fields the file leaves out keep their defaults.
	assert.Equal(t, "*/10 * * * *", cfg.Scheduler.RecoveryCron)
	assert.Zero(t, cfg.Guard.PerMinute)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
store:
  driver: postgres
  url: postgres://db/outflow
engine:
  pool_size: 16
`)

	t.Setenv("OUTFLOW_DB_DRIVER", "libsql")
	t.Setenv("OUTFLOW_DB_PATH", "/var/lib/outflow/engine.db")
	t.Setenv("OUTFLOW_POOL_SIZE", "32")
	t.Setenv("OUTFLOW_SWEEP_CRON", "*/2 * * * *")

	cfg := loadConfig(path)

	assert.Equal(t, "libsql", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/outflow/engine.db", cfg.Store.DBPath)
	assert.Equal(t, 32, cfg.Engine.PoolSize)
	assert.Equal(t, "*/2 * * * *", cfg.Scheduler.SweepCron)
}

func TestLoadConfig_BadEnvNumberIgnored(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  pool_size: 16
`)

	t.Setenv("OUTFLOW_POOL_SIZE", "not-a-number")

	cfg := loadConfig(path)
	assert.Equal(t, 16, cfg.Engine.PoolSize)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), duration(""))
	assert.Equal(t, 45*time.Second, duration("45s"))
	assert.Equal(t, 2*time.Minute, duration("2m"))
	assert.Equal(t, time.Duration(0), duration("bogus"))
}

func TestConfig_PackageConfigMapping(t *testing.T) {
	var cfg Config
	cfg.Guard.PerSecond = 25
	cfg.Guard.FailureWindow = "2m"
	cfg.Scheduler.RunTimeout = "90s"
	cfg.Queue.PollInterval = "3s"
	cfg.Recovery.InactivityWindow = "45m"
	cfg.Provider.Channels = map[string]ChannelConfig{
		"email": {URL: "https://send.example.com/email", Token: "tok"},
	}
	cfg.Metrics.Paths = map[string]string{"views": ".stats.opens"}

	guard := cfg.guardConfig()
	assert.Equal(t, int64(25), guard.PerSecond)
	assert.Equal(t, 2*time.Minute, guard.FailureWindow)
	assert.Zero(t, guard.OpenCooldown, "unset durations stay zero for package defaults")

	assert.Equal(t, 90*time.Second, cfg.schedulerConfig().RunTimeout)
	assert.Equal(t, 3*time.Second, cfg.consumerConfig().PollInterval)
	assert.Equal(t, 45*time.Minute, cfg.recoveryConfig().InactivityWindow)

	endpoints := cfg.providerConfig().Endpoints
	require.Contains(t, endpoints, "email")
	assert.Equal(t, "tok", endpoints["email"].Token)

	paths := cfg.metricsConfig().Paths
	assert.Equal(t, ".stats.opens", paths[schema.ParamViews])
}
