package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RUNTIMED_DATA_DIR", filepath.Join(dir, "data"))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "index.js", cfg.Runtime.EntryFile)
	assert.Equal(t, "config.js", cfg.Runtime.ConfigFile)
	assert.Equal(t, "version", cfg.Runtime.ReadinessKey)
	assert.Equal(t, 10*time.Second, cfg.Supervisor.HealthTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Supervisor.HealthPollInterval)
	assert.Equal(t, 2*time.Second, cfg.Supervisor.ProbeTimeout)
	assert.Equal(t, 5*time.Second, cfg.Supervisor.GracefulStopTimeout)
	assert.Equal(t, 3, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, 10*time.Second, cfg.LogPipeline.Window)
	assert.Equal(t, 2, cfg.LogPipeline.NoisyQuota)
	assert.Equal(t, 2000, cfg.LogPipeline.MaxLineLength)

	assert.Equal(t, filepath.Join(dir, "data", "dist"), cfg.Runtime.DistDir())
	assert.Equal(t, filepath.Join(dir, "data", "dist", "index.js"), cfg.Runtime.EntryPath())
	assert.Equal(t, filepath.Join(dir, "data", "runtime.pid"), cfg.Runtime.PidFile())
	assert.Equal(t, filepath.Join(dir, "data", "history.db"), cfg.HistoryPath())
	assert.Equal(t, []string{"index.js", "config.js"}, cfg.Runtime.RequiredFiles())
}

func TestLoadWithPath_ConfigFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := `
runtime:
  dataDir: ` + filepath.ToSlash(filepath.Join(dir, "rt")) + `
  entryFile: main.mjs
supervisor:
  healthTimeout: 3s
  maxRestarts: 5
logPipeline:
  window: 1m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("RUNTIMED_SUBSCRIPTION_URL", "https://user:pw@example.com/rt/index.js")
	t.Setenv("RUNTIMED_DEBUG", "true")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "main.mjs", cfg.Runtime.EntryFile)
	assert.Equal(t, 3*time.Second, cfg.Supervisor.HealthTimeout)
	assert.Equal(t, 5, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, time.Minute, cfg.LogPipeline.Window)
	assert.Equal(t, "https://user:pw@example.com/rt/index.js", cfg.Sync.SubscriptionURL)
	assert.True(t, cfg.LogPipeline.Verbose)
}

func TestLoadWithPath_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("RUNTIMED_DATA_DIR", "~/rt")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "rt"), cfg.Runtime.DataDir)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Enabled: true, Host: "127.0.0.1", Port: 9477},
			Runtime: RuntimeConfig{
				Enabled: true, DataDir: "/tmp/rt", Interpreter: "node",
				EntryFile: "index.js", ConfigFile: "config.js", ReadinessKey: "version",
			},
			Sync: SyncConfig{RequestTimeout: time.Second, DownloadTimeout: time.Second},
			Supervisor: SupervisorConfig{
				HealthTimeout: time.Second, HealthPollInterval: time.Second,
				ProbeTimeout: time.Second, GracefulStopTimeout: time.Second, MaxRestarts: 3,
			},
			LogPipeline: LogPipelineConfig{Window: time.Second, NoisyQuota: 2, MaxLineLength: 10},
			History:     HistoryConfig{Enabled: true, Driver: "sqlite"},
		}
	}

	cfg := valid()
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	require.NoError(t, validate(cfg))

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"same files", func(c *Config) { c.Runtime.ConfigFile = "index.js" }, "must differ"},
		{"path in entry", func(c *Config) { c.Runtime.EntryFile = "dist/index.js" }, "bare file names"},
		{"no interpreter", func(c *Config) { c.Runtime.Interpreter = "" }, "runtime.interpreter"},
		{"negative restarts", func(c *Config) { c.Supervisor.MaxRestarts = -1 }, "maxRestarts"},
		{"postgres without dsn", func(c *Config) { c.History.Driver = "postgres" }, "history.dsn"},
		{"unknown driver", func(c *Config) { c.History.Driver = "mysql" }, "history.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			c.Logging.Level = "info"
			c.Logging.Format = "json"
			tt.mutate(c)
			err := validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadWithPath_RelativeDataDirBecomesAbsolute(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RUNTIMED_DATA_DIR", "data")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.Runtime.DataDir), cfg.Runtime.DataDir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "data"), cfg.Runtime.DataDir)
	assert.True(t, filepath.IsAbs(cfg.Runtime.EntryPath()))
}
