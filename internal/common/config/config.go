// Package config provides configuration management for runtimed.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/runtimed/internal/common/logger"
)

// Config holds all configuration sections for runtimed.
type Config struct {
	Server      ServerConfig         `mapstructure:"server"`
	Runtime     RuntimeConfig        `mapstructure:"runtime"`
	Sync        SyncConfig           `mapstructure:"sync"`
	Supervisor  SupervisorConfig     `mapstructure:"supervisor"`
	LogPipeline LogPipelineConfig    `mapstructure:"logPipeline"`
	Logging     logger.LoggingConfig `mapstructure:"logging"`
	Events      EventsConfig         `mapstructure:"events"`
	History     HistoryConfig        `mapstructure:"history"`
	Metrics     MetricsConfig        `mapstructure:"metrics"`
}

// ServerConfig holds the host control API bind address.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// RuntimeConfig describes the managed runtime and where its files live.
type RuntimeConfig struct {
	// Enabled gates the whole subsystem. When false, Start and sync are no-ops.
	Enabled bool `mapstructure:"enabled"`

	// DataDir holds dist/, work/, the pid marker and the history database.
	DataDir string `mapstructure:"dataDir"`

	// Interpreter runs the entry file, e.g. "node".
	Interpreter     string   `mapstructure:"interpreter"`
	InterpreterArgs []string `mapstructure:"interpreterArgs"`

	// EntryFile and ConfigFile are the required distribution files.
	EntryFile  string `mapstructure:"entryFile"`
	ConfigFile string `mapstructure:"configFile"`

	// DistDirEnv and SearchPathEnv name the variables handed to the child.
	DistDirEnv    string `mapstructure:"distDirEnv"`
	SearchPathEnv string `mapstructure:"searchPathEnv"`

	// ReadinessKey is the top-level key in GET /config that marks the runtime ready.
	ReadinessKey string `mapstructure:"readinessKey"`
}

// SyncConfig holds artifact subscription settings.
type SyncConfig struct {
	SubscriptionURL string        `mapstructure:"subscriptionUrl"`
	RequestTimeout  time.Duration `mapstructure:"requestTimeout"`
	DownloadTimeout time.Duration `mapstructure:"downloadTimeout"`
	SyncOnStart     bool          `mapstructure:"syncOnStart"`
}

// SupervisorConfig holds lifecycle and restart policy settings.
type SupervisorConfig struct {
	StartOnBoot         bool          `mapstructure:"startOnBoot"`
	HealthTimeout       time.Duration `mapstructure:"healthTimeout"`
	HealthPollInterval  time.Duration `mapstructure:"healthPollInterval"`
	ProbeTimeout        time.Duration `mapstructure:"probeTimeout"`
	GracefulStopTimeout time.Duration `mapstructure:"gracefulStopTimeout"`
	AutoRestart         bool          `mapstructure:"autoRestart"`
	MaxRestarts         int           `mapstructure:"maxRestarts"`
}

// LogPipelineConfig controls child output redaction and rate limiting.
type LogPipelineConfig struct {
	// Verbose is the persisted debug setting; it disables suppression.
	Verbose       bool          `mapstructure:"verbose"`
	Window        time.Duration `mapstructure:"window"`
	NoisyQuota    int           `mapstructure:"noisyQuota"`
	MaxLineLength int           `mapstructure:"maxLineLength"`
}

// EventsConfig selects the event bus. An empty NATSURL means in-memory.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// HistoryConfig selects the history store backend.
type HistoryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file; defaults to <dataDir>/history.db
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
}

// MetricsConfig controls the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// DistDir returns the directory holding the distribution files.
func (r *RuntimeConfig) DistDir() string {
	return filepath.Join(r.DataDir, "dist")
}

// WorkDir returns the isolated working directory for the child.
func (r *RuntimeConfig) WorkDir() string {
	return filepath.Join(r.DataDir, "work")
}

// PidFile returns the path of the persisted pid marker.
func (r *RuntimeConfig) PidFile() string {
	return filepath.Join(r.DataDir, "runtime.pid")
}

// EntryPath returns the absolute path of the entry script.
func (r *RuntimeConfig) EntryPath() string {
	return filepath.Join(r.DistDir(), r.EntryFile)
}

// RequiredFiles returns the names of the distribution files, entry first.
func (r *RuntimeConfig) RequiredFiles() []string {
	return []string{r.EntryFile, r.ConfigFile}
}

// Addr returns the host:port the control API binds to.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HistoryPath returns the sqlite path, defaulting into the data dir.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Runtime.DataDir, "history.db")
}

// detectDefaultLogFormat returns "json" in production environments and "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RUNTIMED_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9477)

	v.SetDefault("runtime.enabled", true)
	v.SetDefault("runtime.dataDir", "~/.runtimed")
	v.SetDefault("runtime.interpreter", "node")
	v.SetDefault("runtime.interpreterArgs", []string{})
	v.SetDefault("runtime.entryFile", "index.js")
	v.SetDefault("runtime.configFile", "config.js")
	v.SetDefault("runtime.distDirEnv", "RUNTIMED_DIST_DIR")
	v.SetDefault("runtime.searchPathEnv", "NODE_PATH")
	v.SetDefault("runtime.readinessKey", "version")

	v.SetDefault("sync.subscriptionUrl", "")
	v.SetDefault("sync.requestTimeout", 15*time.Second)
	v.SetDefault("sync.downloadTimeout", 5*time.Minute)
	v.SetDefault("sync.syncOnStart", true)

	v.SetDefault("supervisor.startOnBoot", true)
	v.SetDefault("supervisor.healthTimeout", 10*time.Second)
	v.SetDefault("supervisor.healthPollInterval", 500*time.Millisecond)
	v.SetDefault("supervisor.probeTimeout", 2*time.Second)
	v.SetDefault("supervisor.gracefulStopTimeout", 5*time.Second)
	v.SetDefault("supervisor.autoRestart", true)
	v.SetDefault("supervisor.maxRestarts", 3)

	v.SetDefault("logPipeline.verbose", false)
	v.SetDefault("logPipeline.window", 10*time.Second)
	v.SetDefault("logPipeline.noisyQuota", 2)
	v.SetDefault("logPipeline.maxLineLength", 2000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Empty URL means use in-memory event bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "runtimed")
	v.SetDefault("events.maxReconnects", 10)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.path", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.maxConns", 5)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "runtimed")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RUNTIMED_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/runtimed/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RUNTIMED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("runtime.dataDir", "RUNTIMED_DATA_DIR")
	_ = v.BindEnv("sync.subscriptionUrl", "RUNTIMED_SUBSCRIPTION_URL")
	_ = v.BindEnv("logPipeline.verbose", "RUNTIMED_DEBUG", "RUNTIMED_LOG_PIPELINE_VERBOSE")
	_ = v.BindEnv("events.natsUrl", "RUNTIMED_NATS_URL")
	_ = v.BindEnv("history.dsn", "RUNTIMED_HISTORY_DSN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runtimed/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	dataDir, err := resolveDir(cfg.Runtime.DataDir)
	if err != nil {
		return nil, fmt.Errorf("error resolving runtime.dataDir: %w", err)
	}
	cfg.Runtime.DataDir = dataDir

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// resolveDir expands a leading ~ and makes path absolute. The child runs in
// its own work dir, so every path handed to it must be absolute.
func resolveDir(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Runtime.DataDir == "" {
		errs = append(errs, "runtime.dataDir is required")
	}
	if cfg.Runtime.EntryFile == "" || cfg.Runtime.ConfigFile == "" {
		errs = append(errs, "runtime.entryFile and runtime.configFile are required")
	}
	if cfg.Runtime.EntryFile == cfg.Runtime.ConfigFile {
		errs = append(errs, "runtime.entryFile and runtime.configFile must differ")
	}
	if strings.ContainsAny(cfg.Runtime.EntryFile+cfg.Runtime.ConfigFile, `/\`) {
		errs = append(errs, "runtime.entryFile and runtime.configFile must be bare file names")
	}
	if cfg.Runtime.Enabled && cfg.Runtime.Interpreter == "" {
		errs = append(errs, "runtime.interpreter is required when runtime.enabled is set")
	}
	if cfg.Runtime.ReadinessKey == "" {
		errs = append(errs, "runtime.readinessKey is required")
	}

	if cfg.Sync.RequestTimeout <= 0 || cfg.Sync.DownloadTimeout <= 0 {
		errs = append(errs, "sync timeouts must be positive")
	}

	if cfg.Supervisor.HealthTimeout <= 0 || cfg.Supervisor.HealthPollInterval <= 0 ||
		cfg.Supervisor.ProbeTimeout <= 0 || cfg.Supervisor.GracefulStopTimeout <= 0 {
		errs = append(errs, "supervisor timeouts must be positive")
	}
	if cfg.Supervisor.MaxRestarts < 0 {
		errs = append(errs, "supervisor.maxRestarts must not be negative")
	}

	if cfg.LogPipeline.Window <= 0 {
		errs = append(errs, "logPipeline.window must be positive")
	}
	if cfg.LogPipeline.NoisyQuota < 0 {
		errs = append(errs, "logPipeline.noisyQuota must not be negative")
	}
	if cfg.LogPipeline.MaxLineLength <= 0 {
		errs = append(errs, "logPipeline.maxLineLength must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.History.Enabled {
		switch cfg.History.Driver {
		case "sqlite":
		case "postgres":
			if cfg.History.DSN == "" {
				errs = append(errs, "history.dsn is required when history.driver is postgres")
			}
		default:
			errs = append(errs, "history.driver must be one of: sqlite, postgres")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
