// Package config loads chartsync configuration.
//
// Settings come from three layers, lowest to highest precedence: built-in
// defaults, the YAML config file, and CHARTSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultDirName is the per-user data directory under $HOME.
	DefaultDirName = ".chartsync"

	// FileName is the config file name inside the data directory.
	FileName = "config.yaml"
)

// Config holds all chartsync settings.
type Config struct {
	// DataDir is the root directory for local state.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// DatabasePath is the SQLite queue database. Defaults to
	// DataDir/queue.db.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// SpoolDir is where the documentation client drops mutation files.
	// Defaults to DataDir/spool.
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir"`

	Backend   Backend   `mapstructure:"backend" yaml:"backend"`
	Sync      Sync      `mapstructure:"sync" yaml:"sync"`
	Dashboard Dashboard `mapstructure:"dashboard" yaml:"dashboard"`
	Log       Log       `mapstructure:"log" yaml:"log"`
}

// Backend holds remote API settings.
type Backend struct {
	// BaseURL of the records API, e.g. https://records.example.com/api/v1.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Token is the bearer token for API calls.
	Token string `mapstructure:"token" yaml:"token"`

	// Timeout per remote call.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Sync holds engine and scheduler settings.
type Sync struct {
	// Interval between automatic passes while idle.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// BatchSize is how many pending mutations one queue pull returns.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// MaxRetries before a mutation is marked failed.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// BackoffBase is the initial retry delay.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`

	// ProbeInterval between connectivity probes while online.
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`

	// OfflineProbeInterval between probes while offline.
	OfflineProbeInterval time.Duration `mapstructure:"offline_probe_interval" yaml:"offline_probe_interval"`

	// Resolution is the default conflict resolution: server-wins,
	// client-wins, merge, or manual.
	Resolution string `mapstructure:"resolution" yaml:"resolution"`
}

// Dashboard holds monitoring server settings.
type Dashboard struct {
	// Enabled starts the WebSocket dashboard with the daemon.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port for the dashboard HTTP server.
	Port int `mapstructure:"port" yaml:"port"`
}

// Log holds daemon log file settings.
type Log struct {
	// File is the daemon log path. Defaults to DataDir/chartsync.log.
	// Empty after defaulting means stderr only.
	File string `mapstructure:"file" yaml:"file"`

	// MaxSizeMB before the log file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is how long to keep rotated files.
	MaxAgeDays int `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the built-in configuration rooted at the user's home
// directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, DefaultDirName)

	return &Config{
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "queue.db"),
		SpoolDir:     filepath.Join(dataDir, "spool"),
		Backend: Backend{
			Timeout: 15 * time.Second,
		},
		Sync: Sync{
			Interval:             30 * time.Second,
			BatchSize:            25,
			MaxRetries:           5,
			BackoffBase:          time.Second,
			BackoffMax:           2 * time.Minute,
			ProbeInterval:        30 * time.Second,
			OfflineProbeInterval: 5 * time.Second,
			Resolution:           "server-wins",
		},
		Dashboard: Dashboard{
			Enabled: false,
			Port:    8844,
		},
		Log: Log{
			File:       filepath.Join(dataDir, "chartsync.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
		},
	}
}

// Load reads configuration from the given file path, falling back to the
// default location when path is empty. A missing config file is not an
// error; defaults and environment variables still apply.
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("database_path", "")
	v.SetDefault("spool_dir", "")
	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", def.Backend.Timeout)
	v.SetDefault("sync.interval", def.Sync.Interval)
	v.SetDefault("sync.batch_size", def.Sync.BatchSize)
	v.SetDefault("sync.max_retries", def.Sync.MaxRetries)
	v.SetDefault("sync.backoff_base", def.Sync.BackoffBase)
	v.SetDefault("sync.backoff_max", def.Sync.BackoffMax)
	v.SetDefault("sync.probe_interval", def.Sync.ProbeInterval)
	v.SetDefault("sync.offline_probe_interval", def.Sync.OfflineProbeInterval)
	v.SetDefault("sync.resolution", def.Sync.Resolution)
	v.SetDefault("dashboard.enabled", def.Dashboard.Enabled)
	v.SetDefault("dashboard.port", def.Dashboard.Port)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)

	v.SetEnvPrefix("CHARTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = filepath.Join(def.DataDir, FileName)
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerivedDefaults fills paths that default relative to DataDir.
func (c *Config) applyDerivedDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "queue.db")
	}
	if c.SpoolDir == "" {
		c.SpoolDir = filepath.Join(c.DataDir, "spool")
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.DataDir, "chartsync.log")
	}
}

// Validate checks settings that would otherwise fail in confusing ways at
// runtime.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries cannot be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff must satisfy 0 < backoff_base <= backoff_max")
	}
	switch c.Sync.Resolution {
	case "server-wins", "client-wins", "merge", "manual":
	default:
		return fmt.Errorf("unknown sync.resolution %q", c.Sync.Resolution)
	}
	return nil
}

// WriteDefault writes a commented default config file to path, refusing to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	def := Default()
	content := fmt.Sprintf(`# chartsync configuration.
# Environment variables (CHARTSYNC_BACKEND_BASE_URL, ...) override these values.

data_dir: %s

backend:
  base_url: ""
  token: ""
  timeout: %s

sync:
  interval: %s
  batch_size: %d
  max_retries: %d
  backoff_base: %s
  backoff_max: %s
  probe_interval: %s
  offline_probe_interval: %s
  # server-wins, client-wins, merge, or manual
  resolution: %s

dashboard:
  enabled: %t
  port: %d

log:
  file: %s
  max_size_mb: %d
  max_backups: %d
  max_age_days: %d
`,
		def.DataDir,
		def.Backend.Timeout,
		def.Sync.Interval,
		def.Sync.BatchSize,
		def.Sync.MaxRetries,
		def.Sync.BackoffBase,
		def.Sync.BackoffMax,
		def.Sync.ProbeInterval,
		def.Sync.OfflineProbeInterval,
		def.Sync.Resolution,
		def.Dashboard.Enabled,
		def.Dashboard.Port,
		def.Log.File,
		def.Log.MaxSizeMB,
		def.Log.MaxBackups,
		def.Log.MaxAgeDays,
	)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
