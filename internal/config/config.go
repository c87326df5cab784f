// Package config loads formsync settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Remote drivers.
const (
	DriverNone     = ""
	DriverREST     = "rest"
	DriverPostgres = "postgres"
)

// Environment overrides, applied after the file.
const (
	EnvDBPath       = "FORMSYNC_DB_PATH"
	EnvRemoteURL    = "FORMSYNC_REMOTE_URL"
	EnvRemoteAPIKey = "FORMSYNC_REMOTE_API_KEY"
	EnvRemoteDSN    = "FORMSYNC_REMOTE_DSN"
	EnvLogLevel     = "FORMSYNC_LOG_LEVEL"
	EnvLogFile      = "FORMSYNC_LOG_FILE"
	EnvKeyPath      = "FORMSYNC_KEY_PATH"
	EnvRegion       = "FORMSYNC_REGION"
)

// Config is the full formsync configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	Store    Store  `yaml:"store"`
	Remote   Remote `yaml:"remote"`
	Quota    Quota  `yaml:"quota"`
	Queue    Queue  `yaml:"queue"`
	Probe    Probe  `yaml:"probe"`
	Log      Log    `yaml:"log"`
	Region   Region `yaml:"region"`
	KeyPath  string `yaml:"key_path"`
	Backups  string `yaml:"backup_dir"`
	Fallback string `yaml:"fallback_path"`
	Schema   string `yaml:"schema_file"`
}

// Store configures the local SQLite store.
type Store struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// Remote configures the remote record store. An empty driver runs
// local-only; every completed form is queued.
type Remote struct {
	Driver  string        `yaml:"driver"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// Quota configures draft eviction.
type Quota struct {
	NearCapacity    float64       `yaml:"near_capacity"`
	EmergencyTarget float64       `yaml:"emergency_target"`
	MaxDraftAge     time.Duration `yaml:"max_draft_age"`
}

// Queue configures the retry sweeper.
type Queue struct {
	MaxRetries    int           `yaml:"max_retries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Probe configures capability checks.
type Probe struct {
	Timeout         time.Duration `yaml:"timeout"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Log configures logging.
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// Region is the practitioner's active region.
type Region struct {
	Code             string `yaml:"code"`
	Name             string `yaml:"name"`
	PractitionerName string `yaml:"practitioner_name"`
	PracticeNumber   string `yaml:"practice_number"`
}

// Default returns the configuration used when no file is given. Paths
// live under the user config directory.
func Default() Config {
	dir := defaultDataDir()
	return Config{
		DataDir: dir,
		Store:   Store{MaxBytes: 50 << 20},
		Remote:  Remote{Timeout: 10 * time.Second},
		Quota: Quota{
			NearCapacity:    0.85,
			EmergencyTarget: 0.70,
			MaxDraftAge:     30 * 24 * time.Hour,
		},
		Queue: Queue{MaxRetries: 5, SweepInterval: 30 * time.Second},
		Probe: Probe{Timeout: 5 * time.Second, RefreshInterval: 30 * time.Second},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxAgeDays: 28,
			MaxBackups: 3,
		},
	}
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		return ".formsync"
	}
	return filepath.Join(base, "formsync")
}

// Load reads path, applies environment overrides, fills derived paths and
// validates the result. An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Store.Path, EnvDBPath)
	set(&c.Remote.URL, EnvRemoteURL)
	set(&c.Remote.APIKey, EnvRemoteAPIKey)
	set(&c.Remote.DSN, EnvRemoteDSN)
	set(&c.Log.Level, EnvLogLevel)
	set(&c.Log.File, EnvLogFile)
	set(&c.KeyPath, EnvKeyPath)
	set(&c.Region.Code, EnvRegion)

	// A URL or DSN alone selects its driver.
	if c.Remote.Driver == DriverNone {
		switch {
		case c.Remote.DSN != "":
			c.Remote.Driver = DriverPostgres
		case c.Remote.URL != "":
			c.Remote.Driver = DriverREST
		}
	}
}

func (c *Config) fillPaths() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	join := func(dst *string, name string) {
		if *dst == "" {
			*dst = filepath.Join(c.DataDir, name)
		}
	}
	join(&c.Store.Path, "formsync.db")
	join(&c.KeyPath, "install.key")
	join(&c.Backups, "backups")
	join(&c.Fallback, "fallback.json")
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Remote.Driver {
	case DriverNone:
	case DriverREST:
		if c.Remote.URL == "" {
			errs = append(errs, errors.New("remote.url is required for the rest driver"))
		}
	case DriverPostgres:
		if c.Remote.DSN == "" {
			errs = append(errs, errors.New("remote.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.driver %q is not one of rest, postgres", c.Remote.Driver))
	}
	if !ratio(c.Quota.NearCapacity) {
		errs = append(errs, fmt.Errorf("quota.near_capacity %v is outside (0,1]", c.Quota.NearCapacity))
	}
	if !ratio(c.Quota.EmergencyTarget) {
		errs = append(errs, fmt.Errorf("quota.emergency_target %v is outside (0,1]", c.Quota.EmergencyTarget))
	} else if c.Quota.EmergencyTarget > c.Quota.NearCapacity {
		errs = append(errs, errors.New("quota.emergency_target must not exceed quota.near_capacity"))
	}
	if c.Store.MaxBytes < 0 {
		errs = append(errs, errors.New("store.max_bytes must not be negative"))
	}
	if c.Queue.MaxRetries < 1 {
		errs = append(errs, errors.New("queue.max_retries must be at least 1"))
	}
	if c.Queue.SweepInterval <= 0 {
		errs = append(errs, errors.New("queue.sweep_interval must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func ratio(v float64) bool { return v > 0 && v <= 1 }
