package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Workdir       string        `yaml:"workdir"`
	LogFile       string        `yaml:"log_file"`
	DBPath        string        `yaml:"db_path"`
	ReposFile     string        `yaml:"repos_file"`
	UsersFile     string        `yaml:"users_file"`
	ProjectConfig string        `yaml:"project_config"`
	SettingsFile  string        `yaml:"settings_file"`
	TickInterval  time.Duration `yaml:"-"`
	RawTick       string        `yaml:"tick_interval"`
	MaxBatch      int           `yaml:"max_batch"`
	Fetch         FetchConfig   `yaml:"fetch"`
	Metrics       MetricsConfig `yaml:"metrics"`
	Log           LogConfig     `yaml:"log"`
	TUI           TUIConfig     `yaml:"tui"`
}

type FetchConfig struct {
	RepoConcurrency int `yaml:"repo_concurrency"`
	PRConcurrency   int `yaml:"pr_concurrency"`
}

type MetricsConfig struct {
	CacheTTL    time.Duration `yaml:"-"`
	RawCacheTTL string        `yaml:"cache_ttl"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TUIConfig struct {
	RefreshInterval time.Duration `yaml:"-"`
	RawInterval     string        `yaml:"refresh_interval"`
}

// Load reads the app config. A missing file yields the defaults so a first
// run works without any setup.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() error {
	if c.Workdir == "" {
		c.Workdir = defaultWorkdir()
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.Workdir, "logs", "pr-watcher.log")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.Workdir, "state.db")
	}
	if c.ReposFile == "" {
		c.ReposFile = filepath.Join("config", "repos.json")
	}
	if c.UsersFile == "" {
		c.UsersFile = filepath.Join("config", "users.json")
	}
	if c.ProjectConfig == "" {
		c.ProjectConfig = filepath.Join("config", "config.json")
	}
	if c.SettingsFile == "" {
		c.SettingsFile = filepath.Join(c.Workdir, "settings.yaml")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 50
	}
	if c.Fetch.RepoConcurrency == 0 {
		c.Fetch.RepoConcurrency = 8
	}
	if c.Fetch.PRConcurrency == 0 {
		c.Fetch.PRConcurrency = 10
	}

	var err error
	if c.TickInterval, err = parseDuration("tick_interval", &c.RawTick, "30s"); err != nil {
		return err
	}
	if c.Metrics.CacheTTL, err = parseDuration("metrics.cache_ttl", &c.Metrics.RawCacheTTL, "5m"); err != nil {
		return err
	}
	if c.TUI.RefreshInterval, err = parseDuration("tui.refresh_interval", &c.TUI.RawInterval, "1s"); err != nil {
		return err
	}

	return nil
}

func (c *Config) validate() error {
	if c.MaxBatch < 0 {
		return fmt.Errorf("max_batch must be positive, got %d", c.MaxBatch)
	}
	if c.Fetch.RepoConcurrency < 0 {
		return fmt.Errorf("fetch.repo_concurrency must be positive, got %d", c.Fetch.RepoConcurrency)
	}
	if c.Fetch.PRConcurrency < 0 {
		return fmt.Errorf("fetch.pr_concurrency must be positive, got %d", c.Fetch.PRConcurrency)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (debug|info|warn|error)", c.Log.Level)
	}
	return nil
}

func parseDuration(field string, raw *string, def string) (time.Duration, error) {
	if *raw == "" {
		*raw = def
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, *raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, *raw)
	}
	return d, nil
}

func defaultWorkdir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pr-watcher"
	}
	return filepath.Join(home, ".pr-watcher")
}
