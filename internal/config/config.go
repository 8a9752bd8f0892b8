package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	LogLevel     string   `yaml:"log_level"`
	MetaDir      string   `yaml:"meta_dir"`
	EnvFile      string   `yaml:"env_file"`
	ShowProgress bool     `yaml:"show_progress"`
	Store        Store    `yaml:"store"`
	Snapshot     Snapshot `yaml:"snapshot"`
	Metrics      Metrics  `yaml:"metrics"`
}

// Store locates the task database
type Store struct {
	Path string `yaml:"path"`
}

// Snapshot controls the checkpoint snapshotter
type Snapshot struct {
	Interval time.Duration `yaml:"interval"`
}

// Metrics controls the prometheus endpoint. An empty address disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel:     "info",
		MetaDir:      "./meta",
		EnvFile:      ".env",
		ShowProgress: true,
		Store: Store{
			Path: "./osspipe.db",
		},
		Snapshot: Snapshot{
			Interval: 10 * time.Second,
		},
	}

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		loadFromFlags(cfg, flags)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("meta-dir") {
		cfg.MetaDir, _ = flags.GetString("meta-dir")
	}
	if flags.Changed("env-file") {
		cfg.EnvFile, _ = flags.GetString("env-file")
	}
	if flags.Changed("show-progress") {
		cfg.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if flags.Changed("db") {
		cfg.Store.Path, _ = flags.GetString("db")
	}
	if flags.Changed("snapshot-interval") {
		cfg.Snapshot.Interval, _ = flags.GetDuration("snapshot-interval")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug, info, warn, error")
	}

	if c.MetaDir == "" {
		return fmt.Errorf("meta dir is required")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if c.Snapshot.Interval < 100*time.Millisecond {
		return fmt.Errorf("snapshot interval must be at least 100ms")
	}

	return nil
}
