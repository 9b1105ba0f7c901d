package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds all recognized options for a run.
type Config struct {
	InputDir  string `mapstructure:"input"`
	OutputDir string `mapstructure:"output"`

	// TrustedCountries is the allow-list for the unusual-IP classification.
	TrustedCountries []string `mapstructure:"trusted_countries"`

	// MinConnections is the attempt-count threshold for risk flagging.
	MinConnections int `mapstructure:"min_connections"`

	// MaxConcurrency caps the number of files processed in parallel.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// TaskTimeout is the per-file processing deadline.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// TopFiles is how many files the parse-mode report ranks.
	TopFiles int `mapstructure:"top_files"`

	Verbose bool `mapstructure:"verbose"`
}

// SetDefaults registers the default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("trusted_countries", []string{"United States", "Canada"})
	v.SetDefault("min_connections", 10)
	v.SetDefault("max_concurrency", runtime.NumCPU())
	v.SetDefault("task_timeout", 30*time.Minute)
	v.SetDefault("top_files", 10)
	v.SetDefault("output", "output")
}

// Load unmarshals and validates configuration from a viper instance.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks option values.
func (c Config) Validate() error {
	if c.InputDir == "" {
		return errors.New("input directory is required")
	}
	if c.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if c.MinConnections <= 0 {
		return fmt.Errorf("min_connections must be positive, got %d", c.MinConnections)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive, got %v", c.TaskTimeout)
	}
	if c.TopFiles <= 0 {
		return fmt.Errorf("top_files must be positive, got %d", c.TopFiles)
	}
	return nil
}
