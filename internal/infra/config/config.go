// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Library   LibraryConfig   `yaml:"library"`
	Storage   StorageConfig   `yaml:"storage"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Spectrum  SpectrumConfig  `yaml:"spectrum"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
}

// LibraryConfig represents music library configuration.
type LibraryConfig struct {
	Folders     []string `yaml:"folders"`
	Watch       *bool    `yaml:"watch" default:"true"`
	ScanWorkers int      `yaml:"scan_workers" default:"4" validate:"gte=1,lte=32"`
}

// WatchEnabled reports whether folder watching is on.
func (c *LibraryConfig) WatchEnabled() bool {
	return c.Watch == nil || *c.Watch
}

// StorageConfig represents durable state storage configuration.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// DataDir resolves the storage directory, defaulting to the per-user
// config directory.
func (c *StorageConfig) DataDir() (string, error) {
	if c.Dir != "" {
		return c.Dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve user config dir")
	}
	return filepath.Join(base, "cadenza"), nil
}

// PlaybackConfig represents playback control configuration.
type PlaybackConfig struct {
	Volume              float64 `yaml:"volume" default:"0.75" validate:"gte=0,lte=1"`
	CompletionThreshold float64 `yaml:"completion_threshold" default:"0.9" validate:"gte=0.5,lte=1"`
	MaxAutoSkips        int     `yaml:"max_auto_skips" default:"10" validate:"gte=1,lte=100"`
}

// SpectrumConfig represents spectrum analyzer configuration.
type SpectrumConfig struct {
	Bands      int `yaml:"bands" default:"128" validate:"gte=8,lte=256"`
	IntervalMs int `yaml:"interval_ms" default:"20" validate:"gte=16,lte=33"`
	Window     int `yaml:"window" default:"2048" validate:"gte=256,lte=16384"`
}

// Interval returns the frame period.
func (c *SpectrumConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// EvaluatorConfig represents smart playlist evaluator configuration.
type EvaluatorConfig struct {
	TimeoutMs int `yaml:"timeout_ms" default:"100" validate:"gte=10,lte=5000"`
}

// Timeout returns the evaluation deadline.
func (c *EvaluatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Load loads configuration from a YAML file. An empty path yields the
// defaults. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("CADENZA_DATA_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("CADENZA_LIBRARY_FOLDERS"); v != "" {
		folders := make([]string, 0)
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				folders = append(folders, f)
			}
		}
		if len(folders) > 0 {
			c.Library.Folders = folders
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	if c.Spectrum.Window&(c.Spectrum.Window-1) != 0 {
		return errors.Newf("spectrum.window (%d) must be a power of two", c.Spectrum.Window)
	}

	return nil
}
