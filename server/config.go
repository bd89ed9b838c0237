package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML server configuration. Zero values fall back to
// the built-in defaults; CLI flags override file values.
type Config struct {
	Addr          string  `yaml:"addr"`
	TickSleepSec  float64 `yaml:"tick_sleep_sec"`
	HeartbeatSec  float64 `yaml:"heartbeat_sec"`
	Seed          int64   `yaml:"seed"`
	ReportPath    string  `yaml:"report_path"`
	DefaultTrials int     `yaml:"default_trials"`
}

// DefaultConfig returns the built-in server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8000",
		TickSleepSec:  0.5,
		HeartbeatSec:  15.0,
		Seed:          42,
		DefaultTrials: 1,
	}
}

// LoadConfig reads a YAML config file and overlays it onto the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if file.Addr != "" {
		cfg.Addr = file.Addr
	}
	if file.TickSleepSec > 0 {
		cfg.TickSleepSec = file.TickSleepSec
	}
	if file.HeartbeatSec > 0 {
		cfg.HeartbeatSec = file.HeartbeatSec
	}
	if file.Seed != 0 {
		cfg.Seed = file.Seed
	}
	if file.ReportPath != "" {
		cfg.ReportPath = file.ReportPath
	}
	if file.DefaultTrials > 0 {
		cfg.DefaultTrials = file.DefaultTrials
	}
	return cfg, nil
}
