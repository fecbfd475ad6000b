// Package config loads shadowhookctl's simulation and install configuration
// from a YAML file, the host/simulator counterpart to spec.md §6's "install
// a patch/hook/monitor" targets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Target describes one install_patch/install_inline_hook/install_memory_monitor
// call to make against the simulated engine at startup.
type Target struct {
	Kind        string `yaml:"kind"` // "patch", "hook", or "monitor"
	Name        string `yaml:"name"`
	Address     uint64 `yaml:"address"`
	Len         uint64 `yaml:"len,omitempty"`         // monitor only
	PatchLength uint   `yaml:"patch_length,omitempty"` // patch only
	NewCodeHex  string `yaml:"new_code_hex,omitempty"` // patch only, hex-encoded
	HandlerName string `yaml:"handler,omitempty"`      // looked up in the script engine
}

// Config is the top-level shape of a shadowhookctl simulation file.
type Config struct {
	NumCPU     int      `yaml:"num_cpu"`
	Mode       string   `yaml:"mode"` // "32" or "64"
	ScriptPath string   `yaml:"script,omitempty"`
	Targets    []Target `yaml:"targets"`
	Debug      bool     `yaml:"debug"`
}

// Default returns a minimal single-CPU 64-bit configuration.
func Default() *Config {
	return &Config{NumCPU: 1, Mode: "64"}
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.NumCPU <= 0 {
		return nil, fmt.Errorf("config: num_cpu must be positive, got %d", cfg.NumCPU)
	}
	return cfg, nil
}

// Save writes cfg back out as YAML, used by `shadowhookctl config init`.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
