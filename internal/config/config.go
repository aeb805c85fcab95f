// Package config loads tarsier.yaml. Command-line flags override
// whatever the file says; zero values mean "not set".
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/zboralski/tarsier/internal/disasm"
	"github.com/zboralski/tarsier/internal/filter"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "tarsier.yaml"

// Duration wraps time.Duration so "250ms" style values parse from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the on-disk configuration.
type Config struct {
	Target  string   `yaml:"target"`   // target ELF path
	Arch    string   `yaml:"arch"`     // arm64, amd64, arm, 386
	MapRows uint64   `yaml:"map_rows"` // capture rows, power of two; 0 selects the default
	Only    []string `yaml:"only"`     // instrumented ranges, "0xstart-0xend"
	Harness string   `yaml:"harness"`  // harness script path
	Listen  string   `yaml:"listen"`   // API listen address
	Timeout Duration `yaml:"timeout"`  // per-run wall clock limit
	State   string   `yaml:"state"`    // fuzzing state path
	Verbose bool     `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Arch:   "arm64",
		Listen: "127.0.0.1:8723",
	}
}

// Load reads a config file. A missing file at the default path falls
// back to defaults; an explicitly named missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields a run needs.
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("no target binary configured")
	}
	if _, err := disasm.ParseArch(c.Arch); err != nil {
		return err
	}
	if c.MapRows != 0 && c.MapRows&(c.MapRows-1) != 0 {
		return fmt.Errorf("map_rows must be a power of two, got %d", c.MapRows)
	}
	return nil
}

// ParsedArch returns the configured guest architecture.
func (c *Config) ParsedArch() (disasm.Arch, error) {
	return disasm.ParseArch(c.Arch)
}

// Ranges parses the configured address ranges into a filter.
// No ranges means no filter: everything is instrumented.
func (c *Config) Ranges() (*filter.Filter, error) {
	if len(c.Only) == 0 {
		return nil, nil
	}
	return filter.Parse(c.Only)
}
