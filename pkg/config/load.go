package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config but decodes categories separately so they can
// be merged over the defaults.
type fileConfig struct {
	Server     *ServerConfig             `yaml:"server"`
	Browser    *BrowserConfig            `yaml:"browser"`
	Pool       *PoolConfig               `yaml:"pool"`
	Stabilize  *StabilizeConfig          `yaml:"stabilize"`
	Logging    *LoggingConfig            `yaml:"logging"`
	Tracing    *TracingConfig            `yaml:"tracing"`
	Categories map[string]CategoryConfig `yaml:"categories"`
}

// DefaultPath returns ~/.pantheon/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".pantheon", "config.yaml"), nil
}

// Load builds the configuration from defaults, the YAML file at path and
// PANTHEON_* environment variables, in that order, and validates it.
// An empty path means DefaultPath, where a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.apply(data); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// apply decodes a YAML document over cfg.
func (c *Config) apply(data []byte) error {
	fc := fileConfig{
		Server:    &c.Server,
		Browser:   &c.Browser,
		Pool:      &c.Pool,
		Stabilize: &c.Stabilize,
		Logging:   &c.Logging,
		Tracing:   &c.Tracing,
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	if c.Categories == nil {
		c.Categories = make(map[string]CategoryConfig, len(fc.Categories))
	}
	for name, cat := range fc.Categories {
		c.Categories[name] = c.Categories[name].merge(cat)
	}
	return nil
}

// ParseEnv loads overrides from PANTHEON_* environment variables.
// Variables that are not set leave the field untouched.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
