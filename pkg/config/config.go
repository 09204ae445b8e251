// Package config loads the pantheon server configuration from a YAML file and
// PANTHEON_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/entrhq/pantheon/pkg/browser"
	"github.com/entrhq/pantheon/pkg/logging"
	"github.com/entrhq/pantheon/pkg/stabilize"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PANTHEON_"

// Config represents the full server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Browser   BrowserConfig   `yaml:"browser" envPrefix:"BROWSER_"`
	Pool      PoolConfig      `yaml:"pool" envPrefix:"POOL_"`
	Stabilize StabilizeConfig `yaml:"stabilize" envPrefix:"STABILIZE_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Tracing   TracingConfig   `yaml:"tracing" envPrefix:"TRACING_"`

	// Categories maps category names to their site. Entries in a config file
	// are merged over the built-in ones field by field.
	Categories map[string]CategoryConfig `yaml:"categories"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`

	// RequestTimeout bounds a whole chat request, pool wait included.
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// BrowserConfig selects how tabs are opened
type BrowserConfig struct {
	// CDPEndpoint attaches to a running Chrome started with
	// --remote-debugging-port, for example http://127.0.0.1:9222.
	CDPEndpoint    string        `yaml:"cdp_endpoint" env:"CDP_ENDPOINT"`
	UserDataDir    string        `yaml:"user_data_dir" env:"USER_DATA_DIR"`
	Headless       bool          `yaml:"headless" env:"HEADLESS"`
	InstallDrivers bool          `yaml:"install_drivers" env:"INSTALL_DRIVERS"`
	LoadDelay      time.Duration `yaml:"load_delay" env:"LOAD_DELAY"`
}

// PoolConfig bounds the tab pool
type PoolConfig struct {
	MaxTabsPerCategory int           `yaml:"max_tabs_per_category" env:"MAX_TABS_PER_CATEGORY"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ReapInterval       time.Duration `yaml:"reap_interval" env:"REAP_INTERVAL"`
}

// StabilizeConfig tunes reply completion detection
type StabilizeConfig struct {
	Grace        time.Duration `yaml:"grace,omitempty" env:"GRACE"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty" env:"POLL_INTERVAL"`
	StableFor    time.Duration `yaml:"stable_for,omitempty" env:"STABLE_FOR"`
	MaxWait      time.Duration `yaml:"max_wait,omitempty" env:"MAX_WAIT"`
}

// Options converts the section to detector options.
func (s StabilizeConfig) Options() stabilize.Options {
	return stabilize.Options{
		Grace:        s.Grace,
		PollInterval: s.PollInterval,
		StableFor:    s.StableFor,
		MaxWait:      s.MaxWait,
	}
}

func (s StabilizeConfig) validate() error {
	if s.Grace < 0 || s.PollInterval < 0 || s.StableFor < 0 || s.MaxWait < 0 {
		return errors.New("durations cannot be negative")
	}
	if s.MaxWait > 0 && s.PollInterval > 0 && s.MaxWait < s.PollInterval {
		return fmt.Errorf("max_wait %s is shorter than poll_interval %s", s.MaxWait, s.PollInterval)
	}
	return nil
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
}

// TracingConfig enables span export
type TracingConfig struct {
	// Enabled writes dispatch spans to the log file.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// CategoryConfig describes one chat site
type CategoryConfig struct {
	URL string `yaml:"url"`

	// Models are extra model names accepted for this category.
	Models []string `yaml:"models,omitempty"`

	// SubmitInterval is the minimum spacing between prompts sent to the site.
	SubmitInterval time.Duration `yaml:"submit_interval,omitempty"`

	// Disabled drops a built-in category.
	Disabled bool `yaml:"disabled,omitempty"`

	Selectors browser.Selectors `yaml:"selectors"`

	// Stabilize overrides the global detector timings for this site.
	Stabilize StabilizeConfig `yaml:"stabilize,omitempty"`
}

// Site converts the entry to a browser site description.
func (c CategoryConfig) Site(name string) browser.Site {
	return browser.Site{
		Name:      name,
		URL:       c.URL,
		Selectors: c.Selectors,
	}
}

// merge overlays the non-zero fields of o on c.
func (c CategoryConfig) merge(o CategoryConfig) CategoryConfig {
	if o.URL != "" {
		c.URL = o.URL
	}
	if o.Models != nil {
		c.Models = o.Models
	}
	if o.SubmitInterval != 0 {
		c.SubmitInterval = o.SubmitInterval
	}
	c.Disabled = o.Disabled

	dst, src := &c.Selectors, o.Selectors
	if src.Input != "" {
		dst.Input = src.Input
	}
	if src.Send != "" {
		dst.Send = src.Send
	}
	if src.Message != "" {
		dst.Message = src.Message
	}
	if src.Thought != "" {
		dst.Thought = src.Thought
	}
	if src.Answer != "" {
		dst.Answer = src.Answer
	}
	if src.Generating != nil {
		dst.Generating = src.Generating
	}
	if src.NewChat != "" {
		dst.NewChat = src.NewChat
	}

	st, ost := &c.Stabilize, o.Stabilize
	if ost.Grace != 0 {
		st.Grace = ost.Grace
	}
	if ost.PollInterval != 0 {
		st.PollInterval = ost.PollInterval
	}
	if ost.StableFor != 0 {
		st.StableFor = ost.StableFor
	}
	if ost.MaxWait != 0 {
		st.MaxWait = ost.MaxWait
	}
	return c
}

// EnabledCategories returns the names of categories that are not disabled,
// sorted.
func (c *Config) EnabledCategories() []string {
	names := make([]string, 0, len(c.Categories))
	for name, cat := range c.Categories {
		if !cat.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.ReadHeaderTimeout < 0 || c.Server.RequestTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.New("server timeouts cannot be negative")
	}

	if c.Browser.LoadDelay < 0 {
		return errors.New("browser.load_delay cannot be negative")
	}
	if c.Browser.CDPEndpoint != "" {
		if u, err := url.Parse(c.Browser.CDPEndpoint); err != nil || u.Host == "" {
			return fmt.Errorf("browser.cdp_endpoint %q is not a URL", c.Browser.CDPEndpoint)
		}
	}

	if c.Pool.MaxTabsPerCategory < 1 {
		return errors.New("pool.max_tabs_per_category must be at least 1")
	}
	if c.Pool.IdleTimeout <= 0 {
		return errors.New("pool.idle_timeout must be positive")
	}
	if c.Pool.ReapInterval <= 0 {
		return errors.New("pool.reap_interval must be positive")
	}

	if err := c.Stabilize.validate(); err != nil {
		return fmt.Errorf("stabilize: %w", err)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	enabled := c.EnabledCategories()
	if len(enabled) == 0 {
		return errors.New("at least one category must be enabled")
	}
	for _, name := range enabled {
		cat := c.Categories[name]
		if u, err := url.Parse(cat.URL); err != nil || u.Host == "" {
			return fmt.Errorf("categories.%s.url %q is not a URL", name, cat.URL)
		}
		if err := cat.Selectors.Validate(); err != nil {
			return fmt.Errorf("categories.%s: %w", name, err)
		}
		if cat.SubmitInterval < 0 {
			return fmt.Errorf("categories.%s.submit_interval cannot be negative", name)
		}
		if err := cat.Stabilize.validate(); err != nil {
			return fmt.Errorf("categories.%s.stabilize: %w", name, err)
		}
	}
	return nil
}
