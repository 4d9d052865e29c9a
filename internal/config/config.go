// Package config holds the daemon configuration: a yaml file with defaults,
// environment overrides and a separately watched filter preferences file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mobxlens configuration.
type Config struct {
	Browser BrowserConfig `yaml:"browser" json:"browser"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`
	Panel   PanelConfig   `yaml:"panel" json:"panel"`
	Source  SourceConfig  `yaml:"source" json:"source"`
	History HistoryConfig `yaml:"history" json:"history"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// PanelConfig configures the panel websocket relay.
type PanelConfig struct {
	Addr string `yaml:"addr" json:"addr,omitempty"`
}

// SourceConfig configures stack source fetching.
type SourceConfig struct {
	Root        string `yaml:"root" json:"root,omitempty"`               // prefix for bare relative frame paths
	Timeout     string `yaml:"timeout" json:"timeout,omitempty"`         // per-request fetch timeout
	Parallelism int    `yaml:"parallelism" json:"parallelism,omitempty"` // concurrent fetches per ResolveAll
	SourceMaps  bool   `yaml:"source_maps" json:"source_maps,omitempty"` // translate action stacks on emit
}

// HistoryConfig configures the action history store.
type HistoryConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	DatabasePath string `yaml:"database_path" json:"database_path,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Launch:       true,
			Headless:     false,
			PollInterval: "100ms",
		},
		Capture: CaptureConfig{
			Mode:            ModeCorrelated,
			StateDebounce:   "300ms",
			ActionFlush:     "500ms",
			FlushLimit:      50,
			EditSuppression: "1s",
			SkipLines:       3,
			IgnorePatterns:  []string{"mobx", "mobxlens-shim.js"},
		},
		Panel: PanelConfig{
			Addr: "127.0.0.1:7391",
		},
		Source: SourceConfig{
			Root:        "/src/",
			Timeout:     "5s",
			Parallelism: 4,
			SourceMaps:  true,
		},
		History: HistoryConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(".mobxlens", "history.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("MOBXLENS_DEBUGGER_URL"); url != "" {
		c.Browser.DebuggerURL = url
		c.Browser.Launch = false
	}
	if addr := os.Getenv("MOBXLENS_PANEL_ADDR"); addr != "" {
		c.Panel.Addr = addr
	}
	if path := os.Getenv("MOBXLENS_HISTORY_DB"); path != "" {
		c.History.DatabasePath = path
	}
	if level := os.Getenv("MOBXLENS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
		if level == "debug" {
			c.Logging.DebugMode = true
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetPollInterval returns the page queue drain interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Browser.PollInterval, 100*time.Millisecond)
}

// GetStateDebounce returns the state broadcast quiet period.
func (c *Config) GetStateDebounce() time.Duration {
	return parseDuration(c.Capture.StateDebounce, 300*time.Millisecond)
}

// GetActionFlush returns the legacy action flush quiet period.
func (c *Config) GetActionFlush() time.Duration {
	return parseDuration(c.Capture.ActionFlush, 500*time.Millisecond)
}

// GetEditSuppression returns how long an edit's echo is ignored.
func (c *Config) GetEditSuppression() time.Duration {
	return parseDuration(c.Capture.EditSuppression, time.Second)
}

// GetSourceTimeout returns the per-request source fetch timeout.
func (c *Config) GetSourceTimeout() time.Duration {
	return parseDuration(c.Source.Timeout, 5*time.Second)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Browser.Launch && c.Browser.DebuggerURL == "" {
		return fmt.Errorf("browser: debugger_url is required when launch is false (or set MOBXLENS_DEBUGGER_URL)")
	}
	switch c.Capture.Mode {
	case ModeCorrelated, ModeLegacy:
	default:
		return fmt.Errorf("capture: invalid mode %q (valid: %s, %s)", c.Capture.Mode, ModeCorrelated, ModeLegacy)
	}
	if c.Capture.FlushLimit < 1 {
		return fmt.Errorf("capture: flush_limit must be >= 1")
	}
	if c.Capture.SkipLines < 0 {
		return fmt.Errorf("capture: skip_lines must be >= 0")
	}
	if c.Panel.Addr == "" {
		return fmt.Errorf("panel: addr is required")
	}
	if c.Source.Parallelism < 1 {
		return fmt.Errorf("source: parallelism must be >= 1")
	}
	if c.History.Enabled && c.History.DatabasePath == "" {
		return fmt.Errorf("history: database_path is required when enabled")
	}
	for name, s := range map[string]string{
		"browser.poll_interval":    c.Browser.PollInterval,
		"capture.state_debounce":   c.Capture.StateDebounce,
		"capture.action_flush":     c.Capture.ActionFlush,
		"capture.edit_suppression": c.Capture.EditSuppression,
		"source.timeout":           c.Source.Timeout,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
