package config

// Capture modes.
const (
	// ModeCorrelated rebuilds the action tree and emits each action on close.
	ModeCorrelated = "correlated"
	// ModeLegacy queues flat action summaries and flushes them on a timer.
	ModeLegacy = "legacy"
)

// CaptureConfig configures the capture engine.
type CaptureConfig struct {
	Mode            string   `yaml:"mode" json:"mode,omitempty"`
	StateDebounce   string   `yaml:"state_debounce" json:"state_debounce,omitempty"`     // quiet period before STATE_UPDATE
	ActionFlush     string   `yaml:"action_flush" json:"action_flush,omitempty"`         // legacy mode only
	FlushLimit      int      `yaml:"flush_limit" json:"flush_limit,omitempty"`           // legacy mode: newest N sent per flush
	EditSuppression string   `yaml:"edit_suppression" json:"edit_suppression,omitempty"` // echo window after SET_VALUE
	SkipLines       int      `yaml:"skip_lines" json:"skip_lines,omitempty"`
	IgnorePatterns  []string `yaml:"ignore_patterns" json:"ignore_patterns,omitempty"`
}

// IsLegacy reports whether the flat action queue is in use.
func (c *CaptureConfig) IsLegacy() bool {
	return c.Mode == ModeLegacy
}

// BrowserConfig configures the CDP bridge.
type BrowserConfig struct {
	// DebuggerURL attaches to a running Chrome instead of launching one.
	DebuggerURL  string `yaml:"debugger_url" json:"debugger_url,omitempty"`
	Launch       bool   `yaml:"launch" json:"launch"`
	Headless     bool   `yaml:"headless" json:"headless"`
	URL          string `yaml:"url" json:"url,omitempty"` // page opened after attach
	PollInterval string `yaml:"poll_interval" json:"poll_interval,omitempty"`
}
