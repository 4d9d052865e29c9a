package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MOBXLENS_DEBUGGER_URL", "MOBXLENS_PANEL_ADDR", "MOBXLENS_HISTORY_DB", "MOBXLENS_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ModeCorrelated, cfg.Capture.Mode)
	assert.Equal(t, 50, cfg.Capture.FlushLimit)
	assert.Equal(t, 3, cfg.Capture.SkipLines)
	assert.Equal(t, "/src/", cfg.Source.Root)
	assert.Equal(t, 300*time.Millisecond, cfg.GetStateDebounce())
	assert.Equal(t, 500*time.Millisecond, cfg.GetActionFlush())
	assert.Equal(t, time.Second, cfg.GetEditSuppression())
	assert.Equal(t, 100*time.Millisecond, cfg.GetPollInterval())
	assert.Equal(t, 5*time.Second, cfg.GetSourceTimeout())
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "mobxlens.yaml")

	cfg := DefaultConfig()
	cfg.Capture.Mode = ModeLegacy
	cfg.Capture.StateDebounce = "50ms"
	cfg.Browser.URL = "http://localhost:5173"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.True(t, loaded.Capture.IsLegacy())
	assert.Equal(t, 50*time.Millisecond, loaded.GetStateDebounce())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mobxlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte("panel:\n  addr: \":9000\"\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Panel.Addr)
	assert.Equal(t, ModeCorrelated, cfg.Capture.Mode)
	assert.Equal(t, 4, cfg.Source.Parallelism)
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mobxlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture: [oops"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.StateDebounce = "soon"
	cfg.Capture.EditSuppression = "-1s"
	assert.Equal(t, 300*time.Millisecond, cfg.GetStateDebounce())
	assert.Equal(t, time.Second, cfg.GetEditSuppression())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"attach without url", func(c *Config) { c.Browser.Launch = false }, "debugger_url"},
		{"bad mode", func(c *Config) { c.Capture.Mode = "eager" }, "invalid mode"},
		{"flush limit", func(c *Config) { c.Capture.FlushLimit = 0 }, "flush_limit"},
		{"skip lines", func(c *Config) { c.Capture.SkipLines = -1 }, "skip_lines"},
		{"panel addr", func(c *Config) { c.Panel.Addr = "" }, "panel"},
		{"parallelism", func(c *Config) { c.Source.Parallelism = 0 }, "parallelism"},
		{"history path", func(c *Config) { c.History.DatabasePath = "" }, "database_path"},
		{"bad duration", func(c *Config) { c.Capture.ActionFlush = "later" }, "capture.action_flush"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := DefaultConfig()
	cfg.History.Enabled = false
	cfg.History.DatabasePath = ""
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Run("debugger url switches to attach", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MOBXLENS_DEBUGGER_URL", "ws://127.0.0.1:9222/devtools/browser/x")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/x", cfg.Browser.DebuggerURL)
		assert.False(t, cfg.Browser.Launch)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("panel and history", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MOBXLENS_PANEL_ADDR", ":7000")
		t.Setenv("MOBXLENS_HISTORY_DB", "/tmp/h.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, ":7000", cfg.Panel.Addr)
		assert.Equal(t, "/tmp/h.db", cfg.History.DatabasePath)
	})

	t.Run("debug level enables debug mode", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("MOBXLENS_LOG_LEVEL", "debug")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Logging.DebugMode)
	})

	t.Run("env beats file", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "mobxlens.yaml")
		require.NoError(t, os.WriteFile(path, []byte("panel:\n  addr: \":9000\"\n"), 0644))
		t.Setenv("MOBXLENS_PANEL_ADDR", ":7000")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":7000", cfg.Panel.Addr)
	})
}

func TestLoggingConfig(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "json", File: "x.log", Categories: map[string]bool{"panel": false}}
	assert.False(t, lc.IsCategoryEnabled("capture"))

	lc.DebugMode = true
	assert.True(t, lc.IsCategoryEnabled("capture"))
	assert.False(t, lc.IsCategoryEnabled("panel"))

	o := lc.Options()
	assert.True(t, o.DebugMode)
	assert.Equal(t, "debug", o.Level)
	assert.Equal(t, "json", o.Format)
	assert.Equal(t, "x.log", o.File)
	assert.Equal(t, map[string]bool{"panel": false}, o.Categories)
}
