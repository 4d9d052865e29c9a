package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mobxlens/cmd/mobxlens/ui"
	"mobxlens/internal/config"
	"mobxlens/internal/correlator"
	"mobxlens/internal/history"
	"mobxlens/internal/protocol"
	"mobxlens/internal/spy"
	"mobxlens/internal/stacktrace"
)

// setup resets the globals the commands read and points every file into a
// temp dir.
func setup(t *testing.T) string {
	t.Helper()
	logger = zap.NewNop()
	dir := t.TempDir()
	cfg = config.DefaultConfig()
	cfg.History.DatabasePath = filepath.Join(dir, "history.db")
	cfg.Panel.Addr = "127.0.0.1:0"
	configPath = filepath.Join(dir, "config.yaml")
	jsonOutput = false
	t.Cleanup(func() { jsonOutput = false })
	return dir
}

func newCmd() (*cobra.Command, *bytes.Buffer) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	return cmd, &out
}

func seedHistory(t *testing.T) {
	t.Helper()
	s, err := history.Open(cfg.History.DatabasePath)
	require.NoError(t, err)
	defer s.Close()
	s.SetSession("sess")
	for i, name := range []string{"addItem", "removeItem", "login"} {
		store := "CartStore"
		if name == "login" {
			store = "UserStore"
		}
		require.NoError(t, s.Record(protocol.ActionMessage{
			ID:        fmt.Sprintf("17000000000%02d-1", i),
			Name:      name,
			Type:      "action",
			Object:    store,
			Timestamp: time.Now().Add(time.Duration(i-3) * time.Minute).UnixMilli(),
			Changes: []correlator.Change{
				{Type: spy.KindUpdate, Name: "count", Store: store, ObservableKind: "object", OldValue: float64(i), NewValue: float64(i + 1)},
			},
			Arguments:  []any{name},
			StackTrace: "Error\n    at " + name + " (http://localhost:3000/src/cart.js:2:1)",
		}))
	}
}

func TestConfigCommands(t *testing.T) {
	setup(t)
	cmd, out := newCmd()

	require.NoError(t, runConfigInit(cmd, nil))
	assert.Contains(t, out.String(), "Wrote")
	_, err := os.Stat(configPath)
	require.NoError(t, err)

	err = runConfigInit(cmd, nil)
	assert.ErrorContains(t, err, "already exists")

	configForce = true
	defer func() { configForce = false }()
	assert.NoError(t, runConfigInit(cmd, nil))

	cfg, err = config.Load(configPath)
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, runConfigShow(cmd, nil))
	assert.Contains(t, out.String(), "panel:")
	assert.Contains(t, out.String(), "mode: correlated")

	out.Reset()
	require.NoError(t, runConfigValidate(cmd, nil))
	assert.Contains(t, out.String(), "Configuration OK")

	cfg.Capture.Mode = "replay"
	assert.ErrorContains(t, runConfigValidate(cmd, nil), "invalid mode")
}

func TestActionsList(t *testing.T) {
	setup(t)
	seedHistory(t)
	cmd, out := newCmd()

	require.NoError(t, runActionsList(cmd, nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "STORE")
	assert.Contains(t, lines[1], "login")
	assert.Contains(t, lines[3], "addItem")

	actionsStore = "CartStore"
	defer func() { actionsStore = "" }()
	jsonOutput = true
	out.Reset()
	require.NoError(t, runActionsList(cmd, nil))
	var recs []history.Record
	require.NoError(t, json.Unmarshal(out.Bytes(), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "removeItem", recs[0].Name)
	assert.Equal(t, "sess", recs[0].Session)
}

func TestActionsListEmpty(t *testing.T) {
	setup(t)
	cmd, out := newCmd()
	require.NoError(t, runActionsList(cmd, nil))
	assert.Contains(t, out.String(), "No actions recorded.")

	jsonOutput = true
	out.Reset()
	require.NoError(t, runActionsList(cmd, nil))
	assert.JSONEq(t, `[]`, out.String())
}

func TestActionsShow(t *testing.T) {
	setup(t)
	seedHistory(t)
	actionsStyle = "notty"
	defer func() { actionsStyle = "auto" }()
	cmd, out := newCmd()

	require.NoError(t, runActionsShow(cmd, []string{"1700000000001-1"}))
	assert.Contains(t, out.String(), "removeItem")
	assert.Contains(t, out.String(), "CartStore")
	assert.Contains(t, out.String(), "count")

	err := runActionsShow(cmd, []string{"missing"})
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestActionsStoresAndPrune(t *testing.T) {
	setup(t)
	seedHistory(t)
	cmd, out := newCmd()

	jsonOutput = true
	require.NoError(t, runActionsStores(cmd, nil))
	assert.JSONEq(t, `{"CartStore":2,"UserStore":1}`, out.String())

	jsonOutput = false
	actionsKeep = 1
	defer func() { actionsKeep = 1000 }()
	out.Reset()
	require.NoError(t, runActionsPrune(cmd, nil))
	assert.Contains(t, out.String(), "Deleted 2 actions.")
}

func TestHistoryDisabled(t *testing.T) {
	setup(t)
	cfg.History.Enabled = false
	cmd, _ := newCmd()
	assert.ErrorContains(t, runActionsList(cmd, nil), "disabled")
}

func sourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/src/cart.js" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "class CartStore {\n  addItem(x) {\n    this.items.push(x)\n  }\n}\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStackResolveFromStdin(t *testing.T) {
	setup(t)
	srv := sourceServer(t)
	stackOrigin = srv.URL
	defer func() { stackOrigin = "" }()
	jsonOutput = true

	cmd, out := newCmd()
	cmd.SetIn(strings.NewReader("Error\n    at CartStore.addItem (/src/cart.js:3:16)\n    at native code\n"))
	require.NoError(t, runStackResolve(cmd, nil))

	var frames []stacktrace.FrameSource
	require.NoError(t, json.Unmarshal(out.Bytes(), &frames))
	require.Len(t, frames, 2)
	assert.Equal(t, srv.URL+"/src/cart.js", frames[0].URL)
	require.NotEmpty(t, frames[0].SourceLines)
	var target string
	for _, l := range frames[0].SourceLines {
		if l.IsTarget {
			target = l.Content
		}
	}
	assert.Equal(t, "    this.items.push(x)", target)
	assert.Empty(t, frames[1].SourceLines)
}

func TestStackResolveSingleFrameFromHistory(t *testing.T) {
	setup(t)
	seedHistory(t)
	stackFrame = 0
	stackStyle = "notty"
	defer func() {
		stackFrame = -1
		stackStyle = "auto"
	}()

	cmd, out := newCmd()
	require.NoError(t, runStackResolve(cmd, []string{"1700000000000-1"}))
	assert.Contains(t, out.String(), "addItem")

	stackFrame = 5
	assert.ErrorIs(t, runStackResolve(cmd, []string{"1700000000000-1"}), stacktrace.ErrFrameOutOfRange)
}

func TestStackResolveEmpty(t *testing.T) {
	setup(t)
	cmd, _ := newCmd()
	cmd.SetIn(strings.NewReader("  \n"))
	assert.ErrorContains(t, runStackResolve(cmd, nil), "empty stack")
}

func TestApplyAttachFlags(t *testing.T) {
	setup(t)
	attachDebuggerURL = "ws://127.0.0.1:9222/devtools/browser/x"
	attachPanelAddr = "127.0.0.1:9999"
	attachNoHistory = true
	attachLegacy = true
	defer func() {
		attachDebuggerURL, attachPanelAddr = "", ""
		attachNoHistory, attachLegacy = false, false
	}()

	applyAttachFlags(cfg)
	assert.False(t, cfg.Browser.Launch)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/x", cfg.Browser.DebuggerURL)
	assert.Equal(t, "127.0.0.1:9999", cfg.Panel.Addr)
	assert.False(t, cfg.History.Enabled)
	assert.True(t, cfg.Capture.IsLegacy())
	assert.NoError(t, cfg.Validate())
}

func TestPanelURL(t *testing.T) {
	setup(t)
	cfg.Panel.Addr = "127.0.0.1:7391"
	assert.Equal(t, "ws://127.0.0.1:7391/panel", panelURL())
	watchURL = "ws://elsewhere/panel"
	defer func() { watchURL = "" }()
	assert.Equal(t, "ws://elsewhere/panel", panelURL())
}

func TestDaemonRelaysAndPersistsFilter(t *testing.T) {
	dir := setup(t)
	cfg.Source.SourceMaps = false
	prefsPath := filepath.Join(dir, "prefs", "filter.json")
	require.NoError(t, config.FilterPrefs{Stores: []string{"Saved"}}.Save(prefsPath))

	d, err := newDaemon(cfg, prefsPath)
	require.NoError(t, err)
	defer d.close()
	assert.Equal(t, []string{"Saved"}, d.hook.Filter())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	d.hook.Inject("Cart", map[string]any{"n": 1})

	c, err := ui.Dial(ctx, d.server.URL())
	require.NoError(t, err)
	defer c.Close()

	next := func() protocol.Envelope {
		select {
		case env := <-c.Messages():
			return env
		case <-time.After(3 * time.Second):
			t.Fatal("no message from daemon")
		}
		return protocol.Envelope{}
	}
	env := next()
	require.Equal(t, protocol.TypeStateUpdate, env.Type)
	assert.Contains(t, string(env.Payload), `"Cart":{"n":1}`)

	// a panel filter is persisted
	require.NoError(t, c.Send(protocol.SetFilter{Stores: []string{"Cart"}}))
	require.Eventually(t, func() bool {
		p, err := config.LoadFilterPrefs(prefsPath)
		return err == nil && len(p.Stores) == 1 && p.Stores[0] == "Cart"
	}, 3*time.Second, 20*time.Millisecond)

	// and an edited preferences file is applied
	require.NoError(t, config.FilterPrefs{Stores: []string{"Other"}}.Save(prefsPath))
	require.Eventually(t, func() bool {
		f := d.hook.Filter()
		return len(f) == 1 && f[0] == "Other"
	}, 3*time.Second, 20*time.Millisecond)

	d.navigated("http://localhost:3000/app?x=1")
	assert.Equal(t, "http://localhost:3000", d.resolver.Origin())
}

func TestDaemonWithoutHistory(t *testing.T) {
	dir := setup(t)
	cfg.History.Enabled = false
	d, err := newDaemon(cfg, filepath.Join(dir, "filter.json"))
	require.NoError(t, err)
	defer d.close()
	assert.Nil(t, d.history)
	assert.Empty(t, d.hook.Filter())
}

func TestDaemonRejectsSecondInstance(t *testing.T) {
	dir := setup(t)
	first, err := newDaemon(cfg, filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	defer first.close()

	cfg.History.DatabasePath = filepath.Join(dir, "second.db")
	_, err = newDaemon(cfg, filepath.Join(dir, "b.json"))
	assert.Error(t, err)
}
