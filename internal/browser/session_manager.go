// Package browser connects the capture engine to a page over the Chrome
// DevTools Protocol. A shim installs the devtools global hook in every
// document; the bridge drains the events it queues and hands page objects to
// the engine as handles.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"mobxlens/internal/config"
	"mobxlens/internal/hook"
	"mobxlens/internal/logging"
)

// ErrNotConnected is returned by session operations before Start.
var ErrNotConnected = errors.New("browser not connected")

// Session describes the public metadata for a tracked page.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta   Session
	page   *rod.Page
	bridge *Bridge
}

type eventThrottler struct {
	clock    clockwork.Clock
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newEventThrottler(clock clockwork.Clock, interval time.Duration) *eventThrottler {
	if interval <= 0 {
		return nil
	}
	return &eventThrottler{
		clock:    clock,
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

func (t *eventThrottler) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if last, ok := t.last[key]; ok {
		if now.Sub(last) < t.interval {
			return false
		}
	}
	t.last[key] = now
	return true
}

// Config holds browser connection settings.
type Config struct {
	DebuggerURL       string
	Launch            bool
	Headless          bool
	PollInterval      time.Duration
	NavigationTimeout time.Duration
}

// ConfigFrom maps the browser section of cfg.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DebuggerURL:       cfg.Browser.DebuggerURL,
		Launch:            cfg.Browser.Launch,
		Headless:          cfg.Browser.Headless,
		PollInterval:      cfg.GetPollInterval(),
		NavigationTimeout: 30 * time.Second,
	}
}

func (c Config) navigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

// SessionManager owns the Chrome connection and the bridged pages.
type SessionManager struct {
	cfg        Config
	mu         sync.RWMutex
	browser    *rod.Browser
	launched   bool
	sessions   map[string]*sessionRecord
	controlURL string // WebSocket URL for DevTools
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("stale browser connection detected, reconnecting")
		m.closeLocked()
	}

	controlURL := m.cfg.DebuggerURL
	launched := false
	if controlURL == "" {
		if !m.cfg.Launch {
			return errors.New("no debugger_url and launching is disabled")
		}
		url, err := launcher.New().Headless(m.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
		launched = true
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.launched = launched
	m.controlURL = controlURL
	logging.Browser("connected to %s (launched=%v)", controlURL, launched)
	return nil
}

// ControlURL returns the WebSocket debugger URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown stops every bridge. A launched browser is closed; an attached one
// is left running.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *SessionManager) closeLocked() error {
	for id, rec := range m.sessions {
		if rec.bridge != nil {
			rec.bridge.Stop()
		}
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil && m.launched {
		err = m.browser.Close()
	}
	m.browser = nil
	m.launched = false
	m.controlURL = ""
	return err
}

// List returns metadata for all tracked sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		results = append(results, rec.meta)
	}
	return results
}

// GetSession returns session metadata.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// Open creates a page, bridges it to h and navigates it to url. The shim is
// registered before navigation so it runs ahead of the application scripts.
func (m *SessionManager) Open(ctx context.Context, url string, h *hook.Hook, onNavigate func(string)) (*Session, error) {
	browser, err := m.connected()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	meta, err := m.track(ctx, page, "active", h, onNavigate)
	if err != nil {
		return nil, err
	}
	if url != "" {
		if err := page.Timeout(m.cfg.navigationTimeout()).Navigate(url); err != nil {
			logging.BrowserWarn("navigate %s: %v", url, err)
		}
	}
	return meta, nil
}

// Attach bridges an existing target. An empty targetID picks the first page
// that is not a browser-internal one.
func (m *SessionManager) Attach(ctx context.Context, targetID string, h *hook.Hook, onNavigate func(string)) (*Session, error) {
	browser, err := m.connected()
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if targetID == "" {
		page, err = firstAppPage(browser)
	} else {
		page, err = browser.PageFromTarget(proto.TargetTargetID(targetID))
	}
	if err != nil {
		return nil, fmt.Errorf("attach to target %q: %w", targetID, err)
	}

	meta, err := m.track(ctx, page, "attached", h, onNavigate)
	if err != nil {
		return nil, err
	}
	if info, err := page.Info(); err == nil {
		m.touch(meta.ID, info.URL)
		meta.URL = info.URL
		if onNavigate != nil && !isInternalURL(info.URL) {
			onNavigate(info.URL)
		}
	}
	return meta, nil
}

// Detach stops bridging a session. The page itself stays open.
func (m *SessionManager) Detach(sessionID string) bool {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok && rec.bridge != nil {
		rec.bridge.Stop()
	}
	return ok
}

func (m *SessionManager) connected() (*rod.Browser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.browser == nil {
		return nil, ErrNotConnected
	}
	return m.browser, nil
}

func (m *SessionManager) track(ctx context.Context, page *rod.Page, status string, h *hook.Hook, onNavigate func(string)) (*Session, error) {
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		Status:     status,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	bridge := NewBridge(page, h, BridgeOptions{
		PollInterval: m.cfg.PollInterval,
		OnNavigate: func(url string) {
			m.touch(meta.ID, url)
			if onNavigate != nil {
				onNavigate(url)
			}
		},
	})
	if err := bridge.Install(ctx); err != nil {
		return nil, err
	}
	bridge.Start(ctx)

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, bridge: bridge}
	m.mu.Unlock()

	logging.Browser("session %s bridged to target %s", meta.ID, meta.TargetID)
	return &meta, nil
}

func (m *SessionManager) touch(sessionID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta.URL = url
	rec.meta.LastActive = time.Now()
}

func firstAppPage(browser *rod.Browser) (*rod.Page, error) {
	pages, err := browser.Pages()
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil || isInternalURL(info.URL) {
			continue
		}
		return p, nil
	}
	return nil, errors.New("no application page open")
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

func isInternalURL(url string) bool {
	internalPrefixes := []string{
		"chrome://",
		"chrome-extension://",
		"devtools://",
		"about:",
		"data:",
		"blob:",
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
