package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mobxlens/internal/debounce"
	"mobxlens/internal/logging"
)

// FilterPrefs is the persisted store selection.
type FilterPrefs struct {
	Stores  []string  `json:"stores"`
	Updated time.Time `json:"updated,omitempty"`
}

// DefaultPrefsPath returns the default filter preferences path.
func DefaultPrefsPath() string {
	return filepath.Join(".mobxlens", "filter.json")
}

// LoadFilterPrefs reads the preferences file. A missing file yields empty
// preferences, which track nothing.
func LoadFilterPrefs(path string) (FilterPrefs, error) {
	var p FilterPrefs
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FilterPrefs{Stores: []string{}}, nil
		}
		return p, fmt.Errorf("failed to read filter prefs: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse filter prefs: %w", err)
	}
	if p.Stores == nil {
		p.Stores = []string{}
	}
	return p, nil
}

// Save writes the preferences atomically so watchers never see a torn file.
func (p FilterPrefs) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create prefs directory: %w", err)
	}
	stores := append([]string{}, p.Stores...)
	sort.Strings(stores)
	p.Stores = stores
	if p.Updated.IsZero() {
		p.Updated = time.Now()
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal filter prefs: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write filter prefs: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace filter prefs: %w", err)
	}
	return nil
}

// PrefsWatcher re-reads the filter preferences file when it changes and
// hands the result to onChange. Rapid saves collapse into one reload.
type PrefsWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	onChange func(FilterPrefs)
	reload   *debounce.Debouncer
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewPrefsWatcher creates a watcher for path. wait is the quiet period before
// a reload; zero means 100ms.
func NewPrefsWatcher(path string, wait time.Duration, onChange func(FilterPrefs)) (*PrefsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	pw := &PrefsWatcher{
		watcher:  watcher,
		path:     filepath.Clean(path),
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	pw.reload = debounce.New(wait, pw.load, debounce.WithPanicHandler(func(r any) {
		logging.BootWarn("PrefsWatcher: reload panicked: %v", r)
	}))
	return pw, nil
}

// Start begins watching. The parent directory is watched rather than the file
// so atomic replace-by-rename saves are seen. Non-blocking.
func (pw *PrefsWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	dir := filepath.Dir(pw.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create prefs directory: %w", err)
	}
	if err := pw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logging.Boot("PrefsWatcher: watching %s", pw.path)

	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its loop to exit.
func (pw *PrefsWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		_ = pw.watcher.Close()
		pw.reload.Stop()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh
	pw.reload.Stop()

	if err := pw.watcher.Close(); err != nil {
		logging.BootWarn("PrefsWatcher: error closing watcher: %v", err)
	}
}

func (pw *PrefsWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			pw.reload.Trigger()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logging.BootWarn("PrefsWatcher error: %v", err)
		}
	}
}

func (pw *PrefsWatcher) load() {
	p, err := LoadFilterPrefs(pw.path)
	if err != nil {
		// half-written by a non-atomic editor; the next write retriggers
		logging.BootWarn("PrefsWatcher: %v", err)
		return
	}
	if pw.onChange != nil {
		pw.onChange(p)
	}
}
