package hook

import (
	"errors"
	"fmt"
	"sync"
)

// GlobalKey is the well-known handle of the page-wide hook.
const GlobalKey = "__MOBX_DEVTOOLS_GLOBAL_HOOK__"

// ErrAlreadyInstalled is returned when a second hook is installed for a key.
var ErrAlreadyInstalled = errors.New("hook already installed")

var (
	installedMu sync.Mutex
	installed   = make(map[string]*Hook)
)

// Install makes h reachable under key. A key holds at most one hook.
func Install(key string, h *Hook) error {
	installedMu.Lock()
	defer installedMu.Unlock()
	if prev, ok := installed[key]; ok {
		return fmt.Errorf("%w: %s (instance %s)", ErrAlreadyInstalled, key, prev.ID())
	}
	installed[key] = h
	return nil
}

// Lookup returns the hook installed under key.
func Lookup(key string) (*Hook, bool) {
	installedMu.Lock()
	defer installedMu.Unlock()
	h, ok := installed[key]
	return h, ok
}

// Uninstall removes and closes the hook under key. It reports whether a hook
// was installed.
func Uninstall(key string) bool {
	installedMu.Lock()
	h, ok := installed[key]
	delete(installed, key)
	installedMu.Unlock()
	if ok {
		h.Close()
	}
	return ok
}
