package hook

import (
	"errors"
	"fmt"
	"strings"

	"mobxlens/internal/logging"
	"mobxlens/internal/pathedit"
	"mobxlens/internal/protocol"
)

// ErrStoreNotFound is returned by SET_VALUE for an unregistered store.
var ErrStoreNotFound = errors.New("store not found")

// setValue applies an editor value to a live store. The mutation echo of the
// edit is suppressed for EditSuppression.
func (h *Hook) setValue(r protocol.SetValue) error {
	store, ok := h.stores.Get(r.StoreName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, r.StoreName)
	}

	h.suppress(r.StoreName + "." + r.Path)

	keys := pathedit.StripStore(pathedit.Parse(r.Path), r.StoreName)
	// applied without mu: an in-process store reports the mutation through
	// Spy on this goroutine
	if err := pathedit.Apply(store, keys, string(r.Value)); err != nil {
		return fmt.Errorf("set %s.%s: %w", r.StoreName, r.Path, err)
	}
	logging.EditDebug("set %s.%s = %q", r.StoreName, pathedit.Format(keys), string(r.Value))

	h.state.Trigger()
	return nil
}

// suppress replaces the edit marker and schedules its expiry.
func (h *Hook) suppress(marker string) {
	h.editMu.Lock()
	defer h.editMu.Unlock()

	if h.editTimer != nil {
		h.editTimer.Stop()
	}
	h.editGen++
	gen := h.editGen
	h.editing = marker
	h.editTimer = h.opts.Clock.AfterFunc(h.opts.EditSuppression, func() {
		h.editMu.Lock()
		defer h.editMu.Unlock()
		if h.editGen == gen {
			h.editing = ""
			h.editTimer = nil
		}
	})
}

// suppressed reports whether a mutation of name belongs to the edit in
// flight. The marker is store-qualified, so containment is checked.
func (h *Hook) suppressed(name string) bool {
	h.editMu.Lock()
	defer h.editMu.Unlock()
	return h.editing != "" && strings.Contains(h.editing, name)
}

func (h *Hook) clearSuppression() {
	h.editMu.Lock()
	defer h.editMu.Unlock()
	if h.editTimer != nil {
		h.editTimer.Stop()
		h.editTimer = nil
	}
	h.editGen++
	h.editing = ""
}
