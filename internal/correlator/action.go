package correlator

import (
	"encoding/json"
	"time"

	"mobxlens/internal/spy"
)

// Change is one mutation attributed to the action that was on top of the
// stack when it happened.
type Change struct {
	Type           spy.Kind
	Name           string
	Store          string
	ObservableKind string
	OldValue       any
	NewValue       any
}

// HasOld reports whether the change carries an old value. Additions do not.
func (c Change) HasOld() bool { return c.Type != spy.KindAdd }

// HasNew reports whether the change carries a new value. Deletions do not.
func (c Change) HasNew() bool { return c.Type != spy.KindDelete }

// MarshalJSON renders the change in its wire shape.
func (c Change) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"type":           c.Type.String(),
		"name":           c.Name,
		"store":          c.Store,
		"observableKind": c.ObservableKind,
	}
	if c.HasOld() {
		m["oldValue"] = c.OldValue
	}
	if c.HasNew() {
		m["newValue"] = c.NewValue
	}
	return json.Marshal(m)
}

// Action is one logical operation with the changes it caused. It is owned by
// the correlator until it closes; afterwards it is treated as read-only.
type Action struct {
	ID         string
	Name       string
	StoreName  string
	Timestamp  time.Time
	Changes    []Change
	IsTracked  bool
	StartDepth int
	Arguments  []any
	StackTrace string
}

// Emittable reports whether a closed action should leave the engine.
func (a *Action) Emittable() bool {
	return a.IsTracked || len(a.Changes) > 0
}
