package browser

import (
	"errors"
	"sync"

	"mobxlens/internal/serialize"
	"mobxlens/internal/spy"
)

var errNotRemote = errors.New("value is not a page object")

// PageRuntime is the reactive runtime living in a page, seen from Go. Spy
// events reach it through the bridge's drain loop.
type PageRuntime struct {
	mu       sync.Mutex
	version  string
	listener func(spy.Event)
	gen      uint64
}

// Version is the runtime version the shim detected.
func (r *PageRuntime) Version() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *PageRuntime) setVersion(v string) {
	r.mu.Lock()
	r.version = v
	r.mu.Unlock()
}

// Spy subscribes listener. Only one listener is held; a new subscription
// replaces the previous one.
func (r *PageRuntime) Spy(listener func(spy.Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	gen := r.gen
	r.listener = listener
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gen == gen {
			r.listener = nil
		}
	}
}

// ToPlain snapshots page objects through the shim.
func (r *PageRuntime) ToPlain(v any) (any, error) {
	p, ok := v.(serialize.Plainer)
	if !ok {
		return nil, errNotRemote
	}
	return p.ToPlain()
}

// deliver hands ev to the listener and reports whether one was subscribed.
func (r *PageRuntime) deliver(ev spy.Event) bool {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l == nil {
		return false
	}
	l(ev)
	return true
}
