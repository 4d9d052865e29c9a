// Package registry holds the name to live-value lookup of observed stores
// and the set of store names elected for change tracking.
package registry

import (
	"sort"
	"sync"
)

// Registry maps store names to live values. It is a lookup, not an owner:
// entries are replaced whenever an event carries a newer reference.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]any
	order  []string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{stores: make(map[string]any)}
}

// Register stores v under name, keeping first-registration order.
func (r *Registry) Register(name string, v any) {
	if name == "" || v == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[name]; !ok {
		r.order = append(r.order, name)
	}
	r.stores[name] = v
}

// Get returns the value registered under name.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.stores[name]
	return v, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Entries returns a copy of the name to value map.
func (r *Registry) Entries() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.stores))
	for k, v := range r.stores {
		out[k] = v
	}
	return out
}

// Len returns the number of registered stores.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stores)
}

// Reset drops every entry. Used when the inspected page navigates.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores = make(map[string]any)
	r.order = nil
}

// FilterSet is the replaceable set of tracked store names. The zero value
// tracks nothing.
type FilterSet struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// Replace swaps in a new set. An empty list means track nothing.
func (f *FilterSet) Replace(names []string) {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n != "" {
			set[n] = struct{}{}
		}
	}
	f.mu.Lock()
	f.names = set
	f.mu.Unlock()
}

// Tracks reports whether store changes should be retained.
func (f *FilterSet) Tracks(store string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.names) == 0 {
		return false
	}
	_, ok := f.names[store]
	return ok
}

// Names returns the tracked names, sorted.
func (f *FilterSet) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.names))
	for n := range f.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
