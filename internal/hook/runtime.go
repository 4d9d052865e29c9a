package hook

import "mobxlens/internal/spy"

// Runtime is an attached reactive runtime.
type Runtime interface {
	// Version is reported in MOBX_DETECTED.
	Version() string
	// Spy subscribes listener to the runtime's event stream and returns the
	// unsubscribe function.
	Spy(listener func(spy.Event)) (dispose func())
}

// PlainRuntime is a Runtime with its own unwrap-to-plain primitive.
type PlainRuntime interface {
	Runtime
	ToPlain(v any) (any, error)
}

// runtimeBox lets a nil Runtime live in an atomic.Value.
type runtimeBox struct {
	rt Runtime
}
