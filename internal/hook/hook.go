// Package hook is the capture engine facade: it feeds spy events through the
// correlator, owns the debounced emitters and the edit-suppression marker,
// serves panel requests and hands every outbound message to one Sender.
//
// All engine state is serialized behind one mutex so each event is handled to
// completion before the next. Outbound sends happen outside that lock, in the
// order actions close.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"mobxlens/internal/config"
	"mobxlens/internal/correlator"
	"mobxlens/internal/debounce"
	"mobxlens/internal/logging"
	"mobxlens/internal/protocol"
	"mobxlens/internal/registry"
	"mobxlens/internal/spy"
	"mobxlens/internal/stacktrace"
)

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("hook closed")

// UnknownVersion is announced for runtimes that do not report a version.
const UnknownVersion = "unknown"

// translateTimeout bounds one source-map translation on the emit path.
const translateTimeout = 5 * time.Second

// Options configures a Hook.
type Options struct {
	Sender protocol.Sender
	Clock  clockwork.Clock

	// Legacy queues flat action summaries on the flush timer instead of
	// emitting correlated actions on close.
	Legacy          bool
	StateDebounce   time.Duration
	ActionFlush     time.Duration
	FlushLimit      int
	EditSuppression time.Duration

	SkipLines      int
	IgnorePatterns []string

	// Translator maps action stacks before they are sent. When set, actions
	// are emitted from one ordered worker.
	Translator stacktrace.Translator
	// Resolver answers stack source requests. Nil resolves frames without
	// source lines.
	Resolver *stacktrace.Resolver

	// OnFilter observes every SET_FILTER, e.g. to persist the selection.
	OnFilter func(stores []string)
}

// OptionsFromConfig maps the capture section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Legacy:          cfg.Capture.IsLegacy(),
		StateDebounce:   cfg.GetStateDebounce(),
		ActionFlush:     cfg.GetActionFlush(),
		FlushLimit:      cfg.Capture.FlushLimit,
		EditSuppression: cfg.GetEditSuppression(),
		SkipLines:       cfg.Capture.SkipLines,
		IgnorePatterns:  cfg.Capture.IgnorePatterns,
	}
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.StateDebounce <= 0 {
		o.StateDebounce = 300 * time.Millisecond
	}
	if o.ActionFlush <= 0 {
		o.ActionFlush = 500 * time.Millisecond
	}
	if o.FlushLimit <= 0 {
		o.FlushLimit = 50
	}
	if o.EditSuppression <= 0 {
		o.EditSuppression = time.Second
	}
	if o.Resolver == nil {
		o.Resolver = stacktrace.NewResolver("", nil)
	}
}

// Hook is one capture engine.
type Hook struct {
	id   string
	opts Options

	stores *registry.Registry
	filter *registry.FilterSet
	rt     atomic.Value // runtimeBox

	// mu guards the correlator, the legacy queue and the lifecycle fields.
	mu      sync.Mutex
	corr    *correlator.Correlator
	queue   []protocol.ActionMessage
	dispose func()
	closed  bool

	// outMu orders outbound sends.
	outMu sync.Mutex

	state *debounce.Debouncer
	flush *debounce.Debouncer

	editMu    sync.Mutex
	editing   string
	editTimer clockwork.Timer
	editGen   uint64

	emitQ    chan *correlator.Action
	emitDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a hook. It does not install it; see Install.
func New(opts Options) *Hook {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hook{
		id:     uuid.NewString(),
		opts:   opts,
		stores: registry.New(),
		filter: &registry.FilterSet{},
		ctx:    ctx,
		cancel: cancel,
	}
	h.rt.Store(runtimeBox{})

	onPanic := func(r any) {
		logging.Get(logging.CategoryEmitter).Error("timer callback recovered: %v", r)
	}
	h.state = debounce.New(opts.StateDebounce, h.broadcastState,
		debounce.WithClock(opts.Clock), debounce.WithPanicHandler(onPanic))
	h.flush = debounce.New(opts.ActionFlush, h.flushActions,
		debounce.WithClock(opts.Clock), debounce.WithPanicHandler(onPanic))

	h.corr = correlator.New(h.stores, h.filter, correlator.Options{
		SkipLines:      opts.SkipLines,
		IgnorePatterns: opts.IgnorePatterns,
		Unwrap:         h.unwrap,
		Suppressed:     h.suppressed,
		Nudge:          h.state.Trigger,
		Clock:          opts.Clock,
	})

	if opts.Translator != nil {
		h.emitQ = make(chan *correlator.Action, 256)
		h.emitDone = make(chan struct{})
		go h.emitLoop()
	}

	logging.Capture("hook %s created (legacy=%v, translate=%v)", h.id, opts.Legacy, opts.Translator != nil)
	return h
}

// ID is the hook's instance id.
func (h *Hook) ID() string { return h.id }

// Runtime returns the attached runtime, or nil.
func (h *Hook) Runtime() Runtime {
	return h.rt.Load().(runtimeBox).rt
}

// Stores lists registered store names in registration order.
func (h *Hook) Stores() []string { return h.stores.Names() }

// Filter lists the tracked store names.
func (h *Hook) Filter() []string { return h.filter.Names() }

// SetFilter replaces the tracked stores without notifying OnFilter. Used to
// restore persisted preferences.
func (h *Hook) SetFilter(stores []string) { h.filter.Replace(stores) }

// Spy is the spy listener. It never panics.
func (h *Hook) Spy(ev spy.Event) {
	defer h.recoverEntry("spy")

	a := h.process(ev)
	if a == nil {
		return
	}
	defer h.outMu.Unlock()
	h.sendAction(a, a.StackTrace)
}

// process runs ev through the engine. When it returns an action to be sent
// synchronously, outMu is held by the caller.
func (h *Hook) process(ev spy.Event) *correlator.Action {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	closed := h.corr.Handle(ev)

	if h.opts.Legacy {
		if ev.Kind == spy.KindAction && ev.ReportStart {
			if a := h.corr.Current(); a != nil {
				h.enqueueLegacy(a)
			}
		}
		return nil
	}
	if closed == nil {
		return nil
	}
	if h.emitQ != nil {
		h.emitQ <- closed
		return nil
	}
	// taken before mu is released so sends keep close order
	h.outMu.Lock()
	return closed
}

// Inject registers store under name by hand.
func (h *Hook) Inject(name string, store any) {
	defer h.recoverEntry("inject")
	if name == "" || store == nil {
		return
	}
	h.stores.Register(name, store)
	h.state.Trigger()
}

// InjectRuntime attaches rt: it announces MOBX_DETECTED and subscribes the
// hook to rt's spy stream. A previously attached runtime is unsubscribed.
func (h *Hook) InjectRuntime(rt Runtime) {
	defer h.recoverEntry("inject runtime")
	if rt == nil {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	prev := h.dispose
	h.dispose = nil
	h.rt.Store(runtimeBox{rt: rt})
	h.mu.Unlock()

	if prev != nil {
		prev()
	}
	h.Announce(rt.Version())

	// subscribed without mu: a runtime may replay events synchronously
	dispose := rt.Spy(h.Spy)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		if dispose != nil {
			dispose()
		}
		return
	}
	h.dispose = dispose
	h.mu.Unlock()
}

// InjectRuntimeFrom attaches rt only when no runtime is attached yet. It
// reports whether rt was attached.
func (h *Hook) InjectRuntimeFrom(rt Runtime) bool {
	if rt == nil || h.Runtime() != nil {
		return false
	}
	h.InjectRuntime(rt)
	return true
}

// Announce sends MOBX_DETECTED.
func (h *Hook) Announce(version string) {
	defer h.recoverEntry("announce")
	if version == "" {
		version = UnknownVersion
	}
	h.outMu.Lock()
	defer h.outMu.Unlock()
	h.send(protocol.Message{Type: protocol.TypeDetected, Payload: protocol.Detected{
		Version:   version,
		Timestamp: protocol.Millis(h.opts.Clock.Now()),
	}})
}

// BroadcastState cancels any pending state broadcast and sends one now.
func (h *Hook) BroadcastState() {
	h.state.Flush()
}

// Reset forgets open actions and registered stores, e.g. after the page
// navigated. The filter and the attached runtime are kept.
func (h *Hook) Reset() {
	h.mu.Lock()
	h.corr.Reset()
	h.queue = nil
	h.mu.Unlock()
	h.stores.Reset()
	h.flush.Cancel()
	h.state.Cancel()
}

// Close stops timers, unsubscribes from the runtime and drains the emit
// worker. Safe to call more than once.
func (h *Hook) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	dispose := h.dispose
	h.dispose = nil
	if h.emitQ != nil {
		close(h.emitQ)
	}
	h.mu.Unlock()

	if dispose != nil {
		func() {
			defer h.recoverEntry("dispose")
			dispose()
		}()
	}
	h.state.Stop()
	h.flush.Stop()
	h.clearSuppression()

	// pending translations give up and send raw stacks
	h.cancel()
	if h.emitDone != nil {
		<-h.emitDone
	}
	logging.Capture("hook %s closed", h.id)
}

func (h *Hook) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hook) unwrap(v any) (any, error) {
	pr, ok := h.Runtime().(PlainRuntime)
	if !ok {
		return nil, errNoUnwrap
	}
	return pr.ToPlain(v)
}

var errNoUnwrap = errors.New("runtime has no unwrap primitive")

func (h *Hook) recoverEntry(where string) {
	if r := recover(); r != nil {
		logging.Get(logging.CategoryCapture).Error("%s: recovered: %v", where, r)
	}
}

// send hands m to the sender. Failures are dropped. Callers hold outMu.
func (h *Hook) send(m protocol.Message) {
	if h.opts.Sender == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.EmitterDebug("send %s panicked: %v", m.Type, r)
		}
	}()
	if err := h.opts.Sender.Send(m); err != nil {
		logging.EmitterDebug("send %s: %v", m.Type, err)
	}
}

func (h *Hook) sendAction(a *correlator.Action, stack string) {
	logging.EmitterDebug("emit %s (%d changes)", a.Name, len(a.Changes))
	h.send(protocol.Message{Type: protocol.TypeAction, Payload: protocol.NewActionMessage(a, stack)})
}

func (h *Hook) sendLocked(m protocol.Message) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	h.send(m)
}

func (h *Hook) String() string {
	return fmt.Sprintf("hook(%s)", h.id)
}
