// Package correlator rebuilds the tree of nested actions from the flat,
// depth-tagged spy stream and attributes each mutation to the innermost open
// action.
//
// A Correlator is not safe for concurrent use. Callers feed it one event at a
// time, in the order the runtime reported them.
package correlator

import (
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"mobxlens/internal/logging"
	"mobxlens/internal/registry"
	"mobxlens/internal/serialize"
	"mobxlens/internal/spy"
	"mobxlens/internal/stacktrace"
)

const (
	// UnknownStore is the store name of actions that carry no identity.
	UnknownStore = "Unknown"
	// AnonymousStore is used for objects whose type has no name.
	AnonymousStore = "Store"

	// DefaultSkipLines is how many leading lines of a page stack belong to
	// the error header, the spy listener and the runtime's reporter.
	DefaultSkipLines = 3
)

// DefaultIgnorePatterns drop runtime internals and the page shim from page
// stacks.
var DefaultIgnorePatterns = []string{"mobx", "mobxlens-shim.js"}

// Options configures a Correlator.
type Options struct {
	// SkipLines and IgnorePatterns filter stacks captured in the page.
	SkipLines      int
	IgnorePatterns []string
	// IgnoreFrames filters Go stacks captured for in-process events.
	IgnoreFrames []string
	// Unwrap is the runtime's plain-value primitive, tried before the walker.
	Unwrap serialize.Unwrapper
	// Suppressed reports whether a mutation of the named property is the
	// echo of an edit in flight.
	Suppressed func(name string) bool
	// Nudge is called for every observed mutation so the state broadcast
	// refreshes independently of change tracking.
	Nudge func()
	Clock clockwork.Clock
}

// Correlator owns the nesting depth counter and the stack of open actions.
type Correlator struct {
	opts     Options
	stores   *registry.Registry
	filter   *registry.FilterSet
	depth    int
	stack    []*Action
	sequence uint64
}

// New creates a correlator that registers stores in stores and checks
// tracking against filter.
func New(stores *registry.Registry, filter *registry.FilterSet, opts Options) *Correlator {
	if opts.SkipLines == 0 {
		opts.SkipLines = DefaultSkipLines
	}
	if opts.IgnorePatterns == nil {
		opts.IgnorePatterns = DefaultIgnorePatterns
	}
	if opts.IgnoreFrames == nil {
		opts.IgnoreFrames = stacktrace.EngineFrames
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Correlator{opts: opts, stores: stores, filter: filter}
}

// Depth returns the number of open report windows.
func (c *Correlator) Depth() int { return c.depth }

// Open returns the number of actions on the stack.
func (c *Correlator) Open() int { return len(c.stack) }

// Current returns the innermost open action, or nil.
func (c *Correlator) Current() *Action {
	if len(c.stack) == 0 {
		return nil
	}
	return c.stack[len(c.stack)-1]
}

// Reset drops all open actions and zeroes the depth, e.g. after navigation.
func (c *Correlator) Reset() {
	c.depth = 0
	c.stack = nil
}

// Handle processes one event and returns the action it closed when that
// action should be emitted. It never panics; a failure while handling an
// event drops that event.
func (c *Correlator) Handle(ev spy.Event) (closed *Action) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryCorrelator).Error("dropped %s event %q: %v", ev.Kind, ev.Name, r)
			closed = nil
		}
	}()

	if ev.ReportStart {
		c.depth++
	}

	switch {
	case ev.Kind == spy.KindAction && ev.ReportStart:
		c.startAction(ev)
	case ev.Kind == spy.KindReportEnd || ev.ReportEnd:
		return c.endReport()
	case ev.Kind.IsMutation() && ev.ReportStart:
		c.mutation(ev)
	}
	return nil
}

func (c *Correlator) startAction(ev spy.Event) {
	store := actionStore(ev)
	if store != UnknownStore && ev.Object != nil {
		c.stores.Register(store, ev.Object)
	}

	now := c.opts.Clock.Now()
	c.sequence++
	a := &Action{
		ID:         fmt.Sprintf("%d-%d", now.UnixMilli(), c.sequence),
		Name:       ev.Name,
		StoreName:  store,
		Timestamp:  now,
		Changes:    []Change{},
		IsTracked:  c.filter.Tracks(store),
		StartDepth: c.depth - 1,
		Arguments:  serialize.CloneArgs(ev.Arguments, c.opts.Unwrap),
		StackTrace: c.captureStack(ev),
	}
	c.stack = append(c.stack, a)
	logging.CorrelatorDebug("open %s store=%s depth=%d tracked=%v", a.Name, store, a.StartDepth, a.IsTracked)
}

func (c *Correlator) endReport() *Action {
	if c.depth == 0 {
		logging.CorrelatorDebug("end marker with no open report window")
		return nil
	}
	c.depth--
	if len(c.stack) == 0 {
		return nil
	}
	top := c.stack[len(c.stack)-1]
	if top.StartDepth != c.depth {
		return nil
	}
	c.stack = c.stack[:len(c.stack)-1]
	logging.CorrelatorDebug("close %s changes=%d", top.Name, len(top.Changes))
	if !top.Emittable() {
		return nil
	}
	return top
}

func (c *Correlator) mutation(ev spy.Event) {
	if ev.Name != "" && c.opts.Suppressed != nil && c.opts.Suppressed(ev.Name) {
		logging.CorrelatorDebug("suppressed edit echo for %q", ev.Name)
		return
	}

	store := mutationStore(ev)
	if !isGenericContainer(store) && ev.Object != nil {
		c.stores.Register(store, ev.Object)
	}
	if c.opts.Nudge != nil {
		c.opts.Nudge()
	}
	if isGenericContainer(store) || !c.filter.Tracks(store) {
		return
	}
	if len(c.stack) == 0 {
		// observed between actions: nothing to attach to
		return
	}

	top := c.stack[len(c.stack)-1]
	top.Changes = append(top.Changes, c.change(ev, store))
}

func (c *Correlator) change(ev spy.Event, store string) Change {
	ch := Change{
		Type:           ev.Kind,
		Name:           ev.Name,
		Store:          store,
		ObservableKind: ev.ObservableKind,
	}
	oldV, errOld := c.cloneIf(ch.HasOld(), ev.OldValue)
	newV, errNew := c.cloneIf(ch.HasNew(), ev.NewValue)
	if errOld != nil || errNew != nil {
		ch.OldValue = serialize.Stringify(ev.OldValue)
		ch.NewValue = serialize.Stringify(ev.NewValue)
		return ch
	}
	ch.OldValue, ch.NewValue = oldV, newV
	return ch
}

func (c *Correlator) cloneIf(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	return serialize.Clone(v, c.opts.Unwrap)
}

func (c *Correlator) captureStack(ev spy.Event) string {
	if ev.Stack != "" {
		return stacktrace.Filter(ev.Stack, c.opts.SkipLines, c.opts.IgnorePatterns)
	}
	return stacktrace.Capture(0, c.opts.IgnoreFrames)
}

// actionStore resolves the owning store of an action: the name prefix before
// '@', else the object's type, else UnknownStore.
func actionStore(ev spy.Event) string {
	if i := strings.IndexByte(ev.Name, '@'); i > 0 {
		return ev.Name[:i]
	}
	if ev.Object != nil {
		if t := ev.TypeName(); t != "" {
			return t
		}
		return AnonymousStore
	}
	return UnknownStore
}

// mutationStore resolves the container of a mutation from its debug name,
// else from the object's type. It may return "".
func mutationStore(ev spy.Event) string {
	if dn := ev.DebugObjectName; dn != "" && dn[0] != '@' {
		name, _, _ := strings.Cut(dn, "@")
		return name
	}
	if ev.Object != nil {
		return ev.TypeName()
	}
	return ""
}

func isGenericContainer(store string) bool {
	return store == "" || store == "Object" || store == "Array"
}
