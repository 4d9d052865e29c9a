package browser

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/jonboulle/clockwork"

	"mobxlens/internal/correlator"
	"mobxlens/internal/hook"
	"mobxlens/internal/logging"
	"mobxlens/internal/spy"
)

//go:embed shim.js
var shimSource string

// ShimURL is the sourceURL the shim registers under. Stack frames from it are
// filtered out of action traces.
const ShimURL = "mobxlens-shim.js"

// Shim returns the page-side hook script.
func Shim() string { return shimSource }

const jsDrain = `() => {
	const h = window.__MOBX_DEVTOOLS_GLOBAL_HOOK__;
	return h && h.__mobxlens ? h.__drain() : [];
}`

// Control records the shim queues next to spy events.
const (
	recDetected = "__detected"
	recStore    = "__store"
)

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	PollInterval time.Duration
	// OnNavigate observes main-frame navigations.
	OnNavigate func(url string)
	Clock      clockwork.Clock
}

// Bridge pumps one page's shim queue into a hook.
type Bridge struct {
	h    *hook.Hook
	ev   evaluator
	page *rod.Page
	opts BridgeOptions
	rt   *PageRuntime

	mu      sync.Mutex
	remotes map[int]*RemoteObject

	console *eventThrottler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewBridge creates a bridge between page and h. Call Install, then Start.
func NewBridge(page *rod.Page, h *hook.Hook, opts BridgeOptions) *Bridge {
	b := newBridge(pageEvaluator{page: page}, h, opts)
	b.page = page
	return b
}

func newBridge(ev evaluator, h *hook.Hook, opts BridgeOptions) *Bridge {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Bridge{
		h:       h,
		ev:      ev,
		opts:    opts,
		rt:      &PageRuntime{},
		remotes: make(map[int]*RemoteObject),
		console: newEventThrottler(opts.Clock, 100*time.Millisecond),
	}
}

// Runtime is the page runtime fed by this bridge.
func (b *Bridge) Runtime() *PageRuntime { return b.rt }

// Install registers the shim for every future document of the page and runs
// it in the current one.
func (b *Bridge) Install(ctx context.Context) error {
	if b.page == nil {
		return nil
	}
	if _, err := b.page.EvalOnNewDocument(shimSource); err != nil {
		return fmt.Errorf("register shim: %w", err)
	}
	if _, err := (proto.RuntimeEvaluate{Expression: shimSource}).Call(b.page.Context(ctx)); err != nil {
		return fmt.Errorf("inject shim: %w", err)
	}
	return nil
}

// Start launches the drain loop and, for a real page, the navigation and
// console watchers. They run until Stop or ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.pump(ctx)
	}()

	if b.page == nil {
		return
	}
	wait := b.page.Context(ctx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame == nil || ev.Frame.ParentID != "" {
				return
			}
			b.navigated(ev.Frame.URL)
		},
		func(ev *proto.RuntimeConsoleAPICalled) {
			if !b.console.Allow(string(ev.Type)) {
				return
			}
			logging.BrowserDebug("console.%s: %s", ev.Type, stringifyConsoleArgs(ev.Args))
		},
	)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		wait()
	}()
}

// Stop ends the loops and waits for them. Safe to call more than once.
func (b *Bridge) Stop() {
	b.once.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

func (b *Bridge) pump(ctx context.Context) {
	ticker := b.opts.Clock.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := b.Drain(ctx); err != nil && ctx.Err() == nil {
				// expected while a navigation tears the context down
				logging.BrowserDebug("drain: %v", err)
			}
		}
	}
}

// Drain pulls the queued records out of the page and dispatches them in
// order.
func (b *Bridge) Drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	res, err := b.ev.Eval(ctx, jsDrain)
	if err != nil {
		return err
	}
	if res.Nil() {
		return nil
	}
	var records []map[string]any
	if err := decodeJSON(res, &records); err != nil {
		return fmt.Errorf("decode queue: %w", err)
	}
	for _, rec := range records {
		b.dispatch(rec)
	}
	return nil
}

func (b *Bridge) dispatch(rec map[string]any) {
	typ, _ := rec["type"].(string)
	switch typ {
	case recDetected:
		version, _ := rec["version"].(string)
		b.rt.setVersion(version)
		if !b.h.InjectRuntimeFrom(b.rt) {
			b.h.Announce(version)
		}
		if stores, _ := rec["stores"].(bool); stores {
			b.h.BroadcastState()
		}
		logging.Browser("runtime detected in page (version %s)", version)

	case recStore:
		name, _ := rec["name"].(string)
		objType, _ := rec["objectType"].(string)
		if obj, ok := b.resolve(rec["object"], objType).(*RemoteObject); ok && name != "" {
			b.h.Inject(name, obj)
			logging.BrowserDebug("global store %s (%s)", name, objType)
		}

	default:
		objType, _ := rec["objectType"].(string)
		ev, err := spy.Decode(rec, func(raw any) any { return b.resolve(raw, objType) })
		if err != nil {
			logging.CaptureDebug("skip record: %v", err)
			return
		}
		fillObjectType(&ev)
		b.rt.deliver(ev)
	}
}

// fillObjectType names objects whose constructor is anonymous: actions fall
// back to the anonymous store name and mutations count as generic containers.
func fillObjectType(ev *spy.Event) {
	if ev.ObjectType != "" || ev.Object == nil {
		return
	}
	if ev.Kind == spy.KindAction {
		ev.ObjectType = correlator.AnonymousStore
	} else {
		ev.ObjectType = "Object"
	}
}

// resolve maps a {__handle: id} reference onto one RemoteObject per id.
func (b *Bridge) resolve(raw any, objType string) any {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	f, ok := m["__handle"].(float64)
	if !ok {
		return raw
	}
	id := int(f)

	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.remotes[id]; ok {
		if o.Type == "" {
			o.Type = objType
		}
		return o
	}
	o := &RemoteObject{Handle: id, Type: objType, ev: b.ev}
	b.remotes[id] = o
	return o
}

// navigated resets per-document state. The new document re-runs the shim and
// announces its runtime again.
func (b *Bridge) navigated(url string) {
	b.mu.Lock()
	b.remotes = make(map[int]*RemoteObject)
	b.mu.Unlock()
	b.h.Reset()

	logging.Browser("navigated to %s", url)
	if b.opts.OnNavigate != nil && !isInternalURL(url) {
		b.opts.OnNavigate(url)
	}
}

func (b *Bridge) remoteCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.remotes)
}
