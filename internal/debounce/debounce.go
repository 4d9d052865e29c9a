// Package debounce provides a trailing debouncer driven by an injectable
// clock.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer coalesces bursts of triggers into one call of fn, fired wait
// after the last trigger. Each trigger cancels and reschedules the pending
// timer.
type Debouncer struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	wait    time.Duration
	fn      func()
	timer   clockwork.Timer
	gen     uint64
	stopped bool
	onPanic func(any)
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock replaces the real clock, typically with a fake clock in tests.
func WithClock(c clockwork.Clock) Option {
	return func(d *Debouncer) { d.clock = c }
}

// WithPanicHandler receives values recovered from fn.
func WithPanicHandler(h func(any)) Option {
	return func(d *Debouncer) { d.onPanic = h }
}

// New creates a debouncer for fn.
func New(wait time.Duration, fn func(), opts ...Option) *Debouncer {
	d := &Debouncer{
		clock: clockwork.NewRealClock(),
		wait:  wait,
		fn:    fn,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Trigger schedules fn, replacing any pending schedule.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.wait, func() { d.fire(gen) })
}

// Flush cancels any pending schedule and runs fn immediately.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.cancelLocked()
	d.mu.Unlock()

	d.run()
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Cancel drops any pending call.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Stop cancels any pending call and ignores later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// a timer that already fired but has not taken the lock sees a new gen
	d.gen++
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	d.run()
}

func (d *Debouncer) run() {
	defer func() {
		if r := recover(); r != nil && d.onPanic != nil {
			d.onPanic(r)
		}
	}()
	d.fn()
}
