package hook

import (
	"context"
	"time"

	"mobxlens/internal/correlator"
	"mobxlens/internal/logging"
	"mobxlens/internal/protocol"
	"mobxlens/internal/serialize"
)

// broadcastState sends a snapshot of every registered store, tracked or not.
func (h *Hook) broadcastState() {
	timer := logging.StartTimer(logging.CategoryEmitter, "state snapshot")
	snap := serialize.Snapshot(h.stores.Entries(), h.unwrap)
	timer.StopWithThreshold(50 * time.Millisecond)

	h.sendLocked(protocol.Message{Type: protocol.TypeStateUpdate, Payload: protocol.StateUpdate{
		State:     snap,
		Timestamp: protocol.Millis(h.opts.Clock.Now()),
	}})
}

// enqueueLegacy queues a flat summary of a just-opened action. Only the newest
// FlushLimit entries are kept. Callers hold mu.
func (h *Hook) enqueueLegacy(a *correlator.Action) {
	h.queue = append(h.queue, protocol.NewActionMessage(a, a.StackTrace))
	if over := len(h.queue) - h.opts.FlushLimit; over > 0 {
		h.queue = append(h.queue[:0:0], h.queue[over:]...)
	}
	h.flush.Trigger()
}

// flushActions sends the queued summaries followed by one state broadcast.
func (h *Hook) flushActions() {
	h.mu.Lock()
	batch := h.queue
	h.queue = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if over := len(batch) - h.opts.FlushLimit; over > 0 {
		batch = batch[over:]
	}
	logging.EmitterDebug("flushing %d queued actions", len(batch))

	h.outMu.Lock()
	for _, m := range batch {
		h.send(protocol.Message{Type: protocol.TypeAction, Payload: m})
	}
	h.outMu.Unlock()

	h.broadcastState()
}

// emitLoop sends closed actions in close order, translating each stack first.
func (h *Hook) emitLoop() {
	defer close(h.emitDone)
	for a := range h.emitQ {
		h.emitTranslated(a)
	}
}

func (h *Hook) emitTranslated(a *correlator.Action) {
	defer h.recoverEntry("emit")

	stack := h.translate(a.StackTrace)
	h.outMu.Lock()
	defer h.outMu.Unlock()
	h.sendAction(a, stack)
}

func (h *Hook) translate(stack string) string {
	if stack == "" || h.ctx.Err() != nil {
		return stack
	}
	ctx, cancel := context.WithTimeout(h.ctx, translateTimeout)
	defer cancel()

	mapped, err := h.opts.Translator.Translate(ctx, stack)
	if err != nil {
		logging.SourceDebug("stack translation failed: %v", err)
	}
	if mapped == "" {
		return stack
	}
	return mapped
}
