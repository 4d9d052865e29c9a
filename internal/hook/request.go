package hook

import (
	"context"
	"fmt"

	"mobxlens/internal/logging"
	"mobxlens/internal/protocol"
	"mobxlens/internal/stacktrace"
)

// HandleMessage decodes and serves one inbound panel message.
func (h *Hook) HandleMessage(ctx context.Context, data []byte) error {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		return err
	}
	return h.HandleRequest(ctx, req)
}

// HandleRequest serves one panel request. Errors describe requests that could
// not be served; the engine itself is never affected.
func (h *Hook) HandleRequest(ctx context.Context, req protocol.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryCapture).Error("request %T: recovered: %v", req, r)
			err = fmt.Errorf("request %T panicked: %v", req, r)
		}
	}()
	if h.isClosed() {
		return ErrClosed
	}

	switch r := req.(type) {
	case protocol.GetState:
		h.BroadcastState()
		return nil

	case protocol.SetFilter:
		h.filter.Replace(r.Stores)
		logging.Capture("filter set to %v", h.filter.Names())
		if h.opts.OnFilter != nil {
			h.opts.OnFilter(h.filter.Names())
		}
		return nil

	case protocol.SetValue:
		if err := h.setValue(r); err != nil {
			logging.EditDebug("SET_VALUE dropped: %v", err)
			return err
		}
		return nil

	case protocol.GetStackSource:
		frames, err := h.opts.Resolver.ResolveAll(ctx, r.StackTrace)
		if err != nil {
			return fmt.Errorf("resolve stack for %s: %w", r.ActionID, err)
		}
		if frames == nil {
			frames = []stacktrace.FrameSource{}
		}
		h.sendLocked(protocol.Message{Type: protocol.TypeStackSource, Payload: protocol.StackSource{
			ActionID:        r.ActionID,
			StackWithSource: frames,
		}})
		return nil

	case protocol.GetSingleSource:
		fs, err := h.opts.Resolver.ResolveFrame(ctx, r.StackTrace, r.FrameIdx)
		if err != nil {
			return fmt.Errorf("resolve frame %d for %s: %w", r.FrameIdx, r.ActionID, err)
		}
		h.sendLocked(protocol.Message{Type: protocol.TypeSingleFrameSource, Payload: protocol.SingleFrameSource{
			ActionID:    r.ActionID,
			FrameIdx:    r.FrameIdx,
			SourceLines: fs.SourceLines,
			Frame:       fs.Frame,
		}})
		return nil
	}
	return fmt.Errorf("%w: %T", protocol.ErrUnknownRequest, req)
}

// PanelConnected is called when a panel attaches. It receives the current
// state right away.
func (h *Hook) PanelConnected() {
	defer h.recoverEntry("panel connect")
	if h.isClosed() {
		return
	}
	h.BroadcastState()
}
