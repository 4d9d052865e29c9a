// Package protocol defines the messages exchanged between the capture
// engine and a panel. Every message travels in a {type, payload} envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"mobxlens/internal/correlator"
	"mobxlens/internal/stacktrace"
)

// Message types.
const (
	TypeGetState        = "GET_STATE"
	TypeSetFilter       = "SET_FILTER"
	TypeSetValue        = "SET_VALUE"
	TypeGetStackSource  = "GET_STACK_SOURCE"
	TypeGetSingleSource = "GET_SINGLE_SOURCE"

	TypeDetected          = "MOBX_DETECTED"
	TypeStateUpdate       = "STATE_UPDATE"
	TypeAction            = "ACTION"
	TypeStackSource       = "STACK_SOURCE"
	TypeSingleFrameSource = "SINGLE_FRAME_SOURCE"
)

var (
	// ErrUnknownRequest is returned for inbound types the engine does not
	// serve.
	ErrUnknownRequest = errors.New("unknown request type")
	// ErrBadPayload is returned when a known request carries an unusable
	// payload.
	ErrBadPayload = errors.New("bad request payload")
)

// Message is the envelope. Payload is any JSON-encodable value on the way
// out and raw JSON on the way in.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Envelope is the inbound form of Message with the payload left raw. Some
// panels send SET_VALUE fields next to type instead of inside payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	StoreName string    `json:"storeName,omitempty"`
	Path      string    `json:"path,omitempty"`
	Value     EditValue `json:"value,omitempty"`
}

// Sender is the transport boundary.
type Sender interface {
	Send(Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(Message) error

// Send implements Sender.
func (f SenderFunc) Send(m Message) error { return f(m) }

// Fanout sends every message to all senders and joins their errors.
type Fanout []Sender

// Send implements Sender.
func (f Fanout) Send(m Message) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Send(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Millis converts t to unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// Detected announces an attached runtime.
type Detected struct {
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// StateUpdate is a full snapshot of every registered store.
type StateUpdate struct {
	State     map[string]any `json:"state"`
	Timestamp int64          `json:"timestamp"`
}

// ActionMessage is one closed action.
type ActionMessage struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Type       string              `json:"type"`
	Object     string              `json:"object"`
	Timestamp  int64               `json:"timestamp"`
	Changes    []correlator.Change `json:"changes"`
	Arguments  []any               `json:"arguments"`
	StackTrace string              `json:"stackTrace"`
}

// NewActionMessage converts a closed action to its wire form. stack
// replaces the action's own stack text when it was translated.
func NewActionMessage(a *correlator.Action, stack string) ActionMessage {
	changes := a.Changes
	if changes == nil {
		changes = []correlator.Change{}
	}
	args := a.Arguments
	if args == nil {
		args = []any{}
	}
	return ActionMessage{
		ID:         a.ID,
		Name:       a.Name,
		Type:       "action",
		Object:     a.StoreName,
		Timestamp:  Millis(a.Timestamp),
		Changes:    changes,
		Arguments:  args,
		StackTrace: stack,
	}
}

// StackSource answers GET_STACK_SOURCE.
type StackSource struct {
	ActionID        string                   `json:"actionId"`
	StackWithSource []stacktrace.FrameSource `json:"stackWithSource"`
}

// SingleFrameSource answers GET_SINGLE_SOURCE.
type SingleFrameSource struct {
	ActionID    string                  `json:"actionId"`
	FrameIdx    int                     `json:"frameIdx"`
	SourceLines []stacktrace.SourceLine `json:"sourceLines"`
	Frame       stacktrace.Frame        `json:"frame"`
}
