package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is the tagged variant of inbound panel requests.
type Request interface {
	RequestType() string
}

// GetState asks for an immediate state broadcast.
type GetState struct{}

// SetFilter replaces the tracked-store filter. Empty means track nothing.
type SetFilter struct {
	Stores []string `json:"stores"`
}

// SetValue edits the value at Path in store StoreName.
type SetValue struct {
	StoreName string    `json:"storeName"`
	Path      string    `json:"path"`
	Value     EditValue `json:"value"`
}

// EditValue is the editor's text. JSON numbers, booleans and null are
// accepted and kept in their literal text form.
type EditValue string

// UnmarshalJSON implements json.Unmarshaler.
func (v *EditValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = EditValue(s)
		return nil
	}
	var scalar any
	if err := json.Unmarshal(b, &scalar); err != nil {
		return err
	}
	switch scalar.(type) {
	case map[string]any, []any:
		return fmt.Errorf("edit value must be a scalar, got %s", b)
	}
	*v = EditValue(strings.TrimSpace(string(b)))
	return nil
}

// GetStackSource asks for every frame of a stack with source windows.
type GetStackSource struct {
	ActionID   string `json:"actionId"`
	StackTrace string `json:"stackTrace"`
}

// GetSingleSource asks for one frame of a stack with its source window.
type GetSingleSource struct {
	ActionID   string `json:"actionId"`
	StackTrace string `json:"stackTrace"`
	FrameIdx   int    `json:"frameIdx"`
}

func (GetState) RequestType() string        { return TypeGetState }
func (SetFilter) RequestType() string       { return TypeSetFilter }
func (SetValue) RequestType() string        { return TypeSetValue }
func (GetStackSource) RequestType() string  { return TypeGetStackSource }
func (GetSingleSource) RequestType() string { return TypeGetSingleSource }

// DecodeRequest parses one inbound JSON envelope.
func DecodeRequest(data []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return env.Request()
}

// Request converts the envelope to its typed request. SET_VALUE accepts its
// fields either inside payload or at the top level of the envelope, since
// panels have sent both shapes.
func (e Envelope) Request() (Request, error) {
	switch e.Type {
	case TypeGetState:
		return GetState{}, nil
	case TypeSetFilter:
		var r SetFilter
		if err := decodePayload(e.Payload, &r); err != nil {
			return nil, err
		}
		return r, nil
	case TypeSetValue:
		var r SetValue
		if err := decodePayload(e.Payload, &r); err != nil {
			return nil, err
		}
		if r.StoreName == "" {
			r = SetValue{StoreName: e.StoreName, Path: e.Path, Value: e.Value}
		}
		if r.StoreName == "" {
			return nil, fmt.Errorf("%w: SET_VALUE without storeName", ErrBadPayload)
		}
		return r, nil
	case TypeGetStackSource:
		var r GetStackSource
		if err := decodePayload(e.Payload, &r); err != nil {
			return nil, err
		}
		return r, nil
	case TypeGetSingleSource:
		var r GetSingleSource
		if err := decodePayload(e.Payload, &r); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, e.Type)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// Encode renders a request as an envelope, the form a panel client sends.
func Encode(r Request) Message {
	if _, ok := r.(GetState); ok {
		return Message{Type: r.RequestType()}
	}
	return Message{Type: r.RequestType(), Payload: r}
}
