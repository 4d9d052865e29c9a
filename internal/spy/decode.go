package spy

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned for payloads that are not spy events at all.
var ErrMalformed = errors.New("malformed spy event")

// ObjectResolver turns the wire representation of an event object (for
// example a page-side handle id) into the value stored in the registry.
type ObjectResolver func(raw any) any

// Decode converts one untyped spy payload into an Event. Unknown event types
// decode to KindOther so their markers still balance the depth counter.
func Decode(raw map[string]any, resolve ObjectResolver) (Event, error) {
	if raw == nil {
		return Event{}, fmt.Errorf("%w: nil payload", ErrMalformed)
	}
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	ev := Event{
		Kind:            ParseKind(typ),
		ReportStart:     boolField(raw, "spyReportStart"),
		ReportEnd:       boolField(raw, "spyReportEnd") || typ == "report-end",
		Name:            stringField(raw, "name"),
		DebugObjectName: stringField(raw, "debugObjectName"),
		ObjectType:      stringField(raw, "objectType"),
		ObservableKind:  stringField(raw, "observableKind"),
		OldValue:        raw["oldValue"],
		NewValue:        raw["newValue"],
		Stack:           stringField(raw, "stack"),
	}

	if obj, ok := raw["object"]; ok && obj != nil {
		if resolve != nil {
			ev.Object = resolve(obj)
		} else {
			ev.Object = obj
		}
	}

	switch args := raw["arguments"].(type) {
	case []any:
		ev.Arguments = args
	case nil:
	default:
		ev.Arguments = []any{args}
	}

	return ev, nil
}

func boolField(raw map[string]any, key string) bool {
	b, _ := raw[key].(bool)
	return b
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}
