package serialize

import (
	"encoding/json"
	"fmt"
)

// FailedContainer returns the value that replaces a container whose
// snapshot cannot be made transport-safe.
func FailedContainer() map[string]any {
	return map[string]any{"error": "Failed"}
}

// ToPlain prefers the runtime's unwrap primitive and falls back to the
// manual walker when it is absent or fails.
func ToPlain(v any, unwrap Unwrapper) any {
	if unwrap != nil {
		if p, err := safeUnwrap(unwrap, v); err == nil {
			return p
		}
	}
	return Serialize(v, 0)
}

func safeUnwrap(unwrap Unwrapper, v any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("unwrap panicked: %v", r)
		}
	}()
	return unwrap(v)
}

// RoundTrip forces v through a strict JSON encode/decode so no residual
// non-serializable value survives.
func RoundTrip(v any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("round trip panicked: %v", r)
		}
	}()
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return decoded, nil
}

// Snapshot converts every container to plain data. A container that fails
// the final round trip becomes FailedContainer(); the others are unaffected.
func Snapshot(stores map[string]any, unwrap Unwrapper) map[string]any {
	out := make(map[string]any, len(stores))
	for name, store := range stores {
		plain, err := RoundTrip(ToPlain(store, unwrap))
		if err != nil {
			out[name] = FailedContainer()
			continue
		}
		out[name] = plain
	}
	return out
}

// Clone returns a bounded, transport-safe deep copy of v.
func Clone(v any, unwrap Unwrapper) (any, error) {
	return RoundTrip(ToPlain(v, unwrap))
}

// CloneArgs clones call arguments. Any failure degrades the whole list to a
// single placeholder.
func CloneArgs(args []any, unwrap Unwrapper) []any {
	if len(args) == 0 {
		return []any{}
	}
	out := make([]any, 0, len(args))
	for _, a := range args {
		c, err := Clone(a, unwrap)
		if err != nil {
			return []any{PlaceholderSerialization}
		}
		out = append(out, c)
	}
	return out
}

// Stringify is the last-resort coercion for values that cannot be cloned.
func Stringify(v any) (s string) {
	defer func() {
		if r := recover(); r != nil {
			s = PlaceholderError
		}
	}()
	if v == nil {
		return "undefined"
	}
	return fmt.Sprint(v)
}
