// Package serialize turns live, possibly cyclic or hostile values into
// bounded plain data (maps, slices, strings, numbers, bools, nil) that is
// safe to hand to the transport.
package serialize

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

const (
	MaxDepth    = 5
	MaxArrayLen = 50
	MaxKeys     = 100

	PlaceholderError         = "[Error]"
	PlaceholderMaxDepth      = "[Max Depth]"
	PlaceholderCircular      = "[Circular]"
	PlaceholderSerialization = "[serialization error]"
)

// Plainer is implemented by values that know their own plain form, the way
// a reactive runtime's toJS does for its observables.
type Plainer interface {
	ToPlain() (any, error)
}

// Unwrapper is the host runtime's canonical unwrap primitive. It is tried
// before the manual walker.
type Unwrapper func(v any) (any, error)

type omitted struct{}

// Serialize walks v and returns a plain equivalent. Functions and channels
// are omitted, depth is capped at MaxDepth, slices at MaxArrayLen elements
// and maps/structs at MaxKeys keys. Keys starting with "$" or "_" are
// skipped. A read that panics or fails is replaced with PlaceholderError.
// Serialize never panics.
func Serialize(v any, depth int) any {
	w := walker{seen: make(map[uintptr]struct{})}
	out := w.walk(reflect.ValueOf(v), depth, true)
	if _, ok := out.(omitted); ok {
		return nil
	}
	return out
}

type walker struct {
	seen map[uintptr]struct{}
}

func (w *walker) walk(v reflect.Value, depth int, hooks bool) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = PlaceholderError
		}
	}()

	if depth > MaxDepth {
		return PlaceholderMaxDepth
	}
	if !v.IsValid() {
		return nil
	}
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	if hooks && v.CanInterface() && !isNilPointer(v) {
		switch x := v.Interface().(type) {
		case Plainer:
			p, err := x.ToPlain()
			if err != nil {
				return PlaceholderError
			}
			return w.walk(reflect.ValueOf(p), depth, false)
		case json.Marshaler:
			b, err := x.MarshalJSON()
			if err != nil {
				return PlaceholderError
			}
			var decoded any
			if err := json.Unmarshal(b, &decoded); err != nil {
				return PlaceholderError
			}
			return w.walk(reflect.ValueOf(decoded), depth, false)
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())
	case reflect.String:
		return v.String()
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return omitted{}
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := w.seen[ptr]; ok {
			return PlaceholderCircular
		}
		w.seen[ptr] = struct{}{}
		defer delete(w.seen, ptr)
		return w.walk(v.Elem(), depth, true)
	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Len() > 0 {
			ptr := v.Pointer()
			if _, ok := w.seen[ptr]; ok {
				return PlaceholderCircular
			}
			w.seen[ptr] = struct{}{}
			defer delete(w.seen, ptr)
		}
		return w.walkList(v, depth)
	case reflect.Array:
		return w.walkList(v, depth)
	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if _, ok := w.seen[ptr]; ok {
			return PlaceholderCircular
		}
		w.seen[ptr] = struct{}{}
		defer delete(w.seen, ptr)
		return w.walkMap(v, depth)
	case reflect.Struct:
		return w.walkStruct(v, depth)
	}
	return PlaceholderError
}

func (w *walker) walkList(v reflect.Value, depth int) []any {
	n := v.Len()
	if n > MaxArrayLen {
		n = MaxArrayLen
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		item := w.walk(v.Index(i), depth+1, true)
		if _, ok := item.(omitted); ok {
			// arrays keep their positions; JSON renders a dropped function as null
			item = nil
		}
		out = append(out, item)
	}
	return out
}

func (w *walker) walkMap(v reflect.Value, depth int) map[string]any {
	type entry struct {
		key string
		val reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		entries = append(entries, entry{key: keyString(iter.Key()), val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	if len(entries) > MaxKeys {
		entries = entries[:MaxKeys]
	}

	out := make(map[string]any, len(entries))
	for _, e := range entries {
		if skipKey(e.key) {
			continue
		}
		val := w.walk(e.val, depth+1, true)
		if _, ok := val.(omitted); ok {
			continue
		}
		out[e.key] = val
	}
	return out
}

func (w *walker) walkStruct(v reflect.Value, depth int) map[string]any {
	t := v.Type()
	out := make(map[string]any)
	count := 0
	for i := 0; i < t.NumField() && count < MaxKeys; i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		count++
		if skipKey(name) {
			continue
		}
		val := w.field(v, i, depth)
		if _, ok := val.(omitted); ok {
			continue
		}
		out[name] = val
	}
	return out
}

func (w *walker) field(v reflect.Value, i, depth int) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = PlaceholderError
		}
	}()
	return w.walk(v.Field(i), depth+1, true)
}

func keyString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.Kind() == reflect.Interface && !k.IsNil() && k.Elem().Kind() == reflect.String {
		return k.Elem().String()
	}
	return fmt.Sprint(k.Interface())
}

func skipKey(k string) bool {
	return strings.HasPrefix(k, "$") || strings.HasPrefix(k, "_")
}

func isNilPointer(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}
