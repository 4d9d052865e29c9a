package pathedit

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned when a path segment is missing or passes
	// through a nil value. No intermediate structure is created.
	ErrNotFound = errors.New("path not found")
	// ErrTypeMismatch is returned when the addressed slot cannot hold the
	// coerced value.
	ErrTypeMismatch = errors.New("value does not fit slot")
	// ErrEmptyPath is returned for a path with no keys.
	ErrEmptyPath = errors.New("empty path")
)

// Setter is implemented by live values that apply edits themselves, such as
// objects that live in a remote page.
type Setter interface {
	SetPath(keys []Key, raw string) error
}

// Coerce converts an editor string to the primitive type of the value it
// replaces. Numbers parse as integers or floats, and invalid numeric input is
// kept as the raw string. Booleans are true only for "true". Anything else is
// returned unchanged.
func Coerce(old any, raw string) any {
	if old == nil {
		return raw
	}
	v := reflect.ValueOf(old)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && !v.OverflowInt(n) {
			out := reflect.New(v.Type()).Elem()
			out.SetInt(n)
			return out.Interface()
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return f
		}
		return raw
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64); err == nil && !v.OverflowUint(n) {
			out := reflect.New(v.Type()).Elem()
			out.SetUint(n)
			return out.Interface()
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return f
		}
		return raw
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			out := reflect.New(v.Type()).Elem()
			out.SetFloat(f)
			return out.Interface()
		}
		return raw
	case reflect.Bool:
		return raw == "true"
	}
	return raw
}

// Get reads the value addressed by keys.
func Get(root any, keys []Key) (any, error) {
	v := reflect.ValueOf(root)
	for i, k := range keys {
		var err error
		v, err = deref(v)
		if err != nil {
			return nil, fmt.Errorf("at %s: %w", Format(keys[:i+1]), err)
		}
		v, err = child(v, k)
		if err != nil {
			return nil, fmt.Errorf("at %s: %w", Format(keys[:i+1]), err)
		}
	}
	if !v.IsValid() {
		return nil, nil
	}
	return v.Interface(), nil
}

// Apply writes the coerced raw value at the slot addressed by keys. Values
// implementing Setter apply the edit themselves.
func Apply(root any, keys []Key, raw string) error {
	if len(keys) == 0 {
		return ErrEmptyPath
	}
	if s, ok := root.(Setter); ok {
		return s.SetPath(keys, raw)
	}
	if root == nil {
		return fmt.Errorf("root: %w", ErrNotFound)
	}
	return assign(reflect.ValueOf(root), keys, keys, raw)
}

func assign(v reflect.Value, keys, full []Key, raw string) error {
	where := func() string { return Format(full[:len(full)-len(keys)+1]) }

	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return fmt.Errorf("at %s: %w", where(), ErrNotFound)
		}
		e := v.Elem()
		if v.Kind() == reflect.Interface && (e.Kind() == reflect.Struct || e.Kind() == reflect.Array) {
			// values boxed in an interface are not addressable; edit a copy
			if !v.CanSet() {
				return fmt.Errorf("at %s: boxed %s: %w", where(), e.Type(), ErrTypeMismatch)
			}
			cp := reflect.New(e.Type()).Elem()
			cp.Set(e)
			if err := assign(cp, keys, full, raw); err != nil {
				return err
			}
			v.Set(cp)
			return nil
		}
		v = e
	}

	k := keys[0]
	last := len(keys) == 1

	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return fmt.Errorf("at %s: %w", where(), ErrNotFound)
		}
		mk, err := mapKey(v.Type().Key(), k)
		if err != nil {
			return fmt.Errorf("at %s: %w", where(), err)
		}
		cur := v.MapIndex(mk)
		if last {
			slot := reflect.New(v.Type().Elem()).Elem()
			if cur.IsValid() {
				slot.Set(cur)
			}
			if err := setSlot(slot, raw); err != nil {
				return fmt.Errorf("at %s: %w", where(), err)
			}
			v.SetMapIndex(mk, slot)
			return nil
		}
		if !cur.IsValid() {
			return fmt.Errorf("at %s: %w", where(), ErrNotFound)
		}
		cp := reflect.New(cur.Type()).Elem()
		cp.Set(cur)
		if err := assign(cp, keys[1:], full, raw); err != nil {
			return err
		}
		v.SetMapIndex(mk, cp)
		return nil

	case reflect.Slice, reflect.Array:
		i, ok := index(k)
		if !ok || i < 0 || i >= v.Len() {
			return fmt.Errorf("at %s: %w", where(), ErrNotFound)
		}
		elem := v.Index(i)
		if last {
			if err := setSlot(elem, raw); err != nil {
				return fmt.Errorf("at %s: %w", where(), err)
			}
			return nil
		}
		return assign(elem, keys[1:], full, raw)

	case reflect.Struct:
		f, ok := field(v, k)
		if !ok {
			return fmt.Errorf("at %s: %w", where(), ErrNotFound)
		}
		if last {
			if err := setSlot(f, raw); err != nil {
				return fmt.Errorf("at %s: %w", where(), err)
			}
			return nil
		}
		return assign(f, keys[1:], full, raw)
	}
	return fmt.Errorf("at %s: %s has no children: %w", where(), v.Kind(), ErrNotFound)
}

// setSlot stores raw, coerced to the slot's current value, into slot.
func setSlot(slot reflect.Value, raw string) error {
	if !slot.CanSet() {
		return fmt.Errorf("slot not settable: %w", ErrTypeMismatch)
	}
	if slot.Kind() == reflect.Interface {
		var old any
		if !slot.IsNil() {
			old = slot.Elem().Interface()
		}
		nv := reflect.ValueOf(Coerce(old, raw))
		if !nv.Type().AssignableTo(slot.Type()) {
			return fmt.Errorf("%s into %s: %w", nv.Type(), slot.Type(), ErrTypeMismatch)
		}
		slot.Set(nv)
		return nil
	}

	s := strings.TrimSpace(raw)
	switch slot.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || slot.OverflowInt(n) {
			return fmt.Errorf("%q into %s: %w", raw, slot.Type(), ErrTypeMismatch)
		}
		slot.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil || slot.OverflowUint(n) {
			return fmt.Errorf("%q into %s: %w", raw, slot.Type(), ErrTypeMismatch)
		}
		slot.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%q into %s: %w", raw, slot.Type(), ErrTypeMismatch)
		}
		slot.SetFloat(f)
	case reflect.Bool:
		slot.SetBool(raw == "true")
	case reflect.String:
		slot.SetString(raw)
	default:
		rv := reflect.ValueOf(raw)
		if !rv.Type().ConvertibleTo(slot.Type()) {
			return fmt.Errorf("string into %s: %w", slot.Type(), ErrTypeMismatch)
		}
		slot.Set(rv.Convert(slot.Type()))
	}
	return nil
}

func deref(v reflect.Value) (reflect.Value, error) {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return v, ErrNotFound
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return v, ErrNotFound
	}
	return v, nil
}

func child(v reflect.Value, k Key) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Map:
		mk, err := mapKey(v.Type().Key(), k)
		if err != nil {
			return reflect.Value{}, err
		}
		c := v.MapIndex(mk)
		if !c.IsValid() {
			return reflect.Value{}, ErrNotFound
		}
		return c, nil
	case reflect.Slice, reflect.Array:
		i, ok := index(k)
		if !ok || i < 0 || i >= v.Len() {
			return reflect.Value{}, ErrNotFound
		}
		return v.Index(i), nil
	case reflect.Struct:
		if f, ok := field(v, k); ok {
			return f, nil
		}
	}
	return reflect.Value{}, ErrNotFound
}

func index(k Key) (int, bool) {
	if k.IsIndex {
		return k.Index, true
	}
	n, err := strconv.Atoi(k.Name)
	return n, err == nil
}

func mapKey(t reflect.Type, k Key) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(k.String()).Convert(t), nil
	case reflect.Interface:
		return reflect.ValueOf(k.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, ok := index(k)
		if !ok {
			return reflect.Value{}, fmt.Errorf("key %q for %s map: %w", k.String(), t, ErrNotFound)
		}
		return reflect.ValueOf(i).Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("unsupported map key %s: %w", t, ErrNotFound)
}

// field finds a struct field by json tag name, then by field name.
func field(v reflect.Value, k Key) (reflect.Value, bool) {
	if k.IsIndex {
		return reflect.Value{}, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if tag, ok := f.Tag.Lookup("json"); ok {
			name, _, _ := strings.Cut(tag, ",")
			if name == k.Name && name != "-" {
				return v.Field(i), true
			}
		}
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.IsExported() && f.Name == k.Name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}
