// Package pathedit parses dotted/bracketed property paths and reads or
// writes the addressed slot of a live value graph.
package pathedit

import (
	"strconv"
	"strings"
)

// Key is one path segment: either a property name or an integer index.
type Key struct {
	Name    string
	Index   int
	IsIndex bool
}

// NameKey returns a property key.
func NameKey(name string) Key { return Key{Name: name} }

// IndexKey returns an integer index key.
func IndexKey(i int) Key { return Key{Index: i, IsIndex: true} }

func (k Key) String() string {
	if k.IsIndex {
		return strconv.Itoa(k.Index)
	}
	return k.Name
}

// Value returns the key as a JSON-friendly value (string or int).
func (k Key) Value() any {
	if k.IsIndex {
		return k.Index
	}
	return k.Name
}

// Parse splits a path such as "items[0].name" into its keys. Bracket content
// that is not an integer becomes a name key with surrounding quotes trimmed.
// Empty segments are dropped.
func Parse(path string) []Key {
	var keys []Key
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			keys = append(keys, NameKey(cur.String()))
			cur.Reset()
		}
	}

	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '[':
			flush()
			end := strings.IndexByte(path[i+1:], ']')
			var inner string
			if end < 0 {
				inner = path[i+1:]
				i = len(path)
			} else {
				inner = path[i+1 : i+1+end]
				i += end + 1
			}
			if k, ok := bracketKey(inner); ok {
				keys = append(keys, k)
			}
		case '.':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return keys
}

func bracketKey(inner string) (Key, bool) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return Key{}, false
	}
	if n, err := strconv.Atoi(inner); err == nil {
		return IndexKey(n), true
	}
	name := strings.Trim(inner, `"'`)
	if name == "" {
		return Key{}, false
	}
	return NameKey(name), true
}

// StripStore drops a leading key equal to the store name. Paths are authored
// relative to the displayed tree whose root label is the store itself.
func StripStore(keys []Key, storeName string) []Key {
	if len(keys) > 0 && !keys[0].IsIndex && keys[0].Name == storeName {
		return keys[1:]
	}
	return keys
}

// Format renders keys back into path syntax. Names that would not survive
// Parse in dotted form are written in quoted brackets.
func Format(keys []Key) string {
	var b strings.Builder
	for i, k := range keys {
		switch {
		case k.IsIndex:
			b.WriteString("[" + strconv.Itoa(k.Index) + "]")
		case strings.ContainsAny(k.Name, ".[]\"'") || k.Name == "":
			b.WriteString(`["` + strings.ReplaceAll(k.Name, `"`, "") + `"]`)
		default:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(k.Name)
		}
	}
	return b.String()
}

// Values converts keys to a slice of strings and ints, the shape a page-side
// setter receives.
func Values(keys []Key) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k.Value()
	}
	return out
}
