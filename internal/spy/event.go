// Package spy converts the reactive runtime's untyped spy callback stream
// into typed events before anything else looks at them.
package spy

import (
	"reflect"
	"strings"
)

// Kind is the typed variant of a spy event.
type Kind uint8

const (
	// KindOther is any event the correlator does not interpret (reactions,
	// computeds, errors). It still carries markers so depth stays balanced.
	KindOther Kind = iota
	// KindAction marks the start of an action.
	KindAction
	// KindUpdate is an observable value or property update.
	KindUpdate
	// KindAdd is a property/element/entry addition.
	KindAdd
	// KindDelete is a property/entry removal.
	KindDelete
	// KindReportEnd closes the innermost open report window.
	KindReportEnd
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindUpdate:
		return "update"
	case KindAdd:
		return "add"
	case KindDelete:
		return "delete"
	case KindReportEnd:
		return "report-end"
	default:
		return "other"
	}
}

// IsMutation reports whether the kind is update, add or delete.
func (k Kind) IsMutation() bool {
	return k == KindUpdate || k == KindAdd || k == KindDelete
}

// ParseKind maps a wire type string to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "action":
		return KindAction
	case "update":
		return KindUpdate
	case "add":
		return KindAdd
	case "delete", "remove":
		return KindDelete
	case "report-end":
		return KindReportEnd
	default:
		return KindOther
	}
}

// Event is one spy callback.
type Event struct {
	Kind        Kind
	ReportStart bool
	ReportEnd   bool

	// Name is the action name for actions and the property/key for mutations.
	Name string
	// DebugObjectName is the runtime's debug label of the mutated container,
	// e.g. "CartStore@3".
	DebugObjectName string
	// Object is the live object the event refers to.
	Object any
	// ObjectType is the runtime-reported type identity of Object. When empty
	// it is derived from Object's Go type.
	ObjectType string

	Arguments      []any
	ObservableKind string
	OldValue       any
	NewValue       any

	// Stack is the raw call-stack text captured by the page at event time.
	// Empty for in-process runtimes.
	Stack string
}

// TypeName returns the runtime type identity of the event object.
func (e Event) TypeName() string {
	if e.ObjectType != "" {
		return e.ObjectType
	}
	return GoTypeName(e.Object)
}

// GoTypeName returns the bare type name of v, dereferencing pointers.
// Unnamed maps and slices report "Object" and "Array" like their JS
// counterparts so that they are treated as generic containers.
func GoTypeName(v any) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	switch t.Kind() {
	case reflect.Map, reflect.Struct:
		return "Object"
	case reflect.Slice, reflect.Array:
		return "Array"
	}
	return strings.TrimPrefix(t.String(), "*")
}
