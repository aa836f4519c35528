package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/gomlx/graphpass/tensor"
)

// Attributes holds the operator attributes of a node, in insertion order.
//
// Supported value types are int, []int, bool, string and tensor.ElementType. Getters panic (with
// exceptions.Panicf) if an attribute is present with a different type: this is a bug in the code that
// built the graph, and it is converted to an error at the API boundaries.
type Attributes struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewAttributes creates an empty attribute set.
func NewAttributes() Attributes {
	return Attributes{m: orderedmap.New[string, any]()}
}

// Attrs creates attributes from alternating name/value pairs, e.g. Attrs("axis", 1, "keep_dims", true).
func Attrs(nameValues ...any) Attributes {
	if len(nameValues)%2 != 0 {
		exceptions.Panicf("graph.Attrs requires name/value pairs, got %d arguments", len(nameValues))
	}
	attrs := NewAttributes()
	for i := 0; i < len(nameValues); i += 2 {
		name, ok := nameValues[i].(string)
		if !ok {
			exceptions.Panicf("graph.Attrs: attribute name #%d must be a string, got %T", i/2, nameValues[i])
		}
		attrs.Set(name, nameValues[i+1])
	}
	return attrs
}

func (a *Attributes) lazyInit() {
	if a.m == nil {
		a.m = orderedmap.New[string, any]()
	}
}

// Set sets an attribute value.
func (a *Attributes) Set(name string, value any) {
	switch v := value.(type) {
	case int, bool, string, tensor.ElementType:
	case []int:
		value = append([]int(nil), v...)
	case int64:
		value = int(v)
	case []int64:
		ints := make([]int, len(v))
		for i, x := range v {
			ints[i] = int(x)
		}
		value = ints
	default:
		exceptions.Panicf("attribute %q has unsupported type %T", name, value)
	}
	a.lazyInit()
	a.m.Set(name, value)
}

// Has returns whether the attribute is set.
func (a Attributes) Has(name string) bool {
	if a.m == nil {
		return false
	}
	_, found := a.m.Get(name)
	return found
}

// Len returns the number of attributes set.
func (a Attributes) Len() int {
	if a.m == nil {
		return 0
	}
	return a.m.Len()
}

func getAttr[T any](a Attributes, name string, defaultValue T) T {
	if a.m == nil {
		return defaultValue
	}
	value, found := a.m.Get(name)
	if !found {
		return defaultValue
	}
	typed, ok := value.(T)
	if !ok {
		exceptions.Panicf("attribute %q is a %T, but %T was requested", name, value, defaultValue)
	}
	return typed
}

// Int returns an int attribute, or defaultValue if not set.
func (a Attributes) Int(name string, defaultValue int) int { return getAttr(a, name, defaultValue) }

// Bool returns a bool attribute, or defaultValue if not set.
func (a Attributes) Bool(name string, defaultValue bool) bool { return getAttr(a, name, defaultValue) }

// String returns a string attribute, or defaultValue if not set.
func (a Attributes) String(name string, defaultValue string) string {
	return getAttr(a, name, defaultValue)
}

// ElementType returns an element type attribute, or defaultValue if not set.
func (a Attributes) ElementType(name string, defaultValue tensor.ElementType) tensor.ElementType {
	return getAttr(a, name, defaultValue)
}

// Ints returns a copy of an []int attribute, or nil if not set.
func (a Attributes) Ints(name string) []int {
	ints := getAttr[[]int](a, name, nil)
	if ints == nil {
		return nil
	}
	return append([]int(nil), ints...)
}

// Clone returns a copy that can be modified independently.
func (a Attributes) Clone() Attributes {
	clone := NewAttributes()
	if a.m == nil {
		return clone
	}
	for pair := a.m.Oldest(); pair != nil; pair = pair.Next() {
		clone.Set(pair.Key, pair.Value)
	}
	return clone
}

// Format returns the attributes as "name=value" pairs in insertion order.
func (a Attributes) Format() string {
	if a.m == nil || a.m.Len() == 0 {
		return ""
	}
	parts := make([]string, 0, a.m.Len())
	for pair := a.m.Oldest(); pair != nil; pair = pair.Next() {
		parts = append(parts, fmt.Sprintf("%s=%v", pair.Key, pair.Value))
	}
	return strings.Join(parts, ", ")
}
