package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags the variant a Value holds. Operators declare the kind they
// expect and fail fast with a conflict when handed anything else.
type Kind string

const (
	KindNull   Kind = "null"
	KindBool   Kind = "bool"
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindList   Kind = "list"
	KindMap    Kind = "map"
)

// Value is the tagged-variant payload flowing through operator pipelines.
// Exactly one of the variant fields is meaningful, selected by Kind.
// Attrs carries free-form annotations that travel with the value but do not
// participate in equality or hashing.
type Value struct {
	Kind Kind

	Bool bool
	Num  float64
	Str  string
	List []Value
	Map  map[string]Value

	// Attrs holds out-of-band annotations (source tool, extraction path).
	Attrs map[string]interface{}
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// NumberValue wraps a number.
func NumberValue(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// ListValue wraps a list.
func ListValue(elems ...Value) Value { return Value{Kind: KindList, List: elems} }

// MapValue wraps a map.
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// FromInterface converts a decoded-JSON interface tree into a Value.
// Unknown Go types are rejected rather than coerced.
func FromInterface(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case int:
		return NumberValue(float64(t)), nil
	case int64:
		return NumberValue(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("types: bad number %q: %w", string(t), err)
		}
		return NumberValue(f), nil
	case string:
		return StringValue(t), nil
	case []interface{}:
		list := make([]Value, 0, len(t))
		for _, elem := range t {
			ev, err := FromInterface(elem)
			if err != nil {
				return Value{}, err
			}
			list = append(list, ev)
		}
		return Value{Kind: KindList, List: list}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, elem := range t {
			ev, err := FromInterface(elem)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Value{Kind: KindMap, Map: m}, nil
	default:
		return Value{}, fmt.Errorf("types: unsupported value type %T", v)
	}
}

// MustValue converts v and panics on unsupported types.
// Use for literals in tests and static configuration.
func MustValue(v interface{}) Value {
	val, err := FromInterface(v)
	if err != nil {
		panic(err)
	}
	return val
}

// ToInterface converts the value back to a plain interface tree suitable for
// encoding/json and canonical hashing. Attrs are intentionally dropped.
func (v Value) ToInterface() interface{} {
	switch v.Kind {
	case KindNull, "":
		return nil
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num
	case KindString:
		return v.Str
	case KindList:
		out := make([]interface{}, 0, len(v.List))
		for _, elem := range v.List {
			out = append(out, elem.ToInterface())
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, elem := range v.Map {
			out[k] = elem.ToInterface()
		}
		return out
	default:
		return nil
	}
}

// IsNull reports whether the value is null (or the zero Value).
func (v Value) IsNull() bool {
	return v.Kind == KindNull || v.Kind == ""
}

// Field returns the named field of a map value.
func (v Value) Field(name string) (Value, bool) {
	if v.Kind != KindMap {
		return Value{}, false
	}
	f, ok := v.Map[name]
	return f, ok
}

// Keys returns the sorted key set of a map value.
func (v Value) Keys() []string {
	if v.Kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.Map))
	for k := range v.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep structural equality. Attrs do not participate.
func (v Value) Equal(other Value) bool {
	if v.IsNull() && other.IsNull() {
		return true
	}
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == other.Bool
	case KindNumber:
		return v.Num == other.Num
	case KindString:
		return v.Str == other.Str
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(other.Map) {
			return false
		}
		for k, elem := range v.Map {
			oe, ok := other.Map[k]
			if !ok || !elem.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// WithAttr returns a copy of the value carrying an extra annotation.
func (v Value) WithAttr(key string, val interface{}) Value {
	attrs := make(map[string]interface{}, len(v.Attrs)+1)
	for k, a := range v.Attrs {
		attrs[k] = a
	}
	attrs[key] = val
	v.Attrs = attrs
	return v
}

// MarshalJSON encodes the value as plain JSON (the variant tree, no tags).
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToInterface())
}

// UnmarshalJSON decodes plain JSON into the tagged variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var plain interface{}
	if err := dec.Decode(&plain); err != nil {
		return err
	}
	parsed, err := FromInterface(plain)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// String renders the value compactly for logs and reasons.
func (v Value) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unencodable %s>", v.Kind)
	}
	return string(data)
}
