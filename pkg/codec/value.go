// Package codec converts dictionary contents to and from the encoded image
// stored in the shared region. The value model is a closed tagged variant:
// string, integer, float, boolean, byte blob, or a nested mapping of the
// same kinds.
package codec

import "bytes"

// Kind tags a Value with its wire type. The numeric values are part of the
// image format and must not be reordered.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is one dictionary value. The zero Value is invalid and fails to
// encode; build values with the constructors.
type Value struct {
	kind Kind
	str  string
	i    int64
	f    float64
	b    bool
	blob []byte
	m    map[string]Value
}

// String makes a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int makes an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float makes a float Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool makes a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Bytes makes a blob Value. The slice is not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, blob: b} }

// Map makes a nested-mapping Value. The map is not copied.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// StringValue returns the string payload and whether the value is a string.
func (v Value) StringValue() (string, bool) { return v.str, v.kind == KindString }

// IntValue returns the integer payload and whether the value is an integer.
func (v Value) IntValue() (int64, bool) { return v.i, v.kind == KindInt }

// FloatValue returns the float payload and whether the value is a float.
func (v Value) FloatValue() (float64, bool) { return v.f, v.kind == KindFloat }

// BoolValue returns the boolean payload and whether the value is a boolean.
func (v Value) BoolValue() (bool, bool) { return v.b, v.kind == KindBool }

// BytesValue returns the blob payload and whether the value is a blob.
func (v Value) BytesValue() ([]byte, bool) { return v.blob, v.kind == KindBytes }

// MapValue returns the nested mapping and whether the value is a mapping.
func (v Value) MapValue() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Equal reports deep equality of two values, including kind. An integer 1
// and a float 1.0 are not equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindBytes:
		return bytes.Equal(v.blob, o.blob)
	case KindMap:
		return EqualMaps(v.m, o.m)
	default:
		return false
	}
}

// EqualMaps reports deep equality of two mappings.
func EqualMaps(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}
