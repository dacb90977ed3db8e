// Package value defines the boundary-neutral payload that crosses between the
// host and a runtime instance.
//
// A [Value] is a tagged union over scalars, byte strings, tensors, containers
// and instance-bound references. Values are plain data: copying one out of an
// instance with [Value.Clone] never aliases memory owned by that instance.
package value

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

var (
	// ErrUnrepresentable is returned for Go values that have no Value form.
	ErrUnrepresentable = errors.New("value not representable")
	// ErrMismatch is returned when a payload does not decode into a Value.
	ErrMismatch = errors.New("deserialization mismatch")
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTensor
	KindList
	KindTuple
	KindDict
	KindRef
)

var kindNames = [...]string{
	KindNil:    "nil",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBytes:  "bytes",
	KindTensor: "tensor",
	KindList:   "list",
	KindTuple:  "tuple",
	KindDict:   "dict",
	KindRef:    "ref",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

func kindFromString(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// Ref points at an object living in one runtime instance's heap.
type Ref struct {
	Instance int
	Slot     uint64
	Lease    uint64
}

// Value is the boundary-neutral payload. The zero Value is nil.
type Value struct {
	kind   Kind
	b      bool
	i      int64
	f      float64
	s      string
	bytes  []byte
	tensor *Tensor
	items  []Value
	dict   map[string]Value
	ref    Ref
}

func Nil() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: append([]byte(nil), b...)} }
func List(items ...Value) Value { return Value{kind: KindList, items: cloneItems(items)} }
func Tuple(items ...Value) Value { return Value{kind: KindTuple, items: cloneItems(items)} }
func RefTo(r Ref) Value { return Value{kind: KindRef, ref: r} }

// TensorValue wraps t. The tensor is copied.
func TensorValue(t *Tensor) Value {
	if t == nil {
		return Nil()
	}
	return Value{kind: KindTensor, tensor: t.Clone()}
}

// Dict builds a dict value from m. Entries are copied.
func Dict(m map[string]Value) Value {
	d := make(map[string]Value, len(m))
	for k, v := range m {
		d[k] = v.Clone()
	}
	return Value{kind: KindDict, dict: d}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }
func (v Value) AsRef() (Ref, bool) { return v.ref, v.kind == KindRef }

// AsFloat returns the value as a float64. Ints are widened.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte(nil), v.bytes...), true
}

func (v Value) AsTensor() (*Tensor, bool) {
	if v.kind != KindTensor {
		return nil, false
	}
	return v.tensor.Clone(), true
}

// Items returns the elements of a list or tuple.
func (v Value) Items() []Value {
	if v.kind != KindList && v.kind != KindTuple {
		return nil
	}
	return cloneItems(v.items)
}

// Len is the number of elements of a container, or zero.
func (v Value) Len() int {
	switch v.kind {
	case KindList, KindTuple:
		return len(v.items)
	case KindDict:
		return len(v.dict)
	}
	return 0
}

// Field looks up key in a dict value.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindDict {
		return Value{}, false
	}
	f, ok := v.dict[key]
	if !ok {
		return Value{}, false
	}
	return f.Clone(), true
}

// Keys returns the sorted keys of a dict value.
func (v Value) Keys() []string {
	if v.kind != KindDict {
		return nil
	}
	keys := make([]string, 0, len(v.dict))
	for k := range v.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBytes:
		v.bytes = append([]byte(nil), v.bytes...)
	case KindTensor:
		v.tensor = v.tensor.Clone()
	case KindList, KindTuple:
		v.items = cloneItems(v.items)
	case KindDict:
		d := make(map[string]Value, len(v.dict))
		for k, f := range v.dict {
			d[k] = f.Clone()
		}
		v.dict = d
	}
	return v
}

// Walk calls fn for v and every nested value, depth first.
func (v Value) Walk(fn func(Value) error) error {
	if err := fn(v); err != nil {
		return err
	}
	switch v.kind {
	case KindList, KindTuple:
		for _, item := range v.items {
			if err := item.Walk(fn); err != nil {
				return err
			}
		}
	case KindDict:
		for _, k := range v.Keys() {
			if err := v.dict[k].Walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Map rebuilds v bottom-up, replacing every nested value with fn's result.
func (v Value) Map(fn func(Value) (Value, error)) (Value, error) {
	switch v.kind {
	case KindList, KindTuple:
		items := make([]Value, len(v.items))
		for i, item := range v.items {
			m, err := item.Map(fn)
			if err != nil {
				return Value{}, err
			}
			items[i] = m
		}
		return fn(Value{kind: v.kind, items: items})
	case KindDict:
		d := make(map[string]Value, len(v.dict))
		for k, f := range v.dict {
			m, err := f.Map(fn)
			if err != nil {
				return Value{}, err
			}
			d[k] = m
		}
		return fn(Value{kind: KindDict, dict: d})
	}
	return fn(v.Clone())
}

// Equal reports deep equality. NaN floats compare equal to NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindBytes:
		return string(v.bytes) == string(o.bytes)
	case KindTensor:
		return v.tensor.Equal(o.tensor)
	case KindList, KindTuple:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(v.dict) != len(o.dict) {
			return false
		}
		for k, f := range v.dict {
			g, ok := o.dict[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	case KindRef:
		return v.ref == o.ref
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprint(v.b)
	case KindInt:
		return fmt.Sprint(v.i)
	case KindFloat:
		return fmt.Sprint(v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.bytes))
	case KindTensor:
		return v.tensor.String()
	case KindList, KindTuple:
		parts := make([]string, len(v.items))
		for i, item := range v.items {
			parts[i] = item.String()
		}
		if v.kind == KindList {
			return "[" + strings.Join(parts, ", ") + "]"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case KindDict:
		keys := v.Keys()
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q: %s", k, v.dict[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindRef:
		return fmt.Sprintf("ref(%d:%d)", v.ref.Instance, v.ref.Slot)
	}
	return v.kind.String()
}

// Interface converts v to plain Go values: nil, bool, int64, float64, string,
// []byte, *Tensor, []any (list and tuple), map[string]any and Ref.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return append([]byte(nil), v.bytes...)
	case KindTensor:
		return v.tensor.Clone()
	case KindList, KindTuple:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.Interface()
		}
		return out
	case KindDict:
		out := make(map[string]any, len(v.dict))
		for k, f := range v.dict {
			out[k] = f.Interface()
		}
		return out
	case KindRef:
		return v.ref
	}
	return nil
}

// From converts a Go value into a Value. Anything without a faithful Value
// form is rejected with ErrUnrepresentable rather than truncated.
func From(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Nil(), nil
	case Value:
		return t.Clone(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case *Tensor:
		if t == nil {
			return Nil(), nil
		}
		return TensorValue(t), nil
	case Tensor:
		return TensorValue(&t), nil
	case Ref:
		return RefTo(t), nil
	case []Value:
		return List(t...), nil
	case map[string]Value:
		return Dict(t), nil
	}
	return fromReflect(reflect.ValueOf(x))
}

func fromReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: %d overflows int64", ErrUnrepresentable, u)
		}
		return Int(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Nil(), nil
		}
		return From(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		items := make([]Value, rv.Len())
		for i := range items {
			item, err := From(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Value{kind: KindList, items: items}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("%w: map key %s", ErrUnrepresentable, rv.Type().Key())
		}
		d := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			f, err := From(iter.Value().Interface())
			if err != nil {
				return Value{}, err
			}
			d[iter.Key().String()] = f
		}
		return Value{kind: KindDict, dict: d}, nil
	case reflect.Invalid:
		return Nil(), nil
	}
	return Value{}, fmt.Errorf("%w: %s", ErrUnrepresentable, rv.Type())
}

// MustFrom is From for values known to be representable.
func MustFrom(x any) Value {
	v, err := From(x)
	if err != nil {
		panic(err)
	}
	return v
}

func cloneItems(items []Value) []Value {
	if items == nil {
		return nil
	}
	out := make([]Value, len(items))
	for i, item := range items {
		out[i] = item.Clone()
	}
	return out
}
