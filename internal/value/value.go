// Package value is the argument and result payload model: a closed variant over
// null, bool, number, string, array and object.
package value

import (
	"math"
	"sort"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is an immutable payload value. The zero Value is null.
type Value struct {
	kind  Kind
	b     bool
	num   float64
	i     int64
	exact bool // num came from an integral literal and i holds it exactly
	s     string
	arr   []Value
	obj   map[string]Value
}

// Object is a keyed collection of values, used for argument payloads.
type Object map[string]Value

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func String(s string) Value { return Value{kind: KindString, s: s} }

// Int builds an integral number.
func Int(i int64) Value { return Value{kind: KindNumber, num: float64(i), i: i, exact: true} }

// Float builds a number. Whole floats within int64 range are also integral.
// MaxInt64 is not representable as a float64 and rounds up to 2^63, so the
// upper bound is exclusive.
func Float(f float64) Value {
	v := Value{kind: KindNumber, num: f}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < 0x1p63 {
		v.i = int64(f)
		v.exact = true
	}
	return v
}

// Array copies items into a new array value.
func Array(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, arr: cp}
}

// FromObject copies o into a new object value.
func FromObject(o Object) Value {
	cp := make(map[string]Value, len(o))
	for k, v := range o {
		cp[k] = v
	}
	return Value{kind: KindObject, obj: cp}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Int returns the integral value of a whole number.
func (v Value) Int() (int64, bool) {
	if v.kind != KindNumber || !v.exact {
		return 0, false
	}
	return v.i, true
}

// IsInteger reports whether v is a number with no fractional part.
func (v Value) IsInteger() bool { return v.kind == KindNumber && v.exact }

// Len returns the element count of an array or object.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	}
	return 0
}

// Items returns a copy of the array elements.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	cp := make([]Value, len(v.arr))
	copy(cp, v.arr)
	return cp
}

// Index returns the i-th array element.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Null()
	}
	return v.arr[i]
}

// Object returns a copy of the object members.
func (v Value) Object() (Object, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	cp := make(Object, len(v.obj))
	for k, m := range v.obj {
		cp[k] = m
	}
	return cp, true
}

// Get returns an object member.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	m, ok := v.obj[key]
	return m, ok
}

// Keys returns object member names in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports deep equality. Numbers compare by numeric value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		if v.exact && o.exact {
			return v.i == o.i
		}
		return v.num == o.num
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, m := range v.obj {
			om, ok := o.obj[k]
			if !ok || !m.Equal(om) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v as compact JSON.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}

func formatNumber(v Value) string {
	if v.exact {
		return strconv.FormatInt(v.i, 10)
	}
	return strconv.FormatFloat(v.num, 'g', -1, 64)
}

// Value wraps the object as a Value.
func (o Object) Value() Value { return FromObject(o) }
