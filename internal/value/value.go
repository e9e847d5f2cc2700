// Package value implements the dynamic value graph MikroDB stores inside
// table records: a small tagged sum type that the binary codec and the
// filter engine both walk.
package value

import (
	"fmt"
	"sort"
)

// Kind tags the concrete type held by a Value.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindI32
	KindF64
	KindString
	KindArray
	KindObject
	KindDate
)

// Member is a single object field, kept in insertion order.
type Member struct {
	Key   string
	Value Value
}

// Value is the tagged union described in spec §9: Null | Bool | I32 | F64 |
// Str | Arr[Value] | Obj[(Str,Value)] | Date(i64). Exactly one of the typed
// fields is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Bool  bool
	I32   int32
	F64   float64
	Str   string
	Arr   []Value
	Obj   []Member
	Date  int64 // ms since epoch
}

// Null is the canonical null value.
var Null = Value{Kind: KindNull}

func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func I32(i int32) Value { return Value{Kind: KindI32, I32: i} }
func F64(f float64) Value { return Value{Kind: KindF64, F64: f} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Array(vs []Value) Value { return Value{Kind: KindArray, Arr: vs} }
func Object(m []Member) Value { return Value{Kind: KindObject, Obj: m} }
func Date(ms int64) Value { return Value{Kind: KindDate, Date: ms} }

// Get returns the field named key from an object value, and whether it was
// present. Non-object values always return (Null, false).
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindObject {
		return Null, false
	}
	for _, m := range v.Obj {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Null, false
}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Native converts a Value back into a plain Go value (map[string]any,
// []any, string, bool, float64, int32, int64 for dates, or nil), the shape
// callers and the filter engine find convenient to work with.
func (v Value) Native() interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindI32:
		return v.I32
	case KindF64:
		return v.F64
	case KindString:
		return v.Str
	case KindDate:
		return v.Date
	case KindArray:
		out := make([]interface{}, len(v.Arr))
		for i, e := range v.Arr {
			out[i] = e.Native()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.Obj))
		for _, m := range v.Obj {
			out[m.Key] = m.Value.Native()
		}
		return out
	default:
		return nil
	}
}

// FromNative coerces an arbitrary Go value (as produced by encoding/json
// unmarshaling, or handed in directly by a caller) into a Value following
// the grammar in spec §3: integers outside the signed 32-bit range become
// F64, and anything unrecognized is coerced to its string representation.
func FromNative(in interface{}) Value {
	switch x := in.(type) {
	case nil:
		return Null
	case Value:
		return x
	case bool:
		return Bool(x)
	case int:
		return fromInt64(int64(x))
	case int32:
		return I32(x)
	case int64:
		return fromInt64(x)
	case float32:
		return F64(float64(x))
	case float64:
		if x == float64(int32(x)) {
			return I32(int32(x))
		}
		return F64(x)
	case string:
		return String(x)
	case []byte:
		return String(string(x))
	case []interface{}:
		arr := make([]Value, len(x))
		for i, e := range x {
			arr[i] = FromNative(e)
		}
		return Array(arr)
	case []Value:
		return Array(x)
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make([]Member, 0, len(x))
		for _, k := range keys {
			obj = append(obj, Member{Key: k, Value: FromNative(x[k])})
		}
		return Object(obj)
	case []Member:
		return Object(x)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

func fromInt64(x int64) Value {
	if x >= -(1<<31) && x <= (1<<31-1) {
		return I32(int32(x))
	}
	return F64(float64(x))
}

// Equal reports strict equality between two values, used by the filter
// engine's eq/neq/in operators.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		// Numeric kinds compare across I32/F64 so that filter values typed
		// from JSON (always float64) still match i32-encoded records.
		if isNumeric(a.Kind) && isNumeric(b.Kind) {
			return numeric(a) == numeric(b)
		}
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindI32:
		return a.I32 == b.I32
	case KindF64:
		return a.F64 == b.F64
	case KindString:
		return a.Str == b.Str
	case KindDate:
		return a.Date == b.Date
	case KindArray:
		if len(a.Arr) != len(b.Arr) {
			return false
		}
		for i := range a.Arr {
			if !Equal(a.Arr[i], b.Arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.Obj) != len(b.Obj) {
			return false
		}
		for _, m := range a.Obj {
			bv, ok := b.Get(m.Key)
			if !ok || !Equal(m.Value, bv) {
				return false
			}
		}
		return true
	}
	return false
}

func isNumeric(k Kind) bool { return k == KindI32 || k == KindF64 || k == KindDate }

func numeric(v Value) float64 {
	switch v.Kind {
	case KindI32:
		return float64(v.I32)
	case KindF64:
		return v.F64
	case KindDate:
		return float64(v.Date)
	default:
		return 0
	}
}

// Compare gives a total order on numeric values for gt/gte/lt/lte. ok is
// false when either side is not numeric, which the filter engine treats as
// "incomparable" and resolves to false.
func Compare(a, b Value) (cmp int, ok bool) {
	if !isNumeric(a.Kind) || !isNumeric(b.Kind) {
		return 0, false
	}
	na, nb := numeric(a), numeric(b)
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	default:
		return 0, true
	}
}
