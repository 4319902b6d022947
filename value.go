package pdp

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a tagged variant used for condition operands and attribute values.
// Operators inspect the kind explicitly instead of guessing conversions.
type Value struct {
	kind Kind
	s    string
	n    float64
	b    bool
	list []Value
}

func StringValue(s string) Value  { return Value{kind: KindString, s: s} }
func NumberValue(n float64) Value { return Value{kind: KindNumber, n: n} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }
func ListValue(vs ...Value) Value { return Value{kind: KindList, list: append([]Value(nil), vs...)} }

func (v Value) Kind() Kind                { return v.kind }
func (v Value) IsNull() bool              { return v.kind == KindNull }
func (v Value) AsString() (string, bool)  { return v.s, v.kind == KindString }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsList() ([]Value, bool)   { return v.list, v.kind == KindList }

// Strings builds a list value from strings.
func Strings(ss ...string) Value {
	out := make([]Value, len(ss))
	for i, s := range ss {
		out[i] = StringValue(s)
	}
	return Value{kind: KindList, list: out}
}

// ValueOf converts a Go value into a Value. The boolean is false for types
// that have no variant (maps, structs, channels...).
func ValueOf(x any) (Value, bool) {
	switch t := x.(type) {
	case nil:
		return Value{}, true
	case Value:
		return t, true
	case string:
		return StringValue(t), true
	case bool:
		return BoolValue(t), true
	case int:
		return NumberValue(float64(t)), true
	case int8:
		return NumberValue(float64(t)), true
	case int16:
		return NumberValue(float64(t)), true
	case int32:
		return NumberValue(float64(t)), true
	case int64:
		return NumberValue(float64(t)), true
	case uint:
		return NumberValue(float64(t)), true
	case uint8:
		return NumberValue(float64(t)), true
	case uint16:
		return NumberValue(float64(t)), true
	case uint32:
		return NumberValue(float64(t)), true
	case uint64:
		return NumberValue(float64(t)), true
	case float32:
		return NumberValue(float64(t)), true
	case float64:
		return NumberValue(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return StringValue(t.String()), true
		}
		return NumberValue(f), true
	case time.Time:
		return StringValue(t.Format(time.RFC3339Nano)), true
	case []string:
		return Strings(t...), true
	case []any:
		out := make([]Value, 0, len(t))
		for _, e := range t {
			ev, ok := ValueOf(e)
			if !ok {
				return Value{}, false
			}
			out = append(out, ev)
		}
		return Value{kind: KindList, list: out}, true
	}
	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ev, ok := ValueOf(rv.Index(i).Interface())
			if !ok {
				return Value{}, false
			}
			out = append(out, ev)
		}
		return Value{kind: KindList, list: out}, true
	}
	return Value{}, false
}

// MustValue is ValueOf for literals in builders and tests.
func MustValue(x any) Value {
	v, ok := ValueOf(x)
	if !ok {
		panic(fmt.Sprintf("pdp: unsupported value type %T", x))
	}
	return v
}

// Equal is strict: kinds must match.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.s == o.s
	case KindNumber:
		return v.n == o.n
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Contains reports list membership using strict equality.
func (v Value) Contains(e Value) bool {
	for _, x := range v.list {
		if x.Equal(e) {
			return true
		}
	}
	return false
}

// Numeric returns the number held by v. Strings that parse as a float are
// coerced; every other kind fails.
func (v Value) Numeric() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.n, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// String renders the value; lists are comma separated.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// Interface returns the natural Go representation.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out, ok := ValueOf(raw)
	if !ok {
		return fmt.Errorf("unsupported value %s", string(data))
	}
	*v = out
	return nil
}

func (v Value) MarshalYAML() (any, error) {
	return v.Interface(), nil
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	out, ok := ValueOf(raw)
	if !ok {
		return fmt.Errorf("line %d: unsupported value", node.Line)
	}
	*v = out
	return nil
}
