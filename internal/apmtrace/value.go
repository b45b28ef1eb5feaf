package apmtrace

import "fmt"

// Value is a tagged variant over the attribute/event-attribute value types
// this library accepts: string, int, float, bool, array, null, with a
// stringify fallback for anything else (maps included).
type Value struct {
	kind valueKind
	str  string
	i    int64
	f    float64
	b    bool
	arr  []Value
}

type valueKind int

const (
	kindNull valueKind = iota
	kindString
	kindInt
	kindFloat
	kindBool
	kindArray
)

func StringValue(s string) Value { return Value{kind: kindString, str: s} }
func IntValue(i int64) Value     { return Value{kind: kindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: kindFloat, f: f} }
func BoolValue(b bool) Value     { return Value{kind: kindBool, b: b} }
func ArrayValue(vs []Value) Value { return Value{kind: kindArray, arr: vs} }
func NullValue() Value           { return Value{kind: kindNull} }

// ValueOf converts an arbitrary Go value into a Value, following the
// OTLP attribute-value wrapping scheme. Maps and unrecognized types are
// stringified with fmt.Sprint.
func ValueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return NullValue()
	case Value:
		return t
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int8:
		return IntValue(int64(t))
	case int16:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case uint:
		return IntValue(int64(t))
	case uint32:
		return IntValue(int64(t))
	case uint64:
		return IntValue(int64(t))
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = ValueOf(e)
		}
		return ArrayValue(out)
	case []string:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = StringValue(e)
		}
		return ArrayValue(out)
	default:
		return StringValue(fmt.Sprint(v))
	}
}

// otlp renders the value in OTLP's `{"stringValue": ...}`-style wrapping
// scheme.
func (v Value) otlp() map[string]any {
	switch v.kind {
	case kindString:
		return map[string]any{"stringValue": v.str}
	case kindInt:
		return map[string]any{"intValue": fmt.Sprint(v.i)}
	case kindFloat:
		return map[string]any{"doubleValue": v.f}
	case kindBool:
		return map[string]any{"boolValue": v.b}
	case kindArray:
		values := make([]map[string]any, len(v.arr))
		for i, e := range v.arr {
			values[i] = e.otlp()
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}
	default: // kindNull
		return map[string]any{"stringValue": ""}
	}
}
