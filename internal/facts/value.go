package facts

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "invalid"
	}
}

// Value is a typed fact value. The zero Value is invalid.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
	t    time.Time
}

func Int(v int64) Value      { return Value{kind: KindInt, i: v} }
func Float(v float64) Value  { return Value{kind: KindFloat, f: v} }
func String(v string) Value  { return Value{kind: KindString, s: v} }
func Bool(v bool) Value      { return Value{kind: KindBool, b: v} }
func Time(v time.Time) Value { return Value{kind: KindTime, t: v.UTC()} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Number returns the numeric value for int and float kinds.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

func (v Value) Str() (string, bool)          { return v.s, v.kind == KindString }
func (v Value) Boolean() (bool, bool)        { return v.b, v.kind == KindBool }
func (v Value) Timestamp() (time.Time, bool) { return v.t, v.kind == KindTime }

// Equal reports kind-and-value equality. Int and float compare numerically.
func (v Value) Equal(o Value) bool {
	if vn, ok := v.Number(); ok {
		on, ok := o.Number()
		return ok && vn == on
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	}
	return true
}

// Any returns the native Go value.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	}
	return nil
}

func (v Value) String() string {
	if v.kind == KindTime {
		return v.t.Format(time.RFC3339)
	}
	return fmt.Sprint(v.Any())
}

// FromAny converts decoded YAML/JSON scalars into a Value. Whole
// float64 numbers (as produced by encoding/json) become ints.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("integer %d out of range", t)
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return Int(int64(t)), nil
		}
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case time.Time:
		return Time(t), nil
	}
	return Value{}, fmt.Errorf("unsupported fact type %T", x)
}

type wireValue struct {
	Kind  string `json:"kind"`
	Value any    `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{Kind: v.kind.String(), Value: v.Any()})
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var w struct {
		Kind  string          `json:"kind"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "int":
		var i int64
		if err := json.Unmarshal(w.Value, &i); err != nil {
			return err
		}
		*v = Int(i)
	case "float":
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return err
		}
		*v = Float(f)
	case "string":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = String(s)
	case "bool":
		var bl bool
		if err := json.Unmarshal(w.Value, &bl); err != nil {
			return err
		}
		*v = Bool(bl)
	case "time":
		var t time.Time
		if err := json.Unmarshal(w.Value, &t); err != nil {
			return err
		}
		*v = Time(t)
	default:
		return fmt.Errorf("unknown value kind %q", w.Kind)
	}
	return nil
}
