package arkconfig

import (
	"strconv"
	"strings"
)

// Kind discriminates the typed variants a config value can hold.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
)

// Value is one parsed setting. The wrapped server product defines hundreds of
// settings the orchestrator has no opinion about, so values are typed purely
// from their textual shape and round-trip losslessly.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
}

func Bool(b bool) Value     { return Value{kind: KindBool, b: b} }
func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }

// Coerce types a raw text value: boolean keywords first, then integer, then
// float, falling back to the raw string. Bare 1/0 stay numeric; plenty of
// settings are counts or multipliers where 1 is not "true".
func Coerce(raw string) Value {
	raw = strings.TrimSpace(raw)

	switch strings.ToLower(raw) {
	case "true", "yes", "on":
		return Bool(true)
	case "false", "no", "off":
		return Bool(false)
	}

	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Int(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Float(f)
	}
	return String(raw)
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean payload if this is a bool value.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsInt returns the integer payload if this is an int value.
func (v Value) AsInt() (int64, bool) {
	return v.i, v.kind == KindInt
}

// AsFloat returns the numeric payload for int and float values.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// String renders the value in its on-disk form. Floats always keep a decimal
// point so they re-parse as floats.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "True"
		}
		return "False"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		s := strconv.FormatFloat(v.f, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s
	default:
		return v.s
	}
}

// Equal reports semantic equality (same variant, same payload).
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	default:
		return v.s == o.s
	}
}
