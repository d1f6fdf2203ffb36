package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/pingcap/errors"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindNumber
	KindDeleted
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// NumberTolerance is the absolute difference under which two numbers are equal.
const NumberTolerance = 1e-5

// Value is the typed payload of a version: a string, a number, or the
// Deleted tombstone. Readers treat Deleted as a missing key.
type Value struct {
	kind ValueKind
	str  string
	num  float64
}

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Deleted returns the tombstone. It is a distinct variant, so no user string
// can collide with it.
func Deleted() Value { return Value{kind: KindDeleted} }

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsDeleted() bool { return v.kind == KindDeleted }

// AsString returns the string payload; ok is false for other variants.
func (v Value) AsString() (s string, ok bool) {
	return v.str, v.kind == KindString
}

// AsNumber returns the numeric payload; ok is false for other variants.
func (v Value) AsNumber() (f float64, ok bool) {
	return v.num, v.kind == KindNumber
}

// String renders the value the way it travels on the wire.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	default:
		return "<deleted>"
	}
}

// Equal compares two values of the same variant. Numbers are equal within
// NumberTolerance. Comparing different variants is a programming error.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		panic(fmt.Sprintf("storage: comparing %s value with %s value", v.kind, other.kind))
	}
	return v.EqualLoose(other)
}

// EqualLoose is Equal without the variant assertion; different variants are unequal.
func (v Value) EqualLoose(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return math.Abs(v.num-other.num) <= NumberTolerance
	default:
		return true
	}
}

// ParseValue rebuilds a value from its kind and string rendering.
func ParseValue(kind ValueKind, text string) (Value, error) {
	switch kind {
	case KindString:
		return String(text), nil
	case KindNumber:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, errors.Annotatef(err, "parse number %q", text)
		}
		return Number(f), nil
	case KindDeleted:
		return Deleted(), nil
	default:
		return Value{}, errors.Errorf("unknown value kind %d", kind)
	}
}

func parseValueKind(s string) (ValueKind, error) {
	switch s {
	case "string":
		return KindString, nil
	case "number":
		return KindNumber, nil
	case "deleted":
		return KindDeleted, nil
	default:
		return 0, errors.Errorf("unknown value kind %q", s)
	}
}

type wireValue struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	if v.kind != KindDeleted {
		w.Text = v.String()
	}
	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Trace(err)
	}
	kind, err := parseValueKind(w.Kind)
	if err != nil {
		return err
	}
	parsed, err := ParseValue(kind, w.Text)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
