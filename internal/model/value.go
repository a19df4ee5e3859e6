package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ValueKind discriminates Value.
type ValueKind string

const (
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
	KindText   ValueKind = "text"
	KindList   ValueKind = "list"
)

// ErrNotComparable is returned when an ordering comparison is attempted
// between values that have no defined order (e.g. bool vs number). This is
// an authoring error in the rule, not a runtime condition.
var ErrNotComparable = errors.New("values are not comparable")

// Value is a tagged device-property value. Device state is heterogeneous
// (numbers, booleans, strings, small lists), and carrying the kind
// explicitly lets the evaluator switch exhaustively instead of poking at
// `any` with type assertions.
type Value struct {
	Kind ValueKind
	Num  float64
	Bool bool
	Text string
	List []Value
}

func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }
func Boolean(b bool) Value   { return Value{Kind: KindBool, Bool: b} }
func Text(s string) Value    { return Value{Kind: KindText, Text: s} }
func ListOf(vs ...Value) Value {
	return Value{Kind: KindList, List: vs}
}

// ValueFromAny converts a decoded JSON value (or a plain Go scalar) into a
// tagged Value. Returns false for unsupported shapes (nil, nested objects).
func ValueFromAny(v any) (Value, bool) {
	switch t := v.(type) {
	case Value:
		return t, true
	case float64:
		return Number(t), true
	case float32:
		return Number(float64(t)), true
	case int:
		return Number(float64(t)), true
	case int64:
		return Number(float64(t)), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, false
		}
		return Number(f), true
	case bool:
		return Boolean(t), true
	case string:
		return Text(t), true
	case []any:
		list := make([]Value, 0, len(t))
		for _, el := range t {
			ev, ok := ValueFromAny(el)
			if !ok {
				return Value{}, false
			}
			list = append(list, ev)
		}
		return Value{Kind: KindList, List: list}, true
	default:
		return Value{}, false
	}
}

// Equal reports semantic equality: numbers compare by numeric value,
// everything else by kind and payload. Lists compare element-wise.
func (v Value) Equal(o Value) bool {
	if v.Kind == KindNumber && o.Kind == KindNumber {
		return v.Num == o.Num
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindText:
		return v.Text == o.Text
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare returns -1, 0 or 1. Numbers order numerically, text orders
// lexicographically; any other pairing is ErrNotComparable.
func (v Value) Compare(o Value) (int, error) {
	switch {
	case v.Kind == KindNumber && o.Kind == KindNumber:
		switch {
		case v.Num < o.Num:
			return -1, nil
		case v.Num > o.Num:
			return 1, nil
		}
		return 0, nil
	case v.Kind == KindText && o.Kind == KindText:
		return strings.Compare(v.Text, o.Text), nil
	default:
		return 0, fmt.Errorf("%w: %s vs %s", ErrNotComparable, v.Kind, o.Kind)
	}
}

// Contains reports membership: substring for text, element for lists.
func (v Value) Contains(o Value) bool {
	switch v.Kind {
	case KindText:
		return o.Kind == KindText && strings.Contains(v.Text, o.Text)
	case KindList:
		for _, el := range v.List {
			if el.Equal(o) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return fmt.Sprintf("%g", v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindText:
		return v.Text
	case KindList:
		parts := make([]string, len(v.List))
		for i, el := range v.List {
			parts[i] = el.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return ""
	}
}

// MarshalJSON encodes the bare JSON scalar/array, not the tagged struct, so
// payloads stay natural ({"value": 21.5}, {"value": ["a","b"]}).
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindText:
		return json.Marshal(v.Text)
	case KindList:
		list := v.List
		if list == nil {
			list = []Value{}
		}
		return json.Marshal(list)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, ok := ValueFromAny(raw)
	if !ok {
		return fmt.Errorf("unsupported value: %s", string(b))
	}
	*v = parsed
	return nil
}
