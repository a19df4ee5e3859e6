package engine

import (
	"fmt"
	"strings"

	"sallie-automation/internal/model"
)

// EvaluateCondition evaluates one condition against a device's current
// property map. Missing property evaluates to false regardless of operator
// or negation (fail-closed). Ordering operators on non-comparable operand
// kinds return an error: that is an authoring mistake, not a normal false.
// No side effects.
func EvaluateCondition(c model.Condition, state map[string]model.Value) (bool, error) {
	v, ok := state[c.Property]
	if !ok {
		return false, nil
	}

	var result bool
	switch c.Op {
	case model.OpEquals:
		result = v.Equal(c.Value)
	case model.OpNotEquals:
		result = !v.Equal(c.Value)
	case model.OpGreaterThan, model.OpLessThan, model.OpGreaterOrEq, model.OpLessOrEq:
		cmp, err := v.Compare(c.Value)
		if err != nil {
			return false, fmt.Errorf("condition %s/%s: %w", c.DeviceID, c.Property, err)
		}
		switch c.Op {
		case model.OpGreaterThan:
			result = cmp > 0
		case model.OpLessThan:
			result = cmp < 0
		case model.OpGreaterOrEq:
			result = cmp >= 0
		case model.OpLessOrEq:
			result = cmp <= 0
		}
	case model.OpContains:
		result = v.Contains(c.Value)
	case model.OpNotContains:
		result = !v.Contains(c.Value)
	case model.OpStartsWith:
		result = v.Kind == model.KindText && c.Value.Kind == model.KindText &&
			strings.HasPrefix(v.Text, c.Value.Text)
	case model.OpEndsWith:
		result = v.Kind == model.KindText && c.Value.Kind == model.KindText &&
			strings.HasSuffix(v.Text, c.Value.Text)
	default:
		return false, fmt.Errorf("condition %s/%s: unsupported operator %q", c.DeviceID, c.Property, c.Op)
	}

	if c.Negate {
		result = !result
	}
	return result, nil
}
