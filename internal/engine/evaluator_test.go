package engine

import (
	"errors"
	"testing"

	"sallie-automation/internal/model"
)

func state(kv map[string]model.Value) map[string]model.Value { return kv }

func TestEvaluate_AbsentPropertyIsFalse(t *testing.T) {
	st := state(map[string]model.Value{"power": model.Boolean(true)})
	ops := []model.Operator{
		model.OpEquals, model.OpNotEquals, model.OpGreaterThan, model.OpLessThan,
		model.OpGreaterOrEq, model.OpLessOrEq, model.OpContains, model.OpNotContains,
		model.OpStartsWith, model.OpEndsWith,
	}
	for _, op := range ops {
		for _, negate := range []bool{false, true} {
			c := model.Condition{DeviceID: "d1", Property: "missing", Op: op, Value: model.Number(1), Negate: negate}
			got, err := EvaluateCondition(c, st)
			if err != nil {
				t.Fatalf("op=%s negate=%v: unexpected error %v", op, negate, err)
			}
			if got {
				t.Fatalf("op=%s negate=%v: expected false for absent property", op, negate)
			}
		}
	}
}

func TestEvaluate_NegationInverts(t *testing.T) {
	st := state(map[string]model.Value{
		"temp":  model.Number(21),
		"mode":  model.Text("auto"),
		"power": model.Boolean(true),
	})
	conds := []model.Condition{
		{Property: "temp", Op: model.OpEquals, Value: model.Number(21)},
		{Property: "temp", Op: model.OpGreaterThan, Value: model.Number(30)},
		{Property: "mode", Op: model.OpContains, Value: model.Text("ut")},
		{Property: "mode", Op: model.OpStartsWith, Value: model.Text("man")},
		{Property: "power", Op: model.OpNotEquals, Value: model.Boolean(false)},
	}
	for i, c := range conds {
		plain, err := EvaluateCondition(c, st)
		if err != nil {
			t.Fatalf("cond %d: %v", i, err)
		}
		c.Negate = true
		negated, err := EvaluateCondition(c, st)
		if err != nil {
			t.Fatalf("cond %d negated: %v", i, err)
		}
		if negated == plain {
			t.Fatalf("cond %d: negation did not invert (both %v)", i, plain)
		}
	}
}

func TestEvaluate_EqNeqComplementary(t *testing.T) {
	st := state(map[string]model.Value{"temp": model.Number(21), "mode": model.Text("auto")})
	pairs := []struct {
		prop  string
		value model.Value
	}{
		{"temp", model.Number(21)},
		{"temp", model.Number(22)},
		{"mode", model.Text("auto")},
		{"mode", model.Text("manual")},
		{"temp", model.Text("21")}, // cross-kind: unequal, so neq holds
	}
	for _, p := range pairs {
		eq, _ := EvaluateCondition(model.Condition{Property: p.prop, Op: model.OpEquals, Value: p.value}, st)
		neq, _ := EvaluateCondition(model.Condition{Property: p.prop, Op: model.OpNotEquals, Value: p.value}, st)
		if eq == neq {
			t.Fatalf("prop=%s value=%v: expected exactly one of eq/neq, got eq=%v neq=%v", p.prop, p.value, eq, neq)
		}
	}
}

func TestEvaluate_Ordering(t *testing.T) {
	st := state(map[string]model.Value{"temp": model.Number(21)})
	cases := []struct {
		op   model.Operator
		val  float64
		want bool
	}{
		{model.OpGreaterThan, 20, true},
		{model.OpGreaterThan, 21, false},
		{model.OpGreaterOrEq, 21, true},
		{model.OpLessThan, 22, true},
		{model.OpLessThan, 21, false},
		{model.OpLessOrEq, 21, true},
	}
	for _, c := range cases {
		got, err := EvaluateCondition(model.Condition{Property: "temp", Op: c.op, Value: model.Number(c.val)}, st)
		if err != nil {
			t.Fatalf("op=%s: %v", c.op, err)
		}
		if got != c.want {
			t.Fatalf("op=%s val=%g: expected %v, got %v", c.op, c.val, got, c.want)
		}
	}
}

func TestEvaluate_OrderingTextLexicographic(t *testing.T) {
	st := state(map[string]model.Value{"mode": model.Text("auto")})
	got, err := EvaluateCondition(model.Condition{Property: "mode", Op: model.OpLessThan, Value: model.Text("manual")}, st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Fatalf("expected \"auto\" < \"manual\"")
	}
}

func TestEvaluate_NotComparableIsError(t *testing.T) {
	st := state(map[string]model.Value{"power": model.Boolean(true)})
	_, err := EvaluateCondition(model.Condition{Property: "power", Op: model.OpGreaterThan, Value: model.Number(1)}, st)
	if !errors.Is(err, model.ErrNotComparable) {
		t.Fatalf("expected ErrNotComparable, got %v", err)
	}
}

func TestEvaluate_ContainsListAndText(t *testing.T) {
	st := state(map[string]model.Value{
		"tags": model.ListOf(model.Text("kitchen"), model.Text("dim")),
		"name": model.Text("kitchen lamp"),
	})
	if got, _ := EvaluateCondition(model.Condition{Property: "tags", Op: model.OpContains, Value: model.Text("dim")}, st); !got {
		t.Fatalf("expected list membership")
	}
	if got, _ := EvaluateCondition(model.Condition{Property: "name", Op: model.OpContains, Value: model.Text("lamp")}, st); !got {
		t.Fatalf("expected substring match")
	}
	if got, _ := EvaluateCondition(model.Condition{Property: "tags", Op: model.OpNotContains, Value: model.Text("attic")}, st); !got {
		t.Fatalf("expected not_contains to hold")
	}
}

func TestEvaluate_StartsEndsWith(t *testing.T) {
	st := state(map[string]model.Value{"name": model.Text("kitchen lamp"), "temp": model.Number(21)})
	if got, _ := EvaluateCondition(model.Condition{Property: "name", Op: model.OpStartsWith, Value: model.Text("kit")}, st); !got {
		t.Fatalf("expected starts_with to hold")
	}
	if got, _ := EvaluateCondition(model.Condition{Property: "name", Op: model.OpEndsWith, Value: model.Text("lamp")}, st); !got {
		t.Fatalf("expected ends_with to hold")
	}
	// String-only: numbers never match.
	if got, _ := EvaluateCondition(model.Condition{Property: "temp", Op: model.OpStartsWith, Value: model.Text("2")}, st); got {
		t.Fatalf("expected starts_with on a number to be false")
	}
}
