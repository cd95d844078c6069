package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionOperators(t *testing.T) {
	values := map[string]float64{"pump_pct": 10.0}

	cases := []struct {
		op   string
		want TriState
	}{
		{OpGTE, TriTrue},
		{OpLTE, TriTrue},
		{OpGT, TriFalse},
		{OpLT, TriFalse},
		{OpEQ, TriTrue},
		{OpNE, TriFalse},
	}
	for _, tc := range cases {
		c := Condition{ConditionType: "pump_pct", Operator: tc.op, Value: 10.0}
		assert.Equal(t, tc.want, c.Evaluate(values), "operator %s against equal value", tc.op)
	}

	gt := Condition{ConditionType: "pump_pct", Operator: OpGT, Value: 9.5}
	assert.Equal(t, TriTrue, gt.Evaluate(values))
	lt := Condition{ConditionType: "pump_pct", Operator: OpLT, Value: 9.5}
	assert.Equal(t, TriFalse, lt.Evaluate(values))
}

func TestEqualityTolerance(t *testing.T) {
	// Float indicator values drift below 1e-9 through recomputation.
	values := map[string]float64{"ratio": 1.0 + 1e-12}

	eq := Condition{ConditionType: "ratio", Operator: OpEQ, Value: 1.0}
	assert.Equal(t, TriTrue, eq.Evaluate(values))
	ne := Condition{ConditionType: "ratio", Operator: OpNE, Value: 1.0}
	assert.Equal(t, TriFalse, ne.Evaluate(values))

	values["ratio"] = 1.0 + 1e-6
	assert.Equal(t, TriFalse, eq.Evaluate(values))
	assert.Equal(t, TriTrue, ne.Evaluate(values))
}

func TestConditionMissingKeyIsPendingNotFalse(t *testing.T) {
	c := Condition{ConditionType: "warmup_indicator", Operator: OpGT, Value: 1.0}
	assert.Equal(t, TriPending, c.Evaluate(map[string]float64{}))
	assert.Equal(t, TriPending, c.Evaluate(nil))
}

func TestEmptyGroupIsFalseForBothFolds(t *testing.T) {
	values := map[string]float64{"anything": 1}
	assert.Equal(t, TriFalse, ConditionGroup{RequireAll: true}.Evaluate(values))
	assert.Equal(t, TriFalse, ConditionGroup{RequireAll: false}.Evaluate(values))
}

func TestAndFold(t *testing.T) {
	passing := Condition{ConditionType: "a", Operator: OpGT, Value: 0}
	failing := Condition{ConditionType: "a", Operator: OpLT, Value: 0}
	missing := Condition{ConditionType: "b", Operator: OpGT, Value: 0}
	values := map[string]float64{"a": 5}

	and := func(conds ...Condition) ConditionGroup {
		return ConditionGroup{Conditions: conds, RequireAll: true}
	}

	assert.Equal(t, TriTrue, and(passing, passing).Evaluate(values))
	// A definite False wins even when another condition is still pending.
	assert.Equal(t, TriFalse, and(passing, failing, missing).Evaluate(values))
	assert.Equal(t, TriPending, and(passing, missing).Evaluate(values))
}

func TestOrFold(t *testing.T) {
	passing := Condition{ConditionType: "a", Operator: OpGT, Value: 0}
	failing := Condition{ConditionType: "a", Operator: OpLT, Value: 0}
	missing := Condition{ConditionType: "b", Operator: OpGT, Value: 0}
	values := map[string]float64{"a": 5}

	or := func(conds ...Condition) ConditionGroup {
		return ConditionGroup{Conditions: conds, RequireAll: false}
	}

	// A definite True wins even when another condition is still pending.
	assert.Equal(t, TriTrue, or(failing, missing, passing).Evaluate(values))
	assert.Equal(t, TriPending, or(failing, missing).Evaluate(values))
	assert.Equal(t, TriFalse, or(failing, failing).Evaluate(values))
}

func TestUnknownOperatorIsPending(t *testing.T) {
	c := Condition{ConditionType: "a", Operator: "between", Value: 1}
	assert.Equal(t, TriPending, c.Evaluate(map[string]float64{"a": 5}))
}
