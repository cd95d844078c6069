package strategy

import "math"

// Comparison operators accepted in strategy conditions.
const (
	OpGTE = "gte"
	OpLTE = "lte"
	OpGT  = "gt"
	OpLT  = "lt"
	OpEQ  = "eq"
	OpNE  = "ne"
)

// eqEpsilon is the tolerance for eq/ne comparisons on float values.
const eqEpsilon = 1e-9

func validOperator(op string) bool {
	switch op {
	case OpGTE, OpLTE, OpGT, OpLT, OpEQ, OpNE:
		return true
	default:
		return false
	}
}

// Condition compares one indicator value against a threshold. ConditionType
// names the indicator id whose latest value feeds the comparison.
type Condition struct {
	Name          string  `yaml:"name" json:"name"`
	ConditionType string  `yaml:"condition_type" json:"condition_type"`
	Operator      string  `yaml:"operator" json:"operator"`
	Value         float64 `yaml:"value" json:"value"`
}

// Evaluate compares against the current values map. A value the map does not
// hold yet is Pending, not false: the indicator simply has not produced its
// first non-nil result.
func (c Condition) Evaluate(values map[string]float64) TriState {
	v, ok := values[c.ConditionType]
	if !ok {
		return TriPending
	}
	var pass bool
	switch c.Operator {
	case OpGTE:
		pass = v >= c.Value
	case OpLTE:
		pass = v <= c.Value
	case OpGT:
		pass = v > c.Value
	case OpLT:
		pass = v < c.Value
	case OpEQ:
		pass = math.Abs(v-c.Value) <= eqEpsilon
	case OpNE:
		pass = math.Abs(v-c.Value) > eqEpsilon
	default:
		return TriPending
	}
	if pass {
		return TriTrue
	}
	return TriFalse
}

// ConditionGroup combines conditions with an AND (RequireAll) or OR fold.
type ConditionGroup struct {
	Name       string      `yaml:"name" json:"name"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	RequireAll bool        `yaml:"require_all" json:"require_all"`
}

// Empty reports whether the group holds no conditions.
func (g ConditionGroup) Empty() bool { return len(g.Conditions) == 0 }

// Evaluate folds the group over the values map. An empty group is False for
// either fold: a group with no positive evidence must never authorize a
// state transition.
//
// AND fold: any False wins, else any Pending holds, else True.
// OR fold: any True wins, else any Pending holds, else False.
func (g ConditionGroup) Evaluate(values map[string]float64) TriState {
	if len(g.Conditions) == 0 {
		return TriFalse
	}

	pending := false
	if g.RequireAll {
		for _, c := range g.Conditions {
			switch c.Evaluate(values) {
			case TriFalse:
				return TriFalse
			case TriPending:
				pending = true
			}
		}
		if pending {
			return TriPending
		}
		return TriTrue
	}

	for _, c := range g.Conditions {
		switch c.Evaluate(values) {
		case TriTrue:
			return TriTrue
		case TriPending:
			pending = true
		}
	}
	if pending {
		return TriPending
	}
	return TriFalse
}
