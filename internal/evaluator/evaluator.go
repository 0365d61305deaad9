package evaluator

import (
	"fmt"

	"alertengine/internal/domain"
)

// Evaluate folds rule conditions left to right against one event.
// Params: ordered conditions and event.
// Returns: chain result; empty chains never match.
func Evaluate(conditions []domain.Condition, event domain.Event) bool {
	matched, _ := Explain(conditions, event)
	return matched
}

// Explain evaluates like Evaluate and also reports why individual conditions failed closed.
// Params: ordered conditions and event.
// Returns: chain result and per-condition evaluation errors (missing or malformed fields).
func Explain(conditions []domain.Condition, event domain.Event) (bool, []error) {
	if len(conditions) == 0 {
		return false, nil
	}

	var problems []error
	test := func(condition domain.Condition) bool {
		ok, err := testCondition(condition, event)
		if err != nil {
			problems = append(problems, err)
		}
		return ok
	}

	result := test(conditions[0])
	for _, condition := range conditions[1:] {
		// Both sides are always evaluated so the problem list is complete.
		next := test(condition)
		if condition.Logic.Normalize() == domain.LogicOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result, problems
}

// testCondition applies one operator to the referenced event field.
// Params: condition and event.
// Returns: predicate result and an EvaluationError when the check failed closed.
func testCondition(condition domain.Condition, event domain.Event) (bool, error) {
	actual, ok := event.Lookup(condition.Field)
	if !ok || actual == nil {
		return false, &domain.EvaluationError{Field: condition.Field, Reason: "field is absent"}
	}

	switch condition.Operator {
	case domain.OpEquals:
		return valuesEqual(actual, condition.Value), nil
	case domain.OpContains:
		return containsValue(actual, condition.Value), nil
	case domain.OpGreaterThan, domain.OpLessThan:
		lhs, lok := toFloat(actual)
		rhs, rok := toFloat(condition.Value)
		if !lok || !rok {
			return false, &domain.EvaluationError{Field: condition.Field, Reason: "non-numeric operand"}
		}
		if condition.Operator == domain.OpGreaterThan {
			return lhs > rhs, nil
		}
		return lhs < rhs, nil
	case domain.OpBetween:
		lo, hi, err := betweenBounds(condition.Value)
		if err != nil {
			return false, &domain.EvaluationError{Field: condition.Field, Reason: err.Error()}
		}
		value, ok := toFloat(actual)
		if !ok {
			return false, &domain.EvaluationError{Field: condition.Field, Reason: "non-numeric operand"}
		}
		return value >= lo && value <= hi, nil
	default:
		return false, &domain.EvaluationError{Field: condition.Field, Reason: fmt.Sprintf("unsupported operator %q", condition.Operator)}
	}
}

// ValidateConditions checks chain shape for rule CRUD.
// Params: ordered conditions.
// Returns: ValidationError for the first malformed condition.
func ValidateConditions(conditions []domain.Condition) error {
	if len(conditions) == 0 {
		return domain.Invalid("conditions", "must contain at least one condition")
	}
	for i, condition := range conditions {
		path := fmt.Sprintf("conditions[%d]", i)
		if condition.Field == "" {
			return domain.Invalid(path+".field", "is required")
		}
		switch logic := condition.Logic.Normalize(); logic {
		case domain.LogicAnd, domain.LogicOr:
		default:
			return domain.Invalid(path+".logic", fmt.Sprintf("has unsupported value %q", condition.Logic))
		}
		switch condition.Operator {
		case domain.OpEquals, domain.OpContains:
			if condition.Value == nil {
				return domain.Invalid(path+".value", "is required")
			}
		case domain.OpGreaterThan, domain.OpLessThan:
			if _, ok := toFloat(condition.Value); !ok {
				return domain.Invalid(path+".value", "must be numeric")
			}
		case domain.OpBetween:
			if _, _, err := betweenBounds(condition.Value); err != nil {
				return domain.Invalid(path+".value", err.Error())
			}
		default:
			return domain.Invalid(path+".operator", fmt.Sprintf("has unsupported value %q", condition.Operator))
		}
	}
	return nil
}
