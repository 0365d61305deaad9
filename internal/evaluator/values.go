package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// toFloat converts numeric Go/JSON/TOML values to float64.
// Params: decoded value of any type.
// Returns: numeric value and ok=false for non-numeric input (strings included).
func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// valuesEqual compares numerically when both sides are numeric, otherwise by scalar identity.
// Params: event value and condition value.
// Returns: equality result.
func valuesEqual(actual, expected any) bool {
	if lhs, ok := toFloat(actual); ok {
		if rhs, ok := toFloat(expected); ok {
			return lhs == rhs
		}
		return false
	}
	switch typed := actual.(type) {
	case string:
		other, ok := expected.(string)
		return ok && typed == other
	case bool:
		other, ok := expected.(bool)
		return ok && typed == other
	default:
		return false
	}
}

// containsValue checks substring for strings and membership for arrays.
// Params: event value and needle.
// Returns: containment result.
func containsValue(actual, needle any) bool {
	switch typed := actual.(type) {
	case string:
		text, ok := needle.(string)
		return ok && strings.Contains(typed, text)
	case []string:
		for _, item := range typed {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range typed {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// betweenBounds extracts inclusive [lo, hi] from a 2-element list.
// Params: condition value (JSON array, TOML array, or typed slice).
// Returns: bounds or shape error.
func betweenBounds(value any) (float64, float64, error) {
	raw := reflect.ValueOf(value)
	if !raw.IsValid() || (raw.Kind() != reflect.Slice && raw.Kind() != reflect.Array) {
		return 0, 0, errors.New("between requires a [low, high] pair")
	}
	if raw.Len() != 2 {
		return 0, 0, fmt.Errorf("between requires 2 bounds, got %d", raw.Len())
	}
	lo, lok := toFloat(raw.Index(0).Interface())
	hi, hok := toFloat(raw.Index(1).Interface())
	if !lok || !hok {
		return 0, 0, errors.New("between bounds must be numeric")
	}
	if lo > hi {
		return 0, 0, errors.New("between low bound exceeds high bound")
	}
	return lo, hi, nil
}

// KeyString renders scalar field value into a stable dedup key.
// Params: field value.
// Returns: string key and ok=false for nil or composite values.
func KeyString(value any) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		return typed, typed != ""
	case bool:
		return strconv.FormatBool(typed), true
	case json.Number:
		if number, err := typed.Float64(); err == nil {
			return strconv.FormatFloat(number, 'f', -1, 64), true
		}
		return typed.String(), typed != ""
	}
	if number, ok := toFloat(value); ok {
		return strconv.FormatFloat(number, 'f', -1, 64), true
	}
	return "", false
}
