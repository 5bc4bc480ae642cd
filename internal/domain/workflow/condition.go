package workflow

import (
	"fmt"
	"strings"
)

// undefined is the sentinel returned when a condition field path does not
// resolve in the instance context. It is distinct from nil: a key present
// with a nil value is defined, a missing key is not.
type undefined struct{}

// Undefined is the missing-path sentinel used by the condition evaluator
var Undefined any = undefined{}

// IsUndefined reports whether v is the missing-path sentinel
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

// LookupPath resolves a dot-path (e.g. "tender.amount") against a context
// map, returning Undefined when any segment is missing or not traversable.
func LookupPath(context map[string]any, path string) any {
	if context == nil || path == "" {
		return Undefined
	}

	var current any = context
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return Undefined
		}
		current, ok = m[segment]
		if !ok {
			return Undefined
		}
	}
	return current
}

// Evaluate reports whether all conditions hold against the instance context.
// Conditions are ANDed and evaluation short-circuits on the first failure.
// An undefined field fails every operator except ne/nin against a defined
// expected value.
func Evaluate(conditions []Condition, context map[string]any) bool {
	for _, c := range conditions {
		if !evaluateOne(c, context) {
			return false
		}
	}
	return true
}

func evaluateOne(c Condition, context map[string]any) bool {
	actual := LookupPath(context, c.Field)

	if IsUndefined(actual) {
		switch c.Operator {
		case OpNe:
			return true
		case OpNin:
			return true
		default:
			return false
		}
	}

	switch c.Operator {
	case OpEq:
		return valuesEqual(actual, c.Value)
	case OpNe:
		return !valuesEqual(actual, c.Value)
	case OpGt:
		cmp, ok := compareNumeric(actual, c.Value)
		return ok && cmp > 0
	case OpLt:
		cmp, ok := compareNumeric(actual, c.Value)
		return ok && cmp < 0
	case OpGte:
		cmp, ok := compareNumeric(actual, c.Value)
		return ok && cmp >= 0
	case OpLte:
		cmp, ok := compareNumeric(actual, c.Value)
		return ok && cmp <= 0
	case OpIn:
		return inList(actual, c.Value)
	case OpNin:
		return !inList(actual, c.Value)
	default:
		return false
	}
}

// valuesEqual compares values, treating all numeric types as one domain so
// that e.g. int64(500) from SQL equals float64(500) from JSON context.
func valuesEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	// Stringified comparison avoids panics on uncomparable dynamic types
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compareNumeric returns -1/0/1 and whether both values were numeric
func compareNumeric(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// inList reports membership of actual in the expected list value
func inList(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		if strs, sok := expected.([]string); sok {
			for _, s := range strs {
				if valuesEqual(actual, s) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range list {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}
