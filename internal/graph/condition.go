package graph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Condition gates traversal of an edge. Field uses dot-notation with integer
// segments indexing arrays; Operator is one of the fixed operator set below.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Evaluate applies the condition against the upstream node's output. Unknown
// operators and invalid regular expressions evaluate to false, never to an
// error: a malformed condition must not fail the run, only close the branch.
func (c *Condition) Evaluate(output any) bool {
	if c == nil {
		return true
	}

	actual, found := ResolveField(output, c.Field)

	switch c.Operator {
	case "exists":
		return found
	case "not_exists":
		return !found
	case "is_empty":
		return !found || isEmptyValue(actual)
	case "is_not_empty":
		return found && !isEmptyValue(actual)
	}

	if !found {
		return false
	}

	switch c.Operator {
	case "eq":
		return looseEqual(actual, c.Value)
	case "neq":
		return !looseEqual(actual, c.Value)
	case "gt":
		return compareOrdered(actual, c.Value) > 0
	case "lt":
		return compareOrdered(actual, c.Value) < 0
	case "gte":
		return compareOrdered(actual, c.Value) >= 0
	case "lte":
		return compareOrdered(actual, c.Value) <= 0
	case "contains":
		return containsValue(actual, c.Value)
	case "not_contains":
		return !containsValue(actual, c.Value)
	case "in":
		return inValue(actual, c.Value)
	case "not_in":
		return !inValue(actual, c.Value)
	case "starts_with":
		return strings.HasPrefix(asString(actual), asString(c.Value))
	case "ends_with":
		return strings.HasSuffix(asString(actual), asString(c.Value))
	case "matches":
		re, err := regexp.Compile(asString(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(asString(actual))
	case "is_true":
		b, ok := coerceBool(actual)
		return ok && b
	case "is_false":
		b, ok := coerceBool(actual)
		return ok && !b
	case "is_string":
		_, ok := actual.(string)
		return ok
	case "is_number":
		_, ok := asNumber(actual)
		_, isStr := actual.(string)
		return ok && !isStr
	case "is_boolean":
		_, ok := actual.(bool)
		return ok
	case "is_array":
		_, ok := actual.([]any)
		return ok
	case "is_object":
		_, ok := actual.(map[string]any)
		return ok
	default:
		return false
	}
}

// ResolveField walks data along a dot-notation path. Integer segments index
// arrays. An empty field refers to the value itself. The boolean result
// reports whether every segment resolved.
func ResolveField(data any, field string) (any, bool) {
	if field == "" {
		return data, data != nil
	}
	current := data
	for _, segment := range strings.Split(field, ".") {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// looseEqual compares numerically when both sides are numeric, otherwise by
// string form. JSON decoding yields float64 for every number, so "5" and 5
// compare equal by design.
func looseEqual(a, b any) bool {
	na, aok := asNumber(a)
	nb, bok := asNumber(b)
	if aok && bok {
		return na == nb
	}
	return asString(a) == asString(b)
}

// compareOrdered returns -1, 0, or 1. Numeric when both sides parse as
// numbers, else lexicographic on string forms.
func compareOrdered(a, b any) int {
	na, aok := asNumber(a)
	nb, bok := asNumber(b)
	if aok && bok {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(asString(a), asString(b))
}

func containsValue(actual, value any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, asString(value))
	case []any:
		for _, item := range v {
			if looseEqual(item, value) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := v[asString(value)]
		return ok
	default:
		return false
	}
}

func inValue(actual, value any) bool {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if looseEqual(actual, item) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(v, asString(actual))
	default:
		return false
	}
}

func coerceBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	case string:
		switch strings.ToLower(val) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
