package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// compare applies a leaf operator to a field value and the rule's target value.
// Type mismatches are a plain "no match"; only an unusable pattern is an error.
func compare(op Operator, value, target any) (bool, error) {
	switch op {
	case OpEquals:
		return strictEqual(value, target), nil
	case OpNotEquals:
		return !strictEqual(value, target), nil
	case OpContains:
		return compareContains(value, target), nil
	case OpGreaterThan:
		return compareNumeric(value, target, func(a, b float64) bool { return a > b }), nil
	case OpLessThan:
		return compareNumeric(value, target, func(a, b float64) bool { return a < b }), nil
	case OpIn:
		return compareIn(value, target), nil
	case OpMatches:
		return compareMatches(value, target)
	default:
		return false, nil
	}
}

// strictEqual compares without coercion: "5" never equals 5.
// Numbers compare by value whatever their Go kind. Maps and slices
// are never equal, as they have no identity once decoded.
func strictEqual(a, b any) bool {
	if na, ok := toFloat64(a); ok {
		nb, ok := toFloat64(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

func compareContains(value, target any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	sub, ok := target.(string)
	if !ok {
		return false
	}
	return strings.Contains(s, sub)
}

// compareNumeric requires both sides to be numbers; strings are not parsed.
func compareNumeric(value, target any, cmp func(a, b float64) bool) bool {
	a, ok := toFloat64(value)
	if !ok {
		return false
	}
	b, ok := toFloat64(target)
	if !ok {
		return false
	}
	return cmp(a, b)
}

func compareIn(value, set any) bool {
	switch items := set.(type) {
	case []any:
		for _, item := range items {
			if strictEqual(value, item) {
				return true
			}
		}
	case []string:
		for _, item := range items {
			if strictEqual(value, item) {
				return true
			}
		}
	}
	return false
}

// compareMatches accepts string patterns and renders numeric or boolean
// ones as text, so 42 is the pattern "42". Other targets never match.
func compareMatches(value, pattern any) (bool, error) {
	s, ok := value.(string)
	if !ok {
		return false, nil
	}
	var p string
	switch pattern.(type) {
	case string, bool:
		p = formatScalar(pattern)
	default:
		if _, numeric := toFloat64(pattern); !numeric {
			return false, nil
		}
		p = formatScalar(pattern)
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false, fmt.Errorf("invalid pattern %q: %w", p, err)
	}
	return re.MatchString(s), nil
}

// toFloat64 converts Go and JSON numeric kinds to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toNumber is the lenient coercion used by sum. Booleans count as 1 and 0,
// strings must be a decimal literal or a 0x/0o/0b integer, and anything else,
// including a non-finite result, counts as 0.
func toNumber(v any) float64 {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	if f, ok := toFloat64(v); ok {
		return finiteOrZero(f)
	}
	s, ok := v.(string)
	if !ok {
		return 0
	}
	return finiteOrZero(parseNumeric(strings.TrimSpace(s)))
}

var decimalLiteral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

func parseNumeric(s string) float64 {
	if len(s) > 2 && s[0] == '0' && strings.ContainsRune("xXoObB", rune(s[1])) {
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil || strings.ContainsRune(s, '_') {
			return 0
		}
		return float64(n)
	}
	if !decimalLiteral.MatchString(s) {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// formatScalar renders a value the way concat joins it.
func formatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	}
	if f, ok := toFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
