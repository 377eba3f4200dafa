package flow

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"dataflow/api/pkg/arith"
)

// toFloat64 converts numeric values and numeric strings to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(arith.Round2(f), 'f', -1, 64)
}

// roundResult rounds a computed number to two decimals unless integral.
func roundResult(f float64) float64 { return arith.Round2(f) }

// looseEqual compares numerically when both sides are numbers or numeric
// strings, otherwise by their string form. Undefined equals only Undefined.
func looseEqual(a, b any) bool {
	ua, ub := IsUndefined(a), IsUndefined(b)
	if ua || ub {
		return ua && ub
	}
	if fa, ok := toFloat64(a); ok {
		if fb, ok := toFloat64(b); ok {
			return fa == fb
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return formatValue(a) == formatValue(b)
}

// compare applies a comparison operator. Ordering operators coerce both sides
// to numbers and fall back to string ordering.
func compare(left any, op string, right any) bool {
	switch op {
	case "==", "=", "eq", "equals", "":
		return looseEqual(left, right)
	case "!=", "<>", "ne", "notEquals":
		return !looseEqual(left, right)
	case ">", ">=", "<", "<=", "gt", "gte", "lt", "lte":
		if IsUndefined(left) || IsUndefined(right) || left == nil || right == nil {
			return false
		}
		var c int
		fa, okA := toFloat64(left)
		fb, okB := toFloat64(right)
		if okA && okB {
			switch {
			case fa < fb:
				c = -1
			case fa > fb:
				c = 1
			}
		} else {
			c = strings.Compare(formatValue(left), formatValue(right))
		}
		switch op {
		case ">", "gt":
			return c > 0
		case ">=", "gte":
			return c >= 0
		case "<", "lt":
			return c < 0
		default:
			return c <= 0
		}
	case "contains":
		if IsUndefined(left) || left == nil {
			return false
		}
		if arr, ok := left.([]any); ok {
			for _, item := range arr {
				if looseEqual(item, right) {
					return true
				}
			}
			return false
		}
		return strings.Contains(formatValue(left), formatValue(right))
	case "startsWith":
		if IsUndefined(left) || left == nil {
			return false
		}
		return strings.HasPrefix(formatValue(left), formatValue(right))
	case "endsWith":
		if IsUndefined(left) || left == nil {
			return false
		}
		return strings.HasSuffix(formatValue(left), formatValue(right))
	default:
		return false
	}
}

// truthy mirrors the designer's notion of a true condition result.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil, undefined:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case []any:
		return len(t) > 0
	default:
		if f, ok := toFloat64(v); ok {
			return f != 0
		}
		return true
	}
}

// compareValues orders two values for sorting: numbers before strings,
// undefined and nil last.
func compareValues(a, b any) int {
	aMissing := a == nil || IsUndefined(a)
	bMissing := b == nil || IsUndefined(b)
	switch {
	case aMissing && bMissing:
		return 0
	case aMissing:
		return 1
	case bMissing:
		return -1
	}
	fa, okA := toFloat64(a)
	fb, okB := toFloat64(b)
	switch {
	case okA && okB:
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case okA:
		return -1
	case okB:
		return 1
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

// cloneRecord returns a shallow copy of a record-like value.
func cloneRecord(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

func stripSystemKeys(m map[string]any) {
	for _, k := range systemKeys {
		delete(m, k)
	}
}
