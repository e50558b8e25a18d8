package tree

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

// DeepEqual reports whether two JSON-shaped values are structurally equal.
// Numbers compare by value regardless of their Go kind, so int(1) equals float64(1).
func DeepEqual(a, b any) bool {
	if ac, ok := a.(Component); ok {
		a = ac.Data()
	}
	if bc, ok := b.(Component); ok {
		b = bc.Data()
	}

	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
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
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, exists := bv[k]
			if !exists || !DeepEqual(v, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// CloneValue returns a deep copy of a JSON-shaped value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case Component:
		return val.DataClone()
	default:
		return val
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// compareValues orders two numbers or two strings. ok is false when the
// values are not mutually comparable.
func compareValues(a, b any) (cmp int, ok bool) {
	if af, isNum := toFloat(a); isNum {
		bf, isNum := toFloat(b)
		if !isNum || math.IsNaN(af) || math.IsNaN(bf) {
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
	as, isStr := a.(string)
	if !isStr {
		return 0, false
	}
	bs, isStr := b.(string)
	if !isStr {
		return 0, false
	}
	switch {
	case as < bs:
		return -1, true
	case as > bs:
		return 1, true
	default:
		return 0, true
	}
}

// keyString converts a wire key (string or number) into its string form.
func keyString(v any) (string, bool) {
	switch k := v.(type) {
	case string:
		return k, true
	case json.Number:
		return k.String(), true
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

// dataOf returns the materialized data of a child slot.
func dataOf(child any) any {
	if c, ok := child.(Component); ok {
		return c.Data()
	}
	return child
}

func cloneChild(child any) any {
	if c, ok := child.(Component); ok {
		return c.Clone()
	}
	return child
}
