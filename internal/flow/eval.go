package flow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/outflowhq/outflow/pkg/schema"
)

// Evaluate applies a condition operator to a fetched metric value.
// It is pure: no I/O, no clock. Unknown operators and values that cannot
// be coerced to numbers evaluate to false rather than erroring, so a
// malformed condition routes the walk down the no branch.
func Evaluate(actual int, operator string, expected any) bool {
	a := float64(actual)

	switch operator {
	case schema.OpIn:
		vals, ok := toFloatList(expected)
		if !ok {
			return false
		}
		return containsFloat(vals, a)
	case schema.OpNotIn:
		vals, ok := toFloatList(expected)
		if !ok {
			return false
		}
		return !containsFloat(vals, a)
	}

	exp, ok := toFloat(expected)
	if !ok {
		return false
	}

	switch operator {
	case schema.OpEqual, schema.OpEqualAlias:
		return a == exp
	case schema.OpNotEqual:
		return a != exp
	case schema.OpGreater:
		return a > exp
	case schema.OpGreaterEqual:
		return a >= exp
	case schema.OpLess:
		return a < exp
	case schema.OpLessEqual:
		return a <= exp
	}

	return false
}

// ValidOperator reports whether the operator is one the evaluator understands.
func ValidOperator(op string) bool {
	switch op {
	case schema.OpEqual, schema.OpEqualAlias, schema.OpNotEqual,
		schema.OpGreater, schema.OpGreaterEqual, schema.OpLess, schema.OpLessEqual,
		schema.OpIn, schema.OpNotIn:
		return true
	}
	return false
}

// toFloat coerces scalar check values to a number. Handles native Go
// numbers, JSON-decoded values, raw JSON, and numeric strings.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case json.RawMessage:
		return rawToFloat(x)
	case []byte:
		return rawToFloat(x)
	}
	return 0, false
}

func rawToFloat(raw []byte) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var decoded any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return 0, false
	}
	return toFloat(decoded)
}

// toFloatList coerces membership check values to a number list. Accepts
// JSON arrays, Go slices, comma-separated strings, and bare scalars
// (treated as one-element lists).
func toFloatList(v any) ([]float64, bool) {
	switch x := v.(type) {
	case []float64:
		return x, true
	case []int:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out, true
	case string:
		return stringToFloatList(x)
	case []any:
		out := make([]float64, 0, len(x))
		for _, item := range x {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	case json.RawMessage:
		return rawToFloatList(x)
	case []byte:
		return rawToFloatList(x)
	}

	f, ok := toFloat(v)
	if !ok {
		return nil, false
	}
	return []float64{f}, true
}

// stringToFloatList splits comma-separated numeric lists, tolerating
// whitespace padding around entries. A bare numeric string is a
// one-element list.
func stringToFloatList(s string) ([]float64, bool) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func rawToFloatList(raw []byte) ([]float64, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var decoded any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, false
	}
	return toFloatList(decoded)
}

func containsFloat(vals []float64, target float64) bool {
	for _, v := range vals {
		if v == target {
			return true
		}
	}
	return false
}
