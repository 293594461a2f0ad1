package segmentation

import (
	"math"
	"strconv"

	"github.com/ignite/automation-engine/internal/domain"
)

// Evaluate translates one condition into a predicate. It never fails:
// unknown fields, operations not defined for the field, and values of the
// wrong shape all produce False, because stored filters are loosely typed
// and may outlive the fields they reference.
func Evaluate(cond domain.Condition) Predicate {
	meta := GetFieldMetadata(cond.Field)
	if meta == nil {
		return False
	}

	switch meta.Type {
	case FieldReserved:
		return True
	case FieldString:
		if !meta.Allows(cond.Operation) {
			return False
		}
		value, ok := cond.Value.(string)
		if !ok {
			return False
		}
		return stringPredicate{field: cond.Field, op: cond.Operation, value: value}
	case FieldTags:
		ids, ok := tagIDs(cond.Value)
		if !ok {
			return False
		}
		switch cond.Operation {
		case domain.OpContains, domain.OpEq:
			if len(ids) == 0 {
				return False
			}
			return tagPredicate{tagIDs: ids}
		case domain.OpNotContains:
			if len(ids) == 0 {
				return True
			}
			return tagPredicate{tagIDs: ids, negate: true}
		}
	}
	return False
}

// tagIDs accepts a list of strings or integral numbers. Anything else,
// including a scalar, is a shape mismatch.
func tagIDs(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			id, ok := scalarID(item)
			if !ok {
				return nil, false
			}
			out = append(out, id)
		}
		return out, true
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out, true
	case []float64:
		out := make([]string, 0, len(v))
		for _, n := range v {
			id, ok := scalarID(n)
			if !ok {
				return nil, false
			}
			out = append(out, id)
		}
		return out, true
	}
	return nil, false
}

func scalarID(v any) (string, bool) {
	switch n := v.(type) {
	case string:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return "", false
		}
		return strconv.FormatInt(int64(n), 10), true
	case int:
		return strconv.Itoa(n), true
	case int64:
		return strconv.FormatInt(n, 10), true
	}
	return "", false
}
