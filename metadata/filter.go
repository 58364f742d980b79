package metadata

import (
	"encoding/json"
	"strings"
)

// Operator identifies a filter comparison.
type Operator int

const (
	// OpEqual matches values that are exactly equal. This is the only
	// operator required for correctness; the rest are extension points.
	OpEqual Operator = iota
	OpNotEqual
	OpIn
	OpContains
)

func (op Operator) String() string {
	switch op {
	case OpEqual:
		return "eq"
	case OpNotEqual:
		return "neq"
	case OpIn:
		return "in"
	case OpContains:
		return "contains"
	default:
		return "unknown"
	}
}

// Filter is a single metadata predicate.
type Filter struct {
	Key      string   `json:"key"`
	Operator Operator `json:"op"`
	Value    any      `json:"value"`
}

// Eq creates an exact-match filter.
func Eq(key string, value any) Filter {
	return Filter{Key: key, Operator: OpEqual, Value: value}
}

// NotEq creates a negated exact-match filter.
func NotEq(key string, value any) Filter {
	return Filter{Key: key, Operator: OpNotEqual, Value: value}
}

// In creates a membership filter; values lists the accepted candidates.
func In(key string, values ...any) Filter {
	return Filter{Key: key, Operator: OpIn, Value: values}
}

// Contains creates a substring filter for string values.
func Contains(key string, substr string) Filter {
	return Filter{Key: key, Operator: OpContains, Value: substr}
}

// Matches checks if the provided metadata matches this filter.
func (f Filter) Matches(m Metadata) bool {
	value, exists := m[f.Key]
	if !exists {
		return false
	}

	switch f.Operator {
	case OpEqual:
		return compareEqual(value, f.Value)
	case OpNotEqual:
		return !compareEqual(value, f.Value)
	case OpIn:
		candidates, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, c := range candidates {
			if compareEqual(value, c) {
				return true
			}
		}
		return false
	case OpContains:
		s, ok1 := value.(string)
		sub, ok2 := f.Value.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	default:
		return false
	}
}

// FilterSet is a conjunction of filters (AND logic).
type FilterSet struct {
	Filters []Filter `json:"filters"`
}

// NewFilterSet creates a filter set from the given filters.
func NewFilterSet(filters ...Filter) *FilterSet {
	return &FilterSet{Filters: filters}
}

// Matches checks if the provided metadata matches all filters in the set.
func (fs *FilterSet) Matches(m Metadata) bool {
	if fs == nil {
		return true
	}
	for _, f := range fs.Filters {
		if !f.Matches(m) {
			return false
		}
	}
	return true
}

// compareEqual compares two values for exact equality.
//
// JSON round-trips turn all numbers into float64, so numeric comparisons are
// normalized through float64 to keep filters stable across persist/load.
func compareEqual(a, b any) bool {
	if af, aok := asFloat64(a); aok {
		bf, bok := asFloat64(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		// Arrays and nested values: fall back to canonical JSON comparison.
		ab, aerr := json.Marshal(a)
		bb, berr := json.Marshal(b)
		return aerr == nil && berr == nil && string(ab) == string(bb)
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
