// Package filter holds the scalar pre-filter applied to vector searches.
// Conditions reference indexed scalar fields; the same expression is evaluated
// in-process by the memory engine and translated to FT.SEARCH syntax by the redis engine.
package filter

import (
	"fmt"
	"strconv"
)

// MaxConditionsPerGroup is the maximum number of conditions per filter group.
const MaxConditionsPerGroup = 32

// Expression is a structured filter with must/should/must_not boolean semantics.
type Expression struct {
	must    []Condition
	should  []Condition
	mustNot []Condition
}

// NewExpression validates and creates a filter Expression.
func NewExpression(must, should, mustNot []Condition) (Expression, error) {
	for name, group := range map[string][]Condition{"must": must, "should": should, "must_not": mustNot} {
		if len(group) > MaxConditionsPerGroup {
			return Expression{}, fmt.Errorf("too many %s conditions (max %d)", name, MaxConditionsPerGroup)
		}
	}
	return Expression{must: must, should: should, mustNot: mustNot}, nil
}

// Must returns the must conditions.
func (e Expression) Must() []Condition { return e.must }

// Should returns the should conditions.
func (e Expression) Should() []Condition { return e.should }

// MustNot returns the must-not conditions.
func (e Expression) MustNot() []Condition { return e.mustNot }

// IsEmpty reports whether the expression has no conditions.
func (e Expression) IsEmpty() bool {
	return len(e.must) == 0 && len(e.should) == 0 && len(e.mustNot) == 0
}

// Keys returns every field name the expression references, without duplicates.
func (e Expression) Keys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, group := range [][]Condition{e.must, e.should, e.mustNot} {
		for _, c := range group {
			if !seen[c.key] {
				seen[c.key] = true
				keys = append(keys, c.key)
			}
		}
	}
	return keys
}

// Lookup resolves a field value of the record under test.
type Lookup func(key string) (any, bool)

// Eval reports whether a record satisfies the expression.
// All must conditions hold, at least one should condition holds (when any are given)
// and no must_not condition holds.
func (e Expression) Eval(get Lookup) bool {
	for _, c := range e.must {
		if !c.Eval(get) {
			return false
		}
	}
	if len(e.should) > 0 {
		hit := false
		for _, c := range e.should {
			if c.Eval(get) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, c := range e.mustNot {
		if c.Eval(get) {
			return false
		}
	}
	return true
}

// Condition is a single filter clause: either an exact match or a numeric range.
type Condition struct {
	key       string
	match     string
	rangeExpr *Range
}

// NewMatch creates an exact match condition. Bool fields match "true" or "false".
func NewMatch(key, match string) (Condition, error) {
	if key == "" {
		return Condition{}, fmt.Errorf("filter key is required")
	}
	if match == "" {
		return Condition{}, fmt.Errorf("match value is required for key %q", key)
	}
	return Condition{key: key, match: match}, nil
}

// NewRange creates a numeric range condition.
func NewRange(key string, r Range) (Condition, error) {
	if key == "" {
		return Condition{}, fmt.Errorf("filter key is required")
	}
	return Condition{key: key, rangeExpr: &r}, nil
}

// Key returns the field name.
func (c Condition) Key() string { return c.key }

// Match returns the exact match value.
func (c Condition) Match() string { return c.match }

// Range returns the numeric range expression.
func (c Condition) Range() *Range { return c.rangeExpr }

// IsMatch reports whether this is a match condition.
func (c Condition) IsMatch() bool { return c.match != "" }

// IsRange reports whether this is a range condition.
func (c Condition) IsRange() bool { return c.rangeExpr != nil }

// Eval tests a single record. A missing field never matches.
func (c Condition) Eval(get Lookup) bool {
	v, ok := get(c.key)
	if !ok {
		return false
	}
	if c.IsRange() {
		x, ok := number(v)
		return ok && c.rangeExpr.Contains(x)
	}
	return formatValue(v) == c.match
}

// Range is a numeric range with gt/gte/lt/lte boundaries.
type Range struct {
	gt  *float64
	gte *float64
	lt  *float64
	lte *float64
}

// NewRangeFilter validates and creates a Range.
// At least one boundary required. gt/gte and lt/lte are mutually exclusive.
func NewRangeFilter(gt, gte, lt, lte *float64) (Range, error) {
	if gt == nil && gte == nil && lt == nil && lte == nil {
		return Range{}, fmt.Errorf("at least one range boundary is required")
	}
	if gt != nil && gte != nil {
		return Range{}, fmt.Errorf("cannot specify both gt and gte")
	}
	if lt != nil && lte != nil {
		return Range{}, fmt.Errorf("cannot specify both lt and lte")
	}
	return Range{gt: gt, gte: gte, lt: lt, lte: lte}, nil
}

// GT returns the lower exclusive bound.
func (r Range) GT() *float64 { return r.gt }

// GTE returns the lower inclusive bound.
func (r Range) GTE() *float64 { return r.gte }

// LT returns the upper exclusive bound.
func (r Range) LT() *float64 { return r.lt }

// LTE returns the upper inclusive bound.
func (r Range) LTE() *float64 { return r.lte }

// Contains reports whether x lies within every bound.
func (r Range) Contains(x float64) bool {
	switch {
	case r.gt != nil && x <= *r.gt:
		return false
	case r.gte != nil && x < *r.gte:
		return false
	case r.lt != nil && x >= *r.lt:
		return false
	case r.lte != nil && x > *r.lte:
		return false
	}
	return true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// formatValue renders a scalar the way match values are written.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}
