package filter

import (
	"fmt"
	"strconv"
)

// Definition is the wire form of an Expression as accepted by the HTTP API.
type Definition struct {
	Must    []ConditionDefinition `json:"must,omitempty"`
	Should  []ConditionDefinition `json:"should,omitempty"`
	MustNot []ConditionDefinition `json:"must_not,omitempty"`
}

// ConditionDefinition is one clause. Exactly one of Match and Range must be set.
type ConditionDefinition struct {
	Key   string           `json:"key"`
	Match any              `json:"match,omitempty"`
	Range *RangeDefinition `json:"range,omitempty"`
}

// RangeDefinition is the wire form of Range.
type RangeDefinition struct {
	GT  *float64 `json:"gt,omitempty"`
	GTE *float64 `json:"gte,omitempty"`
	LT  *float64 `json:"lt,omitempty"`
	LTE *float64 `json:"lte,omitempty"`
}

// Compile validates the definition and builds an Expression. A nil definition is the empty filter.
func (d *Definition) Compile() (Expression, error) {
	if d == nil {
		return Expression{}, nil
	}
	must, err := compileGroup(d.Must)
	if err != nil {
		return Expression{}, err
	}
	should, err := compileGroup(d.Should)
	if err != nil {
		return Expression{}, err
	}
	mustNot, err := compileGroup(d.MustNot)
	if err != nil {
		return Expression{}, err
	}
	return NewExpression(must, should, mustNot)
}

func compileGroup(defs []ConditionDefinition) ([]Condition, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]Condition, 0, len(defs))
	for _, cd := range defs {
		c, err := cd.compile()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (cd ConditionDefinition) compile() (Condition, error) {
	switch {
	case cd.Match != nil && cd.Range != nil:
		return Condition{}, fmt.Errorf("filter %q: match and range are mutually exclusive", cd.Key)
	case cd.Range != nil:
		r, err := NewRangeFilter(cd.Range.GT, cd.Range.GTE, cd.Range.LT, cd.Range.LTE)
		if err != nil {
			return Condition{}, fmt.Errorf("filter %q: %w", cd.Key, err)
		}
		return NewRange(cd.Key, r)
	case cd.Match != nil:
		m, err := matchString(cd.Match)
		if err != nil {
			return Condition{}, fmt.Errorf("filter %q: %w", cd.Key, err)
		}
		return NewMatch(cd.Key, m)
	}
	return Condition{}, fmt.Errorf("filter %q: match or range is required", cd.Key)
}

func matchString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported match value %T", v)
}
