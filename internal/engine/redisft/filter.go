package redisft

import (
	"fmt"
	"strconv"

	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
	"github.com/kailas-cloud/vecpipe/internal/domain/search/filter"
)

// rewriteFilter turns equality matches on numeric fields into closed ranges,
// since NUMERIC index fields only answer range queries.
func rewriteFilter(s schema.CollectionSchema, expr filter.Expression) (filter.Expression, error) {
	if expr.IsEmpty() {
		return expr, nil
	}
	must, err := rewriteGroup(s, expr.Must())
	if err != nil {
		return filter.Expression{}, err
	}
	should, err := rewriteGroup(s, expr.Should())
	if err != nil {
		return filter.Expression{}, err
	}
	mustNot, err := rewriteGroup(s, expr.MustNot())
	if err != nil {
		return filter.Expression{}, err
	}
	return filter.NewExpression(must, should, mustNot)
}

func rewriteGroup(s schema.CollectionSchema, conds []filter.Condition) ([]filter.Condition, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	out := make([]filter.Condition, 0, len(conds))
	for _, c := range conds {
		f, ok := s.Field(c.Key())
		if !ok || !c.IsMatch() || !numeric(f.DataType) {
			out = append(out, c)
			continue
		}
		x, err := strconv.ParseFloat(c.Match(), 64)
		if err != nil {
			return nil, &schema.Error{Reason: fmt.Sprintf("filter %q: %q is not a number", c.Key(), c.Match())}
		}
		r, err := filter.NewRangeFilter(nil, &x, nil, &x)
		if err != nil {
			return nil, err
		}
		rc, err := filter.NewRange(c.Key(), r)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}

func numeric(t schema.DataType) bool {
	switch t {
	case schema.Int64, schema.Int32, schema.Float, schema.Double:
		return true
	}
	return false
}
