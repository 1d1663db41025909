package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/kailas-cloud/vecpipe/internal/domain"
)

// Error is a schema or record validation failure. It matches domain.ErrSchemaInvalid.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "schema invalid: " + e.Reason }

func (e *Error) Unwrap() error { return domain.ErrSchemaInvalid }

// Record maps field names to values. After Normalize, values have canonical Go types:
// int64 (INT64, INT32), float64 (FLOAT, DOUBLE), bool, string, []float32 (FLOAT_VECTOR) and any (JSON).
type Record map[string]any

// Normalize validates rec against the schema and returns a canonical copy.
// The auto-id primary key must be absent; every other field is required.
// A vector of the wrong length fails with *domain.DimensionMismatchError.
func (s CollectionSchema) Normalize(rec Record) (Record, error) {
	out := make(Record, len(s.Fields))
	for name := range rec {
		if _, ok := s.Field(name); !ok {
			return nil, invalid("unknown field %q", name)
		}
	}

	for _, f := range s.Fields {
		v, present := rec[f.Name]
		if f.AutoID {
			if present {
				return nil, invalid("field %q is auto-assigned and must not be supplied", f.Name)
			}
			continue
		}
		if !present || v == nil {
			return nil, invalid("field %q is required", f.Name)
		}

		nv, err := normalizeValue(f, v)
		if err != nil {
			return nil, err
		}
		out[f.Name] = nv
	}
	return out, nil
}

func normalizeValue(f FieldDefinition, v any) (any, error) {
	switch f.DataType {
	case Int64, Int32:
		n, ok := toInt64(v)
		if !ok {
			return nil, invalid("field %q: expected integer, got %T", f.Name, v)
		}
		if f.DataType == Int32 && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, invalid("field %q: value %d overflows INT32", f.Name, n)
		}
		return n, nil
	case Float, Double:
		x, ok := toFloat64(v)
		if !ok {
			return nil, invalid("field %q: expected number, got %T", f.Name, v)
		}
		return x, nil
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid("field %q: expected bool, got %T", f.Name, v)
		}
		return b, nil
	case VarChar:
		str, ok := v.(string)
		if !ok {
			return nil, invalid("field %q: expected string, got %T", f.Name, v)
		}
		if n := utf8.RuneCountInString(str); n > f.MaxLength {
			return nil, invalid("field %q: length %d exceeds max_length %d", f.Name, n, f.MaxLength)
		}
		if f.IsPrimary && str == "" {
			return nil, invalid("field %q: primary key must not be empty", f.Name)
		}
		return str, nil
	case JSON:
		if _, err := json.Marshal(v); err != nil {
			return nil, invalid("field %q: value is not JSON-encodable: %v", f.Name, err)
		}
		return v, nil
	case FloatVector:
		vec, ok := ToVector(v)
		if !ok {
			return nil, invalid("field %q: expected float vector, got %T", f.Name, v)
		}
		if len(vec) != f.Dim {
			return nil, fmt.Errorf("field %q: %w", f.Name,
				&domain.DimensionMismatchError{Expected: f.Dim, Actual: len(vec)})
		}
		return vec, nil
	}
	return nil, invalid("field %q: unknown data type %q", f.Name, f.DataType)
}

// ToVector converts the usual decoded shapes ([]float32, []float64, []any of numbers) to []float32.
func ToVector(v any) ([]float32, bool) {
	switch vec := v.(type) {
	case []float32:
		return append([]float32(nil), vec...), true
	case []float64:
		out := make([]float32, len(vec))
		for i, x := range vec {
			out[i] = float32(x)
		}
		return out, true
	case []any:
		out := make([]float32, len(vec))
		for i, x := range vec {
			f, ok := toFloat64(x)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	}
	return nil, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
