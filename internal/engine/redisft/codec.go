package redisft

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kailas-cloud/vecpipe/internal/db/redis"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

// encodeRecord converts a normalized record into flat hash fields for HSET.
// Numbers are written in a form FT NUMERIC fields parse; BOOL and VARCHAR become TAG values.
func encodeRecord(s schema.CollectionSchema, rec schema.Record) (map[string]string, error) {
	m := make(map[string]string, len(rec))
	for _, f := range s.Fields {
		v, ok := rec[f.Name]
		if !ok {
			continue
		}
		enc, err := encodeValue(f, v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		m[f.Name] = enc
	}
	return m, nil
}

func encodeValue(f schema.FieldDefinition, v any) (string, error) {
	switch f.DataType {
	case schema.Int64, schema.Int32:
		n, ok := v.(int64)
		if !ok {
			return "", fmt.Errorf("expected int64, got %T", v)
		}
		return strconv.FormatInt(n, 10), nil
	case schema.Float, schema.Double:
		x, ok := v.(float64)
		if !ok {
			return "", fmt.Errorf("expected float64, got %T", v)
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case schema.Bool:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("expected bool, got %T", v)
		}
		return strconv.FormatBool(b), nil
	case schema.VarChar:
		str, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", v)
		}
		return str, nil
	case schema.JSON:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case schema.FloatVector:
		vec, ok := v.([]float32)
		if !ok {
			return "", fmt.Errorf("expected []float32, got %T", v)
		}
		return redis.VectorToBytes(vec), nil
	}
	return "", fmt.Errorf("unknown data type %q", f.DataType)
}

// decodeFields converts hash fields back into typed values. Unknown or malformed fields are skipped.
func decodeFields(s schema.CollectionSchema, raw map[string]string, want []string) map[string]any {
	if len(want) == 0 {
		return nil
	}
	out := make(map[string]any, len(want))
	for _, name := range want {
		f, ok := s.Field(name)
		if !ok {
			continue
		}
		str, ok := raw[name]
		if !ok {
			continue
		}
		if v, err := decodeValue(f, str); err == nil {
			out[name] = v
		}
	}
	return out
}

func decodeValue(f schema.FieldDefinition, str string) (any, error) {
	switch f.DataType {
	case schema.Int64, schema.Int32:
		return strconv.ParseInt(str, 10, 64)
	case schema.Float, schema.Double:
		return strconv.ParseFloat(str, 64)
	case schema.Bool:
		return strconv.ParseBool(str)
	case schema.VarChar:
		return str, nil
	case schema.JSON:
		var v any
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, err
		}
		return v, nil
	case schema.FloatVector:
		return redis.BytesToVector(str)
	}
	return nil, fmt.Errorf("unknown data type %q", f.DataType)
}
