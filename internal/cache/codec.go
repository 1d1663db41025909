package cache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// VectorsCodec stores [][]float32 as little-endian float32 rows prefixed by row count and width.
type VectorsCodec struct{}

// Encode writes count, dim, then count*dim float32 values. Rows must share one width.
func (VectorsCodec) Encode(vecs [][]float32) ([]byte, error) {
	dim := 0
	if len(vecs) > 0 {
		dim = len(vecs[0])
	}
	buf := make([]byte, 8+len(vecs)*dim*4)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(vecs)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(dim))
	off := 8
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("encode vectors: row %d has %d values, want %d", i, len(v), dim)
		}
		for _, f := range v {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(f))
			off += 4
		}
	}
	return buf, nil
}

// Decode reverses Encode.
func (VectorsCodec) Decode(data []byte) ([][]float32, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("invalid vectors cache data: len=%d", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data[0:]))
	dim := int(binary.LittleEndian.Uint32(data[4:]))
	if len(data) != 8+n*dim*4 {
		return nil, fmt.Errorf("invalid vectors cache data: len=%d for %dx%d", len(data), n, dim)
	}
	out := make([][]float32, n)
	off := 8
	for i := range out {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		out[i] = row
	}
	return out, nil
}

// JSONCodec stores values as JSON.
type JSONCodec[V any] struct{}

// Encode marshals v.
func (JSONCodec[V]) Encode(v V) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json cache entry: %w", err)
	}
	return data, nil
}

// Decode unmarshals data.
func (JSONCodec[V]) Decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode json cache entry: %w", err)
	}
	return v, nil
}
