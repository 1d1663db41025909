package redisft

import (
	"fmt"

	"github.com/kailas-cloud/vecpipe/internal/db"
	"github.com/kailas-cloud/vecpipe/internal/domain/schema"
)

// Fallbacks when a spec leaves graph parameters unset.
const (
	defaultHNSWM          = 16
	defaultEFConstruction = 200
	defaultFlatBlockSize  = 1024
)

// buildIndex creates the FT definition for one versioned build of the vector field.
// Ready scalar indexes are added as NUMERIC (sortable for STL_SORT) or TAG fields.
func buildIndex(
	name, prefix string, s schema.CollectionSchema, spec schema.IndexSpec, scalars map[string]schema.IndexSpec,
) (*db.IndexDefinition, error) {
	b := db.NewIndex(name).Prefix(prefix)

	for _, f := range s.Fields {
		sc, ok := scalars[f.Name]
		if !ok {
			continue
		}
		switch f.DataType {
		case schema.Int64, schema.Int32, schema.Float, schema.Double:
			b.Numeric(f.Name, sc.IndexType == schema.IndexSTLSort)
		case schema.VarChar, schema.Bool:
			b.Tag(f.Name)
		default:
			return nil, fmt.Errorf("field %q: %s cannot be indexed", f.Name, f.DataType)
		}
	}

	vf := s.VectorField()
	dist, err := distance(spec.MetricType)
	if err != nil {
		return nil, err
	}

	switch spec.IndexType {
	case schema.IndexGPUCagra, schema.IndexHNSW:
		// max_degree bounds layer-0 edges, which HNSW sets to 2*M.
		m := defaultHNSWM
		if spec.BuildParams.MaxDegree > 0 {
			m = max(spec.BuildParams.MaxDegree/2, 2)
		}
		efc := defaultEFConstruction
		if spec.BuildParams.ConstructionWidth > 0 {
			efc = spec.BuildParams.ConstructionWidth
		}
		b.VectorHNSW(vf.Name, vf.Dim, dist, m, efc, spec.SearchParams.SearchWidth)
	case schema.IndexGPUBruteForce, schema.IndexFlat:
		block := defaultFlatBlockSize
		if spec.BuildParams.BuildBatchSize > 0 {
			block = spec.BuildParams.BuildBatchSize
		}
		b.VectorFlat(vf.Name, vf.Dim, dist, block)
	default:
		return nil, fmt.Errorf("unsupported vector index type %q", spec.IndexType)
	}

	return b.Build()
}

func distance(m schema.MetricType) (db.DistanceMetric, error) {
	switch m {
	case schema.MetricL2:
		return db.DistanceL2, nil
	case schema.MetricIP:
		return db.DistanceIP, nil
	case schema.MetricCosine:
		return db.DistanceCosine, nil
	}
	return "", fmt.Errorf("unsupported metric %q", m)
}

// score converts the server distance into the collection's score convention:
// squared L2 distance as-is, similarity (1 - distance) for IP and COSINE.
func score(m schema.MetricType, d float64) float32 {
	if m == schema.MetricL2 {
		return float32(d)
	}
	return float32(1 - d)
}
