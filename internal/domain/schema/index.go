package schema

// IndexType selects the index algorithm for a field.
type IndexType string

// Scalar index types.
const (
	IndexSTLSort  IndexType = "STL_SORT"
	IndexInverted IndexType = "INVERTED"
)

// Vector index types.
const (
	IndexGPUCagra      IndexType = "GPU_CAGRA"
	IndexGPUBruteForce IndexType = "GPU_BRUTE_FORCE"
	IndexFlat          IndexType = "FLAT"
	IndexHNSW          IndexType = "HNSW"
)

// IsVector reports whether the index type applies to FLOAT_VECTOR fields.
func (t IndexType) IsVector() bool {
	switch t {
	case IndexGPUCagra, IndexGPUBruteForce, IndexFlat, IndexHNSW:
		return true
	}
	return false
}

// IsScalar reports whether the index type applies to scalar fields.
func (t IndexType) IsScalar() bool { return t == IndexSTLSort || t == IndexInverted }

// MetricType is the distance function of a vector index.
type MetricType string

// Metric types.
const (
	MetricL2     MetricType = "L2"
	MetricIP     MetricType = "IP"
	MetricCosine MetricType = "COSINE"
)

// Ascending reports whether smaller scores are better (distance) rather than larger (similarity).
func (m MetricType) Ascending() bool { return m == MetricL2 }

// BuildParams are passed through to the engine as-is. GPUDeviceID is device affinity only.
type BuildParams struct {
	GPUDeviceID       int    `json:"gpu_device_id" yaml:"gpu_device_id"`
	BuildBatchSize    int    `json:"build_batch_size,omitempty" yaml:"build_batch_size,omitempty"`
	MaxDegree         int    `json:"max_degree,omitempty" yaml:"max_degree,omitempty"`
	ConstructionWidth int    `json:"construction_width,omitempty" yaml:"construction_width,omitempty"`
	BuildAlgo         string `json:"build_algo,omitempty" yaml:"build_algo,omitempty"`
}

// SearchParams is the recall/latency profile applied at query time.
type SearchParams struct {
	SearchWidth   int `json:"search_width,omitempty" yaml:"search_width,omitempty"`
	ITopKSize     int `json:"itopk_size,omitempty" yaml:"itopk_size,omitempty"`
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// IndexSpec configures the index of one field.
type IndexSpec struct {
	IndexType    IndexType    `json:"index_type" yaml:"index_type"`
	MetricType   MetricType   `json:"metric_type,omitempty" yaml:"metric_type,omitempty"`
	BuildParams  BuildParams  `json:"build_params" yaml:"build_params"`
	SearchParams SearchParams `json:"search_params" yaml:"search_params"`
}

// Equal compares two specs field by field.
func (s IndexSpec) Equal(other IndexSpec) bool { return s == other }

// Validate checks the spec against the field it is attached to.
func (s IndexSpec) Validate(f FieldDefinition) error { return s.validateFor(f) }

func (s IndexSpec) validateFor(f FieldDefinition) error {
	if f.DataType == FloatVector {
		if !s.IndexType.IsVector() {
			return invalid("field %q: index type %q is not a vector index", f.Name, s.IndexType)
		}
		switch s.MetricType {
		case MetricL2, MetricIP, MetricCosine:
		default:
			return invalid("field %q: unknown metric type %q", f.Name, s.MetricType)
		}
		p := s.BuildParams
		if p.BuildBatchSize < 0 || p.MaxDegree < 0 || p.ConstructionWidth < 0 || p.GPUDeviceID < 0 {
			return invalid("field %q: build params must be non-negative", f.Name)
		}
		if p.ConstructionWidth > 0 && p.MaxDegree > p.ConstructionWidth {
			return invalid("field %q: max_degree %d exceeds construction_width %d",
				f.Name, p.MaxDegree, p.ConstructionWidth)
		}
		return nil
	}

	if !s.IndexType.IsScalar() {
		return invalid("field %q: index type %q is not a scalar index", f.Name, s.IndexType)
	}
	if f.DataType == JSON {
		return invalid("field %q: JSON fields cannot be indexed", f.Name)
	}
	if s.IndexType == IndexSTLSort && (f.DataType == VarChar || f.DataType == Bool) {
		return invalid("field %q: STL_SORT requires a numeric field", f.Name)
	}
	return nil
}
