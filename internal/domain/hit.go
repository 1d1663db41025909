package domain

// Hit is one search result. Score is the raw metric value:
// squared euclidean distance for L2 (lower is closer), similarity for IP and COSINE (higher is closer).
type Hit struct {
	DocID  string         `json:"doc_id"`
	Score  float32        `json:"score"`
	Fields map[string]any `json:"fields,omitempty"`
}
