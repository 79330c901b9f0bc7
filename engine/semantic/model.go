package semantic

// SearchResult represents a single vector search hit.
type SearchResult struct {
	ID        string         `json:"id"`
	Score     float64        `json:"score"`
	Content   string         `json:"content"`
	Source    string         `json:"source"`
	Namespace string         `json:"namespace"`
	Meta      map[string]any `json:"meta"`
}

// VectorRecord represents a single vector to store.
// Payload must carry text (≤1000 char prefix), source, chunk_index,
// timestamp, namespace, and content_hash; the store enforces namespace.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// Stats summarizes the collection.
type Stats struct {
	TotalVectors int64            `json:"total_vectors"`
	Dimension    int              `json:"dimension"`
	Namespaces   map[string]int64 `json:"namespaces"`
}

// Filters is the metadata filter grammar: plain keys are equality matches;
// keys with a `_min` / `_max` suffix become numeric range conditions on the
// base field.
type Filters map[string]any
