// Package ingest implements the ingestion pipeline: load → split → dedup →
// embed → dual-index. Per-file failures are captured and processing
// continues; the pipeline reports partial success instead of throwing.
package ingest

import (
	"context"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/engine/semantic"
	"github.com/LotLogicAI/lotlogic/pkg/embedding"
)

// SourceType selects the load path.
type SourceType string

const (
	SourceText SourceType = "text"
	SourceFile SourceType = "file"
	SourceDir  SourceType = "dir"
	SourceDMS  SourceType = "dms"
)

// Source describes one ingestion request.
type Source struct {
	Type       SourceType     `json:"source_type"`
	Identifier string         `json:"source_identifier,omitempty"` // file or directory path
	Content    string         `json:"content,omitempty"`           // raw text
	Namespace  string         `json:"namespace,omitempty"`
	DocType    string         `json:"doc_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Dedupe     bool           `json:"dedupe,omitempty"`
}

// Document is a pre-chunking text blob with source metadata.
type Document struct {
	Source     string         `json:"source"`
	FileType   string         `json:"file_type,omitempty"`
	DocType    string         `json:"doc_type,omitempty"`
	Content    string         `json:"content"`
	IngestedAt time.Time      `json:"ingested_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Report is the pipeline's result. The pipeline returns no error; it
// accumulates errors and reports how far each stage got.
type Report struct {
	Status             string   `json:"status"` // success, partial_success, failed
	DocumentsProcessed int      `json:"documents_processed"`
	ChunksCreated      int      `json:"chunks_created"`
	VectorsUpserted    int      `json:"vectors_upserted"`
	ChunksIndexed      int      `json:"chunks_indexed"`
	ProcessingTimeMS   int64    `json:"processing_time_ms"`
	Errors             []string `json:"errors,omitempty"`
}

// Embedder is the slice of the embedding client the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string, inputType embedding.InputType) ([][]float32, []error)
	Dimension() int
}

// VectorWriter is the slice of the vector store the pipeline needs.
type VectorWriter interface {
	Upsert(ctx context.Context, namespace string, records []semantic.VectorRecord) (int, []error)
}

// KeywordWriter is the slice of the lexical index the pipeline needs.
type KeywordWriter interface {
	IndexChunks(ctx context.Context, namespace string, chunks []domain.Chunk) (int, []error)
}
