package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/engine/semantic"
	"github.com/LotLogicAI/lotlogic/pkg/embedding"
)

// metadataTextLimit caps the stored text prefix in vector metadata.
const metadataTextLimit = 1000

// Options tunes the pipeline.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{ChunkSize: DefaultChunkSize, ChunkOverlap: DefaultOverlap}
}

// Pipeline runs documents through split, dedup, embed, and dual-index.
type Pipeline struct {
	embedder Embedder
	vectors  VectorWriter
	keywords KeywordWriter
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Pipeline.
func New(embedder Embedder, vectors VectorWriter, keywords KeywordWriter, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkSize <= 0 {
		opts = DefaultOptions()
	}
	return &Pipeline{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest runs one source through the whole pipeline. It never returns an
// error; everything that went wrong is in the report.
func (p *Pipeline) Ingest(ctx context.Context, src Source) Report {
	start := p.now()
	report := Report{Status: "success"}

	namespace, err := domain.CleanNamespace(src.Namespace)
	if err != nil {
		report.Status = "failed"
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	docs, loadErrs := p.load(src)
	for _, e := range loadErrs {
		report.Errors = append(report.Errors, e.Error())
	}
	report.DocumentsProcessed = len(docs)
	if len(docs) == 0 {
		if len(report.Errors) > 0 {
			report.Status = "failed"
		}
		report.ProcessingTimeMS = p.now().Sub(start).Milliseconds()
		return report
	}

	chunks := p.chunkDocuments(docs, namespace, src.Dedupe, &report)
	report.ChunksCreated = len(chunks)
	if len(chunks) == 0 {
		report.ProcessingTimeMS = p.now().Sub(start).Milliseconds()
		return report
	}

	p.indexChunks(ctx, namespace, chunks, &report)

	if len(report.Errors) > 0 {
		report.Status = "partial_success"
	}
	report.ProcessingTimeMS = p.now().Sub(start).Milliseconds()
	return report
}

// IngestDocuments runs pre-built documents (DMS sync, message consumers)
// through the split→index stages.
func (p *Pipeline) IngestDocuments(ctx context.Context, namespace string, docs []Document, dedupe bool) Report {
	start := p.now()
	report := Report{Status: "success", DocumentsProcessed: len(docs)}

	ns, err := domain.CleanNamespace(namespace)
	if err != nil {
		report.Status = "failed"
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	chunks := p.chunkDocuments(docs, ns, dedupe, &report)
	report.ChunksCreated = len(chunks)
	if len(chunks) > 0 {
		p.indexChunks(ctx, ns, chunks, &report)
	}
	if len(report.Errors) > 0 {
		report.Status = "partial_success"
	}
	report.ProcessingTimeMS = p.now().Sub(start).Milliseconds()
	return report
}

func (p *Pipeline) load(src Source) ([]Document, []error) {
	now := p.now().UTC()
	switch src.Type {
	case SourceText:
		if src.Content == "" {
			return nil, []error{fmt.Errorf("ingest: empty text content")}
		}
		source := src.Identifier
		if source == "" {
			source = "inline"
		}
		return []Document{{
			Source:     source,
			DocType:    src.DocType,
			Content:    src.Content,
			IngestedAt: now,
			Metadata:   src.Metadata,
		}}, nil
	case SourceFile:
		docs, err := LoadFile(src.Identifier, src.DocType, src.Metadata, now)
		if err != nil {
			return nil, []error{err}
		}
		return docs, nil
	case SourceDir:
		return LoadDir(src.Identifier, "*", src.DocType, src.Metadata, now)
	default:
		return nil, []error{fmt.Errorf("ingest: unsupported source type %q", src.Type)}
	}
}

// chunkDocuments splits documents, drops oversize bodies, and optionally
// deduplicates by content hash within the submission.
func (p *Pipeline) chunkDocuments(docs []Document, namespace string, dedupe bool, report *Report) []domain.Chunk {
	var chunks []domain.Chunk
	seen := make(map[string]bool)

	for _, doc := range docs {
		if err := domain.ValidateChunkBody(doc.Content); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", doc.Source, err))
			continue
		}

		pieces := SplitText(doc.Content, p.opts.ChunkSize, p.opts.ChunkOverlap)
		for i, text := range pieces {
			if dedupe {
				hash := domain.ContentHash(text)
				if seen[hash] {
					continue
				}
				seen[hash] = true
			}

			meta := make(map[string]any, len(doc.Metadata)+2)
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			meta["chunk_size"] = len(text)
			if doc.FileType != "" {
				meta["file_type"] = doc.FileType
			}

			chunks = append(chunks, domain.Chunk{
				ID:         domain.ChunkID(text, doc.Source),
				Text:       text,
				Source:     doc.Source,
				DocType:    doc.DocType,
				ChunkIndex: i,
				IngestedAt: doc.IngestedAt,
				Namespace:  namespace,
				Metadata:   meta,
			})
		}
	}
	return chunks
}

// indexChunks embeds and writes to both stores. Embedding failures zero-fill
// (so lexical indexing still proceeds); zero vectors are skipped at upsert.
func (p *Pipeline) indexChunks(ctx context.Context, namespace string, chunks []domain.Chunk, report *Report) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, embedErrs := p.embedder.EmbedBatch(ctx, texts, embedding.InputDocument)
	for _, e := range embedErrs {
		report.Errors = append(report.Errors, e.Error())
	}

	records := make([]semantic.VectorRecord, 0, len(chunks))
	for i, c := range chunks {
		if isZero(vectors[i]) {
			continue
		}
		records = append(records, semantic.VectorRecord{
			ID:        c.ID,
			Embedding: vectors[i],
			Payload: vectorPayload(c),
		})
	}

	upserted, upsertErrs := p.vectors.Upsert(ctx, namespace, records)
	report.VectorsUpserted = upserted
	for _, e := range upsertErrs {
		report.Errors = append(report.Errors, e.Error())
	}

	indexed, indexErrs := p.keywords.IndexChunks(ctx, namespace, chunks)
	report.ChunksIndexed = indexed
	for _, e := range indexErrs {
		report.Errors = append(report.Errors, e.Error())
	}

	p.logger.Info("ingest: indexed",
		"namespace", namespace,
		"chunks", len(chunks),
		"vectors", upserted,
		"keyword_docs", indexed,
		"errors", len(report.Errors),
	)
}

// vectorPayload builds the metadata stored beside each vector.
func vectorPayload(c domain.Chunk) map[string]any {
	text := c.Text
	if len(text) > metadataTextLimit {
		text = text[:metadataTextLimit]
	}
	payload := map[string]any{
		"text":         text,
		"source":       c.Source,
		"doc_type":     c.DocType,
		"chunk_index":  c.ChunkIndex,
		"timestamp":    c.IngestedAt.Unix(),
		"content_hash": domain.ContentHash(c.Text),
		"chunk_id":     c.ID,
	}
	for k, v := range c.Metadata {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	return payload
}

func isZero(vec []float32) bool {
	if len(vec) == 0 {
		return true
	}
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
