// Package retrieve implements hybrid retrieval: vector and keyword search run
// concurrently, their rankings are fused with weighted reciprocal rank
// fusion, and the fused list is optionally re-ranked by a cross-encoder.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/engine/lexical"
	"github.com/LotLogicAI/lotlogic/engine/semantic"
	"github.com/LotLogicAI/lotlogic/pkg/embedding"
	"github.com/LotLogicAI/lotlogic/pkg/fn"
	"github.com/LotLogicAI/lotlogic/pkg/rerank"
)

// QueryEmbedder embeds query text.
type QueryEmbedder interface {
	EmbedSingle(ctx context.Context, text string, inputType embedding.InputType) ([]float32, error)
}

// VectorSearcher abstracts the vector index client.
type VectorSearcher interface {
	Query(ctx context.Context, namespace string, vector []float32, topK int, filters semantic.Filters) ([]semantic.SearchResult, error)
}

// KeywordSearcher abstracts the lexical index client.
type KeywordSearcher interface {
	Search(ctx context.Context, namespace, query string, topK int, filters map[string]any) ([]lexical.Doc, error)
}

// Reranker abstracts the cross-encoder client.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]rerank.Result, error)
	Model() string
}

// Options tunes the retriever.
type Options struct {
	// TopKRetrieval is the per-branch candidate count before fusion.
	TopKRetrieval int
	// RRFK is the reciprocal-rank-fusion denominator constant.
	RRFK int
	// VectorWeight and BM25Weight scale each branch's RRF contribution.
	VectorWeight float64
	BM25Weight   float64
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{TopKRetrieval: 20, RRFK: 60, VectorWeight: 0.6, BM25Weight: 0.4}
}

// Retriever fuses the two search branches.
type Retriever struct {
	embedder QueryEmbedder
	vectors  VectorSearcher
	keywords KeywordSearcher
	reranker Reranker // nil disables re-ranking
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Retriever. reranker may be nil.
func New(embedder QueryEmbedder, vectors VectorSearcher, keywords KeywordSearcher, reranker Reranker, opts Options, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopKRetrieval <= 0 {
		opts = DefaultOptions()
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		reranker: reranker,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// branch carries one fan-out result.
type branch struct {
	docs []domain.RetrievedDocument
	err  error
}

// Retrieve runs the hybrid pipeline. Either branch may fail and the other
// carries the request; both failing is a dependency error. An empty query
// short-circuits to an empty result.
func (r *Retriever) Retrieve(ctx context.Context, query, namespace string, filters map[string]any, topK int, useRerank bool) ([]domain.RetrievedDocument, error) {
	if query == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}

	results := fn.FanOut(
		func() branch { return r.vectorBranch(ctx, query, namespace, filters) },
		func() branch { return r.keywordBranch(ctx, query, namespace, filters) },
	)
	vec, kw := results[0], results[1]

	if vec.err != nil {
		r.logger.Warn("vector branch failed, continuing keyword-only", "err", vec.err)
	}
	if kw.err != nil {
		r.logger.Warn("keyword branch failed, continuing vector-only", "err", kw.err)
	}
	if vec.err != nil && kw.err != nil {
		return nil, fmt.Errorf("%w: both retrieval branches failed: vector: %v; keyword: %v",
			domain.ErrDependencyUnavailable, vec.err, kw.err)
	}

	fused := r.fuse(vec.docs, kw.docs)
	if len(fused) == 0 {
		return nil, nil
	}

	reranked := false
	if useRerank && r.reranker != nil {
		if ordered, ok := r.rerank(ctx, query, fused); ok {
			fused = ordered
			reranked = true
		}
	}

	if len(fused) > topK {
		fused = fused[:topK]
	}

	stamp := r.now().UTC()
	for i := range fused {
		if fused[i].Metadata == nil {
			fused[i].Metadata = make(map[string]any)
		}
		fused[i].FinalRank = i + 1
		fused[i].Metadata["retrieval_method"] = "hybrid_rrf"
		fused[i].Metadata["namespace"] = namespace
		fused[i].Metadata["retrieval_timestamp"] = stamp.Format(time.RFC3339)
		fused[i].Metadata["reranked"] = reranked
	}
	return fused, nil
}

func (r *Retriever) vectorBranch(ctx context.Context, query, namespace string, filters map[string]any) branch {
	vec, err := r.embedder.EmbedSingle(ctx, query, embedding.InputQuery)
	if err != nil {
		return branch{err: fmt.Errorf("embed query: %w", err)}
	}
	hits, err := r.vectors.Query(ctx, namespace, vec, r.opts.TopKRetrieval, semantic.Filters(filters))
	if err != nil {
		return branch{err: err}
	}
	docs := make([]domain.RetrievedDocument, len(hits))
	for i, h := range hits {
		docs[i] = domain.RetrievedDocument{
			Text:        h.Content,
			Source:      h.Source,
			DocType:     metaString(h.Meta, "doc_type"),
			Metadata:    cloneMeta(h.Meta),
			VectorScore: h.Score,
			VectorRank:  i + 1,
		}
	}
	return branch{docs: docs}
}

func (r *Retriever) keywordBranch(ctx context.Context, query, namespace string, filters map[string]any) branch {
	hits, err := r.keywords.Search(ctx, namespace, query, r.opts.TopKRetrieval, filters)
	if err != nil {
		return branch{err: err}
	}
	docs := make([]domain.RetrievedDocument, len(hits))
	for i, h := range hits {
		docs[i] = domain.RetrievedDocument{
			Text:        h.Content,
			Source:      h.Source,
			DocType:     metaString(h.Meta, "doc_type"),
			Metadata:    cloneMeta(h.Meta),
			BM25Score:   h.BM25Score,
			KeywordRank: i + 1,
		}
	}
	return branch{docs: docs}
}

// fuse merges the two ranked lists with weighted reciprocal rank fusion,
// deduplicating by content hash. Ties break by vector rank, then keyword
// rank for documents neither branch ranked by vector.
func (r *Retriever) fuse(vecDocs, kwDocs []domain.RetrievedDocument) []domain.RetrievedDocument {
	k := float64(r.opts.RRFK)
	merged := make(map[string]*domain.RetrievedDocument)
	order := make([]string, 0, len(vecDocs)+len(kwDocs))

	for i := range vecDocs {
		d := vecDocs[i]
		hash := d.ContentHash()
		d.RRFScore = r.opts.VectorWeight / (k + float64(d.VectorRank))
		merged[hash] = &d
		order = append(order, hash)
	}
	for i := range kwDocs {
		d := kwDocs[i]
		hash := d.ContentHash()
		if existing, ok := merged[hash]; ok {
			existing.RRFScore += r.opts.BM25Weight / (k + float64(d.KeywordRank))
			existing.BM25Score = d.BM25Score
			existing.KeywordRank = d.KeywordRank
			continue
		}
		d.RRFScore = r.opts.BM25Weight / (k + float64(d.KeywordRank))
		merged[hash] = &d
		order = append(order, hash)
	}

	out := make([]domain.RetrievedDocument, 0, len(order))
	for _, hash := range order {
		out = append(out, *merged[hash])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RRFScore != out[j].RRFScore {
			return out[i].RRFScore > out[j].RRFScore
		}
		// Equal composites: an existing vector rank wins; lower is better.
		vi, vj := out[i].VectorRank, out[j].VectorRank
		switch {
		case vi > 0 && vj > 0:
			return vi < vj
		case vi > 0:
			return true
		case vj > 0:
			return false
		default:
			return out[i].KeywordRank < out[j].KeywordRank
		}
	})
	return out
}

// rerank reorders the fused list by cross-encoder relevance. Any failure
// falls back to the fused order.
func (r *Retriever) rerank(ctx context.Context, query string, fused []domain.RetrievedDocument) ([]domain.RetrievedDocument, bool) {
	n := min(len(fused), rerank.MaxDocs)
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		texts[i] = fused[i].Text
	}

	scores, err := r.reranker.Rerank(ctx, query, texts, n)
	if err != nil {
		r.logger.Warn("rerank failed, using fused order", "err", err)
		return nil, false
	}
	if len(scores) == 0 {
		return nil, false
	}

	out := make([]domain.RetrievedDocument, 0, len(fused))
	taken := make(map[int]bool, len(scores))
	for pos, s := range scores {
		if s.Index < 0 || s.Index >= n || taken[s.Index] {
			continue
		}
		taken[s.Index] = true
		d := fused[s.Index]
		d.RerankScore = s.RelevanceScore
		d.RerankPosition = pos + 1
		if d.Metadata == nil {
			d.Metadata = make(map[string]any)
		}
		d.Metadata["rerank_model"] = r.reranker.Model()
		out = append(out, d)
	}
	// Candidates the model didn't score, and those beyond the re-rank
	// window, keep their fused order behind the scored ones.
	for i := 0; i < n; i++ {
		if !taken[i] {
			out = append(out, fused[i])
		}
	}
	for i := n; i < len(fused); i++ {
		out = append(out, fused[i])
	}
	return out, true
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
