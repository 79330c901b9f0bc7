package retrieve

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/engine/lexical"
	"github.com/LotLogicAI/lotlogic/engine/semantic"
	"github.com/LotLogicAI/lotlogic/pkg/embedding"
	"github.com/LotLogicAI/lotlogic/pkg/rerank"
)

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) EmbedSingle(context.Context, string, embedding.InputType) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeVectors struct {
	hits []semantic.SearchResult
	err  error
}

func (f *fakeVectors) Query(context.Context, string, []float32, int, semantic.Filters) ([]semantic.SearchResult, error) {
	return f.hits, f.err
}

type fakeKeywords struct {
	hits []lexical.Doc
	err  error
}

func (f *fakeKeywords) Search(context.Context, string, string, int, map[string]any) ([]lexical.Doc, error) {
	return f.hits, f.err
}

type fakeReranker struct {
	results []rerank.Result
	err     error
}

func (f *fakeReranker) Rerank(context.Context, string, []string, int) ([]rerank.Result, error) {
	return f.results, f.err
}
func (f *fakeReranker) Model() string { return "test-cross-encoder" }

func vecHit(text string, score float64) semantic.SearchResult {
	return semantic.SearchResult{Content: text, Source: "vec.txt", Score: score, Meta: map[string]any{}}
}

func kwHit(text string, score float64) lexical.Doc {
	return lexical.Doc{Content: text, Source: "kw.txt", BM25Score: score, Meta: map[string]any{}}
}

func newRetriever(v *fakeVectors, k *fakeKeywords, rr Reranker) *Retriever {
	return New(&fakeEmbedder{}, v, k, rr, DefaultOptions(), nil)
}

func TestEmptyQueryShortCircuits(t *testing.T) {
	r := newRetriever(&fakeVectors{err: errors.New("must not be called")}, &fakeKeywords{}, nil)
	docs, err := r.Retrieve(context.Background(), "", "default", nil, 5, false)
	if err != nil || docs != nil {
		t.Fatalf("empty query should return nil, nil; got %v, %v", docs, err)
	}
}

func TestRRFMathAndOrdering(t *testing.T) {
	// "shared" appears at vector rank 1 and keyword rank 1:
	// 0.6/61 + 0.4/61. "vec-only" gets 0.6/62, "kw-only" 0.4/62.
	v := &fakeVectors{hits: []semantic.SearchResult{vecHit("shared", 0.9), vecHit("vec-only", 0.8)}}
	k := &fakeKeywords{hits: []lexical.Doc{kwHit("shared", 12.0), kwHit("kw-only", 8.0)}}
	r := newRetriever(v, k, nil)

	docs, err := r.Retrieve(context.Background(), "query", "default", nil, 5, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 deduplicated docs, got %d", len(docs))
	}
	if docs[0].Text != "shared" {
		t.Fatalf("doc ranked by both branches should fuse first, got %q", docs[0].Text)
	}
	want := 0.6/61 + 0.4/61
	if math.Abs(docs[0].RRFScore-want) > 1e-12 {
		t.Fatalf("rrf score = %v, want %v", docs[0].RRFScore, want)
	}
	if docs[0].VectorRank != 1 || docs[0].KeywordRank != 1 {
		t.Fatalf("branch ranks lost: %+v", docs[0])
	}
	// Sorted non-increasing by composite.
	for i := 1; i < len(docs); i++ {
		if docs[i].RRFScore > docs[i-1].RRFScore {
			t.Fatalf("not sorted at %d", i)
		}
	}
	// final_rank and stamps present.
	for i, d := range docs {
		if d.FinalRank != i+1 {
			t.Fatalf("final rank wrong at %d: %d", i, d.FinalRank)
		}
		if d.Metadata["retrieval_method"] != "hybrid_rrf" || d.Metadata["namespace"] != "default" {
			t.Fatalf("stamps missing: %v", d.Metadata)
		}
		if d.Metadata["reranked"] != false {
			t.Fatalf("reranked flag wrong: %v", d.Metadata["reranked"])
		}
	}
}

func TestTieBreakPrefersVectorRank(t *testing.T) {
	// Same weights on both sides produce equal composites at equal ranks.
	r := New(&fakeEmbedder{},
		&fakeVectors{hits: []semantic.SearchResult{vecHit("alpha", 0.9)}},
		&fakeKeywords{hits: []lexical.Doc{kwHit("beta", 5.0)}},
		nil,
		Options{TopKRetrieval: 20, RRFK: 60, VectorWeight: 0.5, BM25Weight: 0.5},
		nil)
	docs, err := r.Retrieve(context.Background(), "q", "default", nil, 5, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if docs[0].Text != "alpha" {
		t.Fatalf("vector-ranked doc should win the tie, got %q", docs[0].Text)
	}
}

func TestBranchFailureTolerated(t *testing.T) {
	v := &fakeVectors{err: errors.New("vector store down")}
	k := &fakeKeywords{hits: []lexical.Doc{kwHit("still here", 3.0)}}
	docs, err := newRetriever(v, k, nil).Retrieve(context.Background(), "q", "default", nil, 5, false)
	if err != nil {
		t.Fatalf("single branch failure must not fail retrieval: %v", err)
	}
	if len(docs) != 1 || docs[0].Text != "still here" {
		t.Fatalf("keyword branch should carry the request: %v", docs)
	}
}

func TestBothBranchesFailingIsError(t *testing.T) {
	v := &fakeVectors{err: errors.New("down")}
	k := &fakeKeywords{err: errors.New("also down")}
	_, err := newRetriever(v, k, nil).Retrieve(context.Background(), "q", "default", nil, 5, false)
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestBothBranchesEmpty(t *testing.T) {
	docs, err := newRetriever(&fakeVectors{}, &fakeKeywords{}, nil).Retrieve(context.Background(), "q", "default", nil, 5, false)
	if err != nil || len(docs) != 0 {
		t.Fatalf("expected empty result, got %v, %v", docs, err)
	}
}

func TestRerankReorders(t *testing.T) {
	v := &fakeVectors{hits: []semantic.SearchResult{vecHit("first", 0.9), vecHit("second", 0.8)}}
	rr := &fakeReranker{results: []rerank.Result{
		{Index: 1, RelevanceScore: 0.99},
		{Index: 0, RelevanceScore: 0.42},
	}}
	docs, err := newRetriever(v, &fakeKeywords{}, rr).Retrieve(context.Background(), "q", "default", nil, 5, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if docs[0].Text != "second" {
		t.Fatalf("rerank order ignored: %v", docs[0].Text)
	}
	if docs[0].RerankScore != 0.99 || docs[0].RerankPosition != 1 {
		t.Fatalf("rerank annotations missing: %+v", docs[0])
	}
	if docs[0].Metadata["rerank_model"] != "test-cross-encoder" {
		t.Fatalf("model name missing: %v", docs[0].Metadata)
	}
	if docs[0].Metadata["reranked"] != true {
		t.Fatal("reranked flag should be true")
	}
}

func TestRerankFailureFallsBackToFusedOrder(t *testing.T) {
	v := &fakeVectors{hits: []semantic.SearchResult{vecHit("first", 0.9), vecHit("second", 0.8)}}
	rr := &fakeReranker{err: errors.New("cross-encoder down")}
	docs, err := newRetriever(v, &fakeKeywords{}, rr).Retrieve(context.Background(), "q", "default", nil, 5, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if docs[0].Text != "first" {
		t.Fatalf("fused order lost on rerank failure: %v", docs[0].Text)
	}
	if docs[0].Metadata["reranked"] != false {
		t.Fatal("reranked flag should be false after fallback")
	}
}

func TestTopKTruncation(t *testing.T) {
	var hits []semantic.SearchResult
	for i := 0; i < 10; i++ {
		hits = append(hits, vecHit(string(rune('a'+i))+" doc", 1.0-float64(i)/10))
	}
	docs, err := newRetriever(&fakeVectors{hits: hits}, &fakeKeywords{}, nil).
		Retrieve(context.Background(), "q", "default", nil, 3, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
}

func TestFewerDocsThanTopK(t *testing.T) {
	docs, err := newRetriever(
		&fakeVectors{hits: []semantic.SearchResult{vecHit("only", 0.5)}},
		&fakeKeywords{}, nil).
		Retrieve(context.Background(), "q", "default", nil, 20, false)
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected the 1 available doc, got %v, %v", docs, err)
	}
}
