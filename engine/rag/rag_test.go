package rag

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/answer"
	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/engine/dms"
)

type fakeClassifier struct{ intent domain.Intent }

func (f *fakeClassifier) Classify(context.Context, string) domain.Intent { return f.intent }

type fakeRetriever struct {
	docs      []domain.RetrievedDocument
	err       error
	namespace string
	filters   map[string]any
	calls     atomic.Int64
}

func (f *fakeRetriever) Retrieve(_ context.Context, _, namespace string, filters map[string]any, _ int, _ bool) ([]domain.RetrievedDocument, error) {
	f.calls.Add(1)
	f.namespace = namespace
	f.filters = filters
	return f.docs, f.err
}

type fakeGenerator struct {
	lastDocs    []domain.RetrievedDocument
	lastHistory []domain.Turn
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, docs []domain.RetrievedDocument, history []domain.Turn) (answer.Result, error) {
	f.lastDocs = docs
	f.lastHistory = history
	return answer.Result{Answer: "answer [Source: inventory.txt]", Model: "test-model",
		Sources: []answer.Source{{Source: "inventory.txt", Type: "document"}}}, nil
}

func (f *fakeGenerator) GenerateStream(_ context.Context, _ string, docs []domain.RetrievedDocument, _ []domain.Turn, emit func(string)) error {
	f.lastDocs = docs
	emit("streamed")
	return nil
}

// failingDMS rejects every call.
type failingDMS struct{ dms.Adapter }

func (failingDMS) GetInventory(context.Context, map[string]any, int, int) ([]domain.Vehicle, error) {
	return nil, errors.New("circuit breaker is open")
}
func (failingDMS) GetServiceHistory(context.Context, string) ([]domain.ServiceRecord, error) {
	return nil, errors.New("circuit breaker is open")
}
func (failingDMS) HealthCheck(context.Context) bool { return false }

func newService(c Classifier, r Retriever, g Generator, adapter dms.Adapter) *Service {
	return New(c, r, g, adapter, nil, nil, DefaultOptions(), nil)
}

func TestQueryRoutesNamespaceByIntent(t *testing.T) {
	r := &fakeRetriever{docs: []domain.RetrievedDocument{{Text: "doc", Source: "inventory.txt"}}}
	s := newService(&fakeClassifier{intent: domain.Intent{Type: domain.IntentPredictive, Confidence: 0.9}}, r, &fakeGenerator{}, nil)

	resp, err := s.Query(context.Background(), QueryRequest{Query: "demand forecast", IncludeSources: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if r.namespace != "predictive" {
		t.Fatalf("namespace %q", r.namespace)
	}
	if resp.Intent != domain.IntentPredictive || resp.RetrievalMethod != "hybrid_rrf" {
		t.Fatalf("resp: %+v", resp)
	}
	if resp.ConversationID == "" {
		t.Fatal("conversation id should be assigned")
	}
	if len(resp.Sources) != 1 {
		t.Fatalf("sources: %+v", resp.Sources)
	}
}

func TestQueryRejectsBadInput(t *testing.T) {
	s := newService(&fakeClassifier{}, &fakeRetriever{}, &fakeGenerator{}, nil)
	if _, err := s.Query(context.Background(), QueryRequest{Query: strings.Repeat("a", 1001)}); !errors.Is(err, domain.ErrQueryTooLong) {
		t.Fatalf("expected length rejection, got %v", err)
	}
	if _, err := s.Query(context.Background(), QueryRequest{Query: "<script>alert()</script>"}); !errors.Is(err, domain.ErrQueryEmpty) {
		t.Fatalf("script-only query should sanitize to empty, got %v", err)
	}
	if _, err := s.Query(context.Background(), QueryRequest{Query: "ok", TopK: 51}); err == nil {
		t.Fatal("top_k over 50 should be rejected")
	}
}

func TestQueryPrependsDMSDocument(t *testing.T) {
	g := &fakeGenerator{}
	r := &fakeRetriever{docs: []domain.RetrievedDocument{{Text: "indexed doc", Source: "kb.txt"}}}
	s := newService(&fakeClassifier{intent: domain.Intent{Type: domain.IntentInventory, Confidence: 0.8}}, r, g, dms.NewMock())

	if _, err := s.Query(context.Background(), QueryRequest{Query: "what trucks are in stock"}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(g.lastDocs) != 2 {
		t.Fatalf("expected DMS doc + retrieval doc, got %d", len(g.lastDocs))
	}
	if g.lastDocs[0].Source != "DMS" || g.lastDocs[0].DocType != "live_data" {
		t.Fatalf("DMS doc not prepended: %+v", g.lastDocs[0])
	}
	if !strings.Contains(g.lastDocs[0].Text, "get_inventory") {
		t.Fatalf("tool result not serialized: %q", g.lastDocs[0].Text)
	}
}

func TestQueryDMSFailureDegrades(t *testing.T) {
	g := &fakeGenerator{}
	r := &fakeRetriever{docs: []domain.RetrievedDocument{{Text: "indexed doc", Source: "kb.txt"}}}
	s := newService(&fakeClassifier{intent: domain.Intent{Type: domain.IntentInventory, Confidence: 0.8}}, r, g, failingDMS{})

	resp, err := s.Query(context.Background(), QueryRequest{Query: "any sedans available"})
	if err != nil {
		t.Fatalf("DMS failure must not fail the query: %v", err)
	}
	if resp.Answer == "" {
		t.Fatal("answer missing")
	}
	if g.lastDocs[0].DocType != "live_data_error" {
		t.Fatalf("error note missing: %+v", g.lastDocs[0])
	}
}

func TestQueryServiceIntentWithoutVINSkipsDMS(t *testing.T) {
	g := &fakeGenerator{}
	r := &fakeRetriever{docs: []domain.RetrievedDocument{{Text: "doc", Source: "kb.txt"}}}
	s := newService(&fakeClassifier{intent: domain.Intent{Type: domain.IntentService, Confidence: 0.8}}, r, g, failingDMS{})

	if _, err := s.Query(context.Background(), QueryRequest{Query: "when should I rotate tires"}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(g.lastDocs) != 1 {
		t.Fatalf("service intent without a VIN must skip the tool call: %d docs", len(g.lastDocs))
	}
}

func TestQueryServiceIntentWithVINCallsDMS(t *testing.T) {
	g := &fakeGenerator{}
	r := &fakeRetriever{}
	mock := dms.NewMock()
	vehicles, _ := mock.GetInventory(context.Background(), nil, 1, 0)
	vin := vehicles[0].VIN

	s := newService(&fakeClassifier{intent: domain.Intent{
		Type: domain.IntentService, Confidence: 0.8,
		Entities: map[string]any{"vin": vin},
	}}, r, g, mock)

	if _, err := s.Query(context.Background(), QueryRequest{Query: "service history please"}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(g.lastDocs) != 1 || !strings.Contains(g.lastDocs[0].Text, "get_service_history") {
		t.Fatalf("service tool call missing: %+v", g.lastDocs)
	}
}

func TestQueryCallerFiltersWin(t *testing.T) {
	r := &fakeRetriever{}
	s := newService(&fakeClassifier{intent: domain.Intent{
		Type:     domain.IntentGeneral,
		Entities: map[string]any{"make": "Toyota", "year": 2024},
	}}, r, &fakeGenerator{}, nil)

	_, err := s.Query(context.Background(), QueryRequest{
		Query:   "2024 Toyota",
		Filters: map[string]any{"make": "Honda"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if r.filters["make"] != "Honda" {
		t.Fatalf("caller filter should win: %v", r.filters)
	}
	if r.filters["year"] != 2024 {
		t.Fatalf("entity filter should merge: %v", r.filters)
	}
}

func TestQueryRetrievalFailureIsRequestFailure(t *testing.T) {
	r := &fakeRetriever{err: domain.ErrDependencyUnavailable}
	s := newService(&fakeClassifier{}, r, &fakeGenerator{}, nil)
	if _, err := s.Query(context.Background(), QueryRequest{Query: "hello"}); !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestQueryStream(t *testing.T) {
	s := newService(&fakeClassifier{}, &fakeRetriever{}, &fakeGenerator{}, nil)
	var got strings.Builder
	if err := s.QueryStream(context.Background(), QueryRequest{Query: "hello"}, func(chunk string) { got.WriteString(chunk) }); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "streamed" {
		t.Fatalf("got %q", got.String())
	}
}

func TestMergeFiltersDropsVIN(t *testing.T) {
	out := mergeFilters(map[string]any{"vin": "X", "make": "Ford"}, nil)
	if _, ok := out["vin"]; ok {
		t.Fatal("vin must not become an index filter")
	}
	if out["make"] != "Ford" {
		t.Fatalf("make lost: %v", out)
	}
}

func TestQueryTimeBounded(t *testing.T) {
	s := newService(&fakeClassifier{}, &fakeRetriever{}, &fakeGenerator{}, nil)
	start := time.Now()
	if _, err := s.Query(context.Background(), QueryRequest{Query: "quick"}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("query took too long for fake dependencies")
	}
}
