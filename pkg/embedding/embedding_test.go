package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
)

// fakeModel serves deterministic 4-dim vectors: [len(text), i, 0, 1].
func fakeModel(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vecs := make([][]float32, len(req.Input))
		for i, text := range req.Input {
			vecs[i] = []float32{float32(len(text)), float32(i), 0, 1}
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: vecs})
	}))
}

func TestEmbedSingleRejectsEmpty(t *testing.T) {
	c := New("http://unused", "", "test-model", 4, nil, nil, nil)
	if _, err := c.EmbedSingle(context.Background(), "", InputQuery); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestEmbedSingleCacheHitBitwiseEqual(t *testing.T) {
	var calls atomic.Int64
	srv := fakeModel(t, &calls)
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 4, NewMemCache(), nil, nil)
	ctx := context.Background()

	first, err := c.EmbedSingle(ctx, "camry brake pads", InputDocument)
	if err != nil {
		t.Fatalf("first embed: %v", err)
	}
	second, err := c.EmbedSingle(ctx, "camry brake pads", InputDocument)
	if err != nil {
		t.Fatalf("second embed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("cached vector differs from original")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 remote call, got %d", calls.Load())
	}
	if s := c.Stats(); s.CacheHits != 1 {
		t.Fatalf("expected 1 cache hit, got %+v", s)
	}
}

func TestCacheKeyIncludesModel(t *testing.T) {
	a := New("", "", "model-a", 4, nil, nil, nil)
	b := New("", "", "model-b", 4, nil, nil, nil)
	if a.CacheKey("same text") == b.CacheKey("same text") {
		t.Fatal("different models must not share cache keys")
	}
	if !strings.HasPrefix(a.CacheKey("x"), "embedding:v1:") {
		t.Fatalf("unexpected key shape: %s", a.CacheKey("x"))
	}
}

func TestEmbedBatchSplitsAt128(t *testing.T) {
	var calls atomic.Int64
	srv := fakeModel(t, &calls)
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 4, nil, nil, nil)

	texts := make([]string, 129)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	vecs, errs := c.EmbedBatch(context.Background(), texts, InputDocument)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(vecs) != 129 {
		t.Fatalf("expected 129 vectors, got %d", len(vecs))
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 remote calls (128+1), got %d", calls.Load())
	}
	// Order preserved: vector i encodes len(texts[i]).
	for i, v := range vecs {
		if int(v[0]) != i+1 {
			t.Fatalf("vector %d out of order: %v", i, v)
		}
	}
}

func TestEmbedBatchZeroFillsEmptyEntries(t *testing.T) {
	var calls atomic.Int64
	srv := fakeModel(t, &calls)
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 4, nil, nil, nil)
	vecs, errs := c.EmbedBatch(context.Background(), []string{"a", "", "b"}, InputDocument)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !reflect.DeepEqual(vecs[1], make([]float32, 4)) {
		t.Fatalf("empty entry should be a zero vector, got %v", vecs[1])
	}
	if vecs[0][0] != 1 || vecs[2][0] != 1 {
		t.Fatal("non-empty entries mis-aligned")
	}
}

func TestEmbedBatchZeroFillsOnRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "test-model", 4, nil, nil, nil)
	vecs, errs := c.EmbedBatch(context.Background(), []string{"a", "b"}, InputDocument)
	if len(errs) != 1 {
		t.Fatalf("expected 1 recorded error, got %v", errs)
	}
	for i, v := range vecs {
		if !reflect.DeepEqual(v, make([]float32, 4)) {
			t.Fatalf("slot %d should be zero-filled, got %v", i, v)
		}
	}
}
