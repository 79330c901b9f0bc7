// Package embedding provides the REST embedding client with a
// content-addressed cache, bounded retries, and batch support.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/fn"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// InputType distinguishes document ingestion from query embedding; the model
// prepends a different instruction per type.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

const (
	// DefaultBatchSize is the max texts per remote call.
	DefaultBatchSize = 128
	// singleTimeout is the hard deadline for one-text calls.
	singleTimeout = 30 * time.Second
	// batchTimeout is the hard deadline for batch calls.
	batchTimeout = 60 * time.Second
	// cacheTTL is how long cached vectors live.
	cacheTTL = 24 * time.Hour
)

var retryOpts = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Second, MaxWait: 8 * time.Second, Jitter: true}

// ErrEmbedding is returned when the remote model fails persistently.
var ErrEmbedding = errors.New("embedding generation failed")

// Cache stores serialized vectors keyed by content hash. A redis-backed
// implementation lives in cache.go; tests use an in-memory one.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

// Stats is a snapshot of client counters.
type Stats struct {
	Generations int64   `json:"generations"`
	APICalls    int64   `json:"api_calls"`
	APIErrors   int64   `json:"api_errors"`
	CacheHits   int64   `json:"cache_hits"`
	CacheMisses int64   `json:"cache_misses"`
	HitRate     float64 `json:"cache_hit_rate"`
	ErrorRate   float64 `json:"error_rate"`
}

// Client calls a REST embedding API.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	httpc   *http.Client
	cache   Cache
	breaker *resilience.Breaker
	logger  *slog.Logger

	generations atomic.Int64
	apiCalls    atomic.Int64
	apiErrors   atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// New creates an embedding client. cache and breaker may be nil.
func New(baseURL, apiKey, model string, dim int, cache Cache, breaker *resilience.Breaker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dim:     dim,
		httpc:   &http.Client{},
		cache:   cache,
		breaker: breaker,
		logger:  logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Dimension returns the configured vector dimension.
func (c *Client) Dimension() int { return c.dim }

// CacheKey derives the cache key for a text under the configured model. The
// model name is part of the key so a model swap can never serve stale vectors.
func (c *Client) CacheKey(text string) string {
	sum := sha256.Sum256([]byte(c.model + ":" + text))
	return "embedding:v1:" + hex.EncodeToString(sum[:])[:32]
}

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedSingle embeds one text. Empty or oversize input is rejected; cache is
// consulted first; remote failures are retried with exponential backoff.
func (c *Client) EmbedSingle(ctx context.Context, text string, inputType InputType) ([]float32, error) {
	if text == "" {
		return nil, domain.ErrEmbeddingEmpty
	}
	if utf8.RuneCountInString(text) > domain.MaxChunkBodyRunes {
		return nil, domain.ErrBodyTooLarge
	}

	key := c.CacheKey(text)
	if vec, ok := c.cacheGet(ctx, key); ok {
		return vec, nil
	}

	ctx, cancel := context.WithTimeout(ctx, singleTimeout)
	defer cancel()

	result := fn.Retry(ctx, retryOpts, func(ctx context.Context) fn.Result[[][]float32] {
		return fn.FromPair(c.call(ctx, []string{text}, inputType))
	})
	vecs, err := result.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: got %d vectors for one input", ErrEmbedding, len(vecs))
	}

	vec := vecs[0]
	if c.dim > 0 && len(vec) != c.dim {
		// Dimension mismatch is logged, not fatal: the index client rejects
		// the record later if the store disagrees.
		c.logger.Warn("embedding dimension mismatch", "want", c.dim, "got", len(vec))
	}
	c.generations.Add(1)
	c.cachePut(ctx, key, vec)
	return vec, nil
}

// EmbedBatch embeds texts preserving input order. Empty or oversize entries
// get a zero-vector placeholder so downstream indexing keeps its alignment;
// cached entries shrink the outgoing request. A failed remote batch zero-fills
// its uncached slots and reports the error without failing the whole call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, inputType InputType) ([][]float32, []error) {
	out := make([][]float32, len(texts))
	var errs []error

	// Resolve cache hits and invalid entries up front.
	pending := make([]int, 0, len(texts))
	for i, text := range texts {
		switch {
		case text == "" || utf8.RuneCountInString(text) > domain.MaxChunkBodyRunes:
			out[i] = make([]float32, c.dim)
		default:
			if vec, ok := c.cacheGet(ctx, c.CacheKey(text)); ok {
				out[i] = vec
			} else {
				pending = append(pending, i)
			}
		}
	}

	for start := 0; start < len(pending); start += DefaultBatchSize {
		end := min(start+DefaultBatchSize, len(pending))
		batch := pending[start:end]

		inputs := make([]string, len(batch))
		for j, idx := range batch {
			inputs[j] = texts[idx]
		}

		callCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		result := fn.Retry(callCtx, retryOpts, func(ctx context.Context) fn.Result[[][]float32] {
			return fn.FromPair(c.call(ctx, inputs, inputType))
		})
		cancel()

		vecs, err := result.Unwrap()
		if err != nil || len(vecs) != len(batch) {
			if err == nil {
				err = fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbedding, len(vecs), len(batch))
			}
			c.logger.Error("embed batch failed, zero-filling", "size", len(batch), "err", err)
			errs = append(errs, err)
			for _, idx := range batch {
				out[idx] = make([]float32, c.dim)
			}
			continue
		}

		for j, idx := range batch {
			out[idx] = vecs[j]
			c.generations.Add(1)
			c.cachePut(ctx, c.CacheKey(texts[idx]), vecs[j])
		}
	}
	return out, errs
}

// call issues one remote request, optionally gated by the circuit breaker.
func (c *Client) call(ctx context.Context, inputs []string, inputType InputType) ([][]float32, error) {
	do := func(ctx context.Context) ([][]float32, error) {
		c.apiCalls.Add(1)
		vecs, err := c.post(ctx, inputs, inputType)
		if err != nil {
			c.apiErrors.Add(1)
		}
		return vecs, err
	}
	if c.breaker == nil {
		return do(ctx)
	}
	result := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[[][]float32] {
		return fn.FromPair(do(ctx))
	})
	return result.Unwrap()
}

func (c *Client) post(ctx context.Context, inputs []string, inputType InputType) ([][]float32, error) {
	body, _ := json.Marshal(embedRequest{Model: c.model, Input: inputs, InputType: string(inputType)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: status %d", resp.StatusCode)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("embed decode: %w", err)
	}
	return decoded.Embeddings, nil
}

func (c *Client) cacheGet(ctx context.Context, key string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	raw, ok := c.cache.Get(ctx, key)
	if !ok {
		c.cacheMisses.Add(1)
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		c.cacheMisses.Add(1)
		return nil, false
	}
	c.cacheHits.Add(1)
	return vec, true
}

func (c *Client) cachePut(ctx context.Context, key string, vec []float32) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	c.cache.Set(ctx, key, raw, cacheTTL)
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	s := Stats{
		Generations: c.generations.Load(),
		APICalls:    c.apiCalls.Load(),
		APIErrors:   c.apiErrors.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
	}
	if lookups := s.CacheHits + s.CacheMisses; lookups > 0 {
		s.HitRate = float64(s.CacheHits) / float64(lookups)
	}
	if s.APICalls > 0 {
		s.ErrorRate = float64(s.APIErrors) / float64(s.APICalls)
	}
	return s
}
