// Package rerank provides the cross-encoder re-ranking client.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/LotLogicAI/lotlogic/pkg/fn"
)

const (
	// MaxDocs is the largest candidate list the model accepts.
	MaxDocs = 20
	// MaxDocChars truncates each candidate text.
	MaxDocChars = 2000
	// callTimeout bounds one re-rank call.
	callTimeout = 30 * time.Second
)

var retryOpts = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Second, MaxWait: 8 * time.Second, Jitter: true}

// ErrRerank is returned when the re-rank model fails persistently.
var ErrRerank = errors.New("rerank failed")

// Result scores one candidate: Index refers back to the submitted slice.
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Client calls a cross-encoder re-rank API.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	httpc   *http.Client
}

// New creates a re-rank client.
func New(baseURL, apiKey, model string) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, model: model, httpc: &http.Client{}}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type wireRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type wireResponse struct {
	Results []Result `json:"results"`
}

// Rerank scores candidates against the query, descending by relevance.
// Inputs beyond MaxDocs are dropped and texts are truncated to MaxDocChars
// before submission.
func (c *Client) Rerank(ctx context.Context, query string, docs []string, topN int) ([]Result, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) > MaxDocs {
		docs = docs[:MaxDocs]
	}
	trimmed := make([]string, len(docs))
	for i, d := range docs {
		if len(d) > MaxDocChars {
			d = d[:MaxDocChars]
		}
		trimmed[i] = d
	}
	if topN <= 0 || topN > len(trimmed) {
		topN = len(trimmed)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result := fn.Retry(ctx, retryOpts, func(ctx context.Context) fn.Result[[]Result] {
		return fn.FromPair(c.post(ctx, query, trimmed, topN))
	})
	scores, err := result.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRerank, err)
	}
	return scores, nil
}

func (c *Client) post(ctx context.Context, query string, docs []string, topN int) ([]Result, error) {
	body, _ := json.Marshal(wireRequest{Model: c.model, Query: query, Documents: docs, TopN: topN})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return decoded.Results, nil
}
