// Package rag orchestrates the query pipeline: sanitize → classify → select
// namespace → hybrid retrieval in parallel with a DMS tool call → grounded
// generation. Partial failures degrade the context, never the request.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LotLogicAI/lotlogic/engine/answer"
	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/engine/dms"
	"github.com/LotLogicAI/lotlogic/pkg/convo"
	"github.com/LotLogicAI/lotlogic/pkg/fn"
)

// dmsTimeout bounds the tool call; expiry degrades to a synthetic note.
const dmsTimeout = 10 * time.Second

// Classifier resolves query intent.
type Classifier interface {
	Classify(ctx context.Context, query string) domain.Intent
}

// Retriever runs hybrid retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, query, namespace string, filters map[string]any, topK int, useRerank bool) ([]domain.RetrievedDocument, error)
}

// Generator produces grounded answers.
type Generator interface {
	Generate(ctx context.Context, query string, docs []domain.RetrievedDocument, history []domain.Turn) (answer.Result, error)
	GenerateStream(ctx context.Context, query string, docs []domain.RetrievedDocument, history []domain.Turn, emit func(string)) error
}

// Options tunes the orchestrator.
type Options struct {
	TopK         int  // final document cut
	UseRerank    bool // toggle cross-encoder re-ranking
	QueryTimeout time.Duration
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{TopK: 5, UseRerank: true, QueryTimeout: 30 * time.Second}
}

// Service is the query orchestrator.
type Service struct {
	classifier Classifier
	retriever  Retriever
	generator  Generator
	adapter    dms.Adapter   // nil disables tool calls
	history    *convo.Store  // nil disables conversation memory
	answers    *convo.AnswerCache // nil disables the answer cache
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// New creates the orchestrator. adapter, history, and answers may be nil.
func New(classifier Classifier, retriever Retriever, generator Generator, adapter dms.Adapter, history *convo.Store, answers *convo.AnswerCache, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts = DefaultOptions()
	}
	return &Service{
		classifier: classifier,
		retriever:  retriever,
		generator:  generator,
		adapter:    adapter,
		history:    history,
		answers:    answers,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// QueryRequest is one user query.
type QueryRequest struct {
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Filters        map[string]any `json:"filters,omitempty"`
	TopK           int            `json:"top_k,omitempty"`
	IncludeSources bool           `json:"include_sources"`
}

// QueryResponse is the structured answer.
type QueryResponse struct {
	Answer           string            `json:"answer"`
	Sources          []answer.Source   `json:"sources,omitempty"`
	ConversationID   string            `json:"conversation_id"`
	QueryTimeMS      int64             `json:"query_time_ms"`
	ModelUsed        string            `json:"model_used"`
	Intent           domain.IntentType `json:"intent"`
	IntentConfidence float64           `json:"intent_confidence"`
	RetrievalMethod  string            `json:"retrieval_method"`
	Cached           bool              `json:"cached,omitempty"`
}

// Query runs the full pipeline for one request.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := s.now()

	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	query, err := domain.SanitizeQuery(req.Query)
	if err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.opts.TopK
	}
	if topK > 50 {
		return nil, domain.NewValidationError("top_k", fmt.Sprint(topK), domain.ErrValidation)
	}

	// Multi-turn context changes the right answer, so the cache only serves
	// conversation-less queries.
	if req.ConversationID == "" && s.answers != nil {
		var cached QueryResponse
		if s.answers.Get(ctx, query, &cached) {
			cached.Cached = true
			cached.QueryTimeMS = s.now().Sub(start).Milliseconds()
			return &cached, nil
		}
	}

	intent := s.classifier.Classify(ctx, query)
	namespace := intent.Type.Namespace()
	filters := mergeFilters(intent.Entities, req.Filters)

	// Retrieval and the DMS tool call are independent; run them together.
	type retrieval struct {
		docs []domain.RetrievedDocument
		err  error
	}
	results := fn.FanOut(
		func() any {
			docs, err := s.retriever.Retrieve(ctx, query, namespace, filters, topK, s.opts.UseRerank)
			return retrieval{docs: docs, err: err}
		},
		func() any {
			return s.callDMS(ctx, query, intent, filters)
		},
	)
	ret := results[0].(retrieval)
	if ret.err != nil {
		return nil, fmt.Errorf("rag: retrieval: %w", ret.err)
	}

	docs := ret.docs
	if toolDoc, ok := results[1].(*domain.RetrievedDocument); ok && toolDoc != nil {
		docs = append([]domain.RetrievedDocument{*toolDoc}, docs...)
	}

	history := s.history.Recent(ctx, req.ConversationID)

	generated, err := s.generator.Generate(ctx, query, docs, history)
	if err != nil {
		return nil, fmt.Errorf("rag: generation: %w", err)
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if appendErr := s.history.Append(ctx, conversationID, domain.Turn{
		User:      query,
		Assistant: generated.Answer,
		At:        s.now().UTC(),
	}); appendErr != nil {
		s.logger.Warn("conversation append failed", "err", appendErr)
	}

	resp := &QueryResponse{
		Answer:           generated.Answer,
		ConversationID:   conversationID,
		QueryTimeMS:      s.now().Sub(start).Milliseconds(),
		ModelUsed:        generated.Model,
		Intent:           intent.Type,
		IntentConfidence: intent.Confidence,
		RetrievalMethod:  "hybrid_rrf",
	}
	if req.IncludeSources {
		resp.Sources = generated.Sources
	}

	if req.ConversationID == "" && s.answers != nil {
		s.answers.Put(ctx, query, resp)
	}
	return resp, nil
}

// QueryStream streams the answer text through emit; metadata (sources,
// timing) is not available until the stream completes and is not returned.
func (s *Service) QueryStream(ctx context.Context, req QueryRequest, emit func(string)) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	query, err := domain.SanitizeQuery(req.Query)
	if err != nil {
		return err
	}

	intent := s.classifier.Classify(ctx, query)
	filters := mergeFilters(intent.Entities, req.Filters)

	docs, err := s.retriever.Retrieve(ctx, query, intent.Type.Namespace(), filters, s.opts.TopK, s.opts.UseRerank)
	if err != nil {
		return fmt.Errorf("rag: retrieval: %w", err)
	}
	if toolDoc := s.callDMS(ctx, query, intent, filters); toolDoc != nil {
		docs = append([]domain.RetrievedDocument{*toolDoc}, docs...)
	}

	history := s.history.Recent(ctx, req.ConversationID)
	return s.generator.GenerateStream(ctx, query, docs, history, emit)
}

// mergeFilters combines query-extracted entities with caller-supplied
// filters; the caller wins on conflict.
func mergeFilters(entities, caller map[string]any) map[string]any {
	if len(entities) == 0 && len(caller) == 0 {
		return nil
	}
	out := make(map[string]any, len(entities)+len(caller))
	for k, v := range entities {
		if k == "vin" {
			continue // VINs route tool calls, not index filters
		}
		out[k] = v
	}
	for k, v := range caller {
		out[k] = v
	}
	return out
}
