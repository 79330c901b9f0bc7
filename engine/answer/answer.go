// Package answer synthesizes grounded responses. The model is constrained to
// the retrieved context, every factual claim must cite a source, and the
// sources that actually appear in the answer are extracted afterwards.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/chat"
)

// generateTimeout is the hard deadline on one generation call. There is no
// retry here; the orchestrator owns retry policy.
const generateTimeout = 30 * time.Second

// maxMergedChunks bounds how many chunks from one source merge into a block.
const maxMergedChunks = 3

// snippetLen bounds the content preview carried per cited source.
const snippetLen = 200

const systemPrompt = `You are an expert automotive dealership assistant with deep knowledge of vehicle specifications, dealership operations, service procedures, and customer service.

Your responsibilities:
1. Answer questions ONLY using the provided context documents
2. Never invent or hallucinate information
3. Always cite your sources using [Source: ...] notation
4. If the context doesn't contain enough information, say: "I don't have that specific information in my current knowledge base."
5. Be concise, professional, and customer-focused
6. For vehicle queries, provide specific details like VIN, price, specifications
7. For service questions, reference exact procedures from manuals`

// Completer is the slice of the chat client the generator needs.
type Completer interface {
	Complete(ctx context.Context, req chat.Request) (chat.Completion, error)
	Stream(ctx context.Context, req chat.Request, emit func(string)) error
	Model() string
}

// Source is one citation backing the answer.
type Source struct {
	Source   string         `json:"source"`
	Type     string         `json:"type"`
	Snippet  string         `json:"snippet"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the structured generation output.
type Result struct {
	Answer           string   `json:"answer"`
	Sources          []Source `json:"sources"`
	Model            string   `json:"model"`
	TokensIn         int      `json:"tokens_in"`
	TokensOut        int      `json:"tokens_out"`
	ProcessingTimeMS int64    `json:"processing_time_ms"`
}

// Options tunes generation.
type Options struct {
	MaxTokens   int
	Temperature float32
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{MaxTokens: 1000, Temperature: 0.2}
}

// Generator produces grounded answers.
type Generator struct {
	model  Completer
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Generator.
func New(model Completer, opts Options, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxTokens <= 0 {
		opts = DefaultOptions()
	}
	return &Generator{model: model, opts: opts, logger: logger, now: time.Now}
}

// Generate answers the query from the supplied context documents.
func (g *Generator) Generate(ctx context.Context, query string, docs []domain.RetrievedDocument, history []domain.Turn) (Result, error) {
	start := g.now()

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	completion, err := g.model.Complete(ctx, chat.Request{
		System:      systemPrompt,
		Messages:    buildMessages(query, docs, history),
		MaxTokens:   g.opts.MaxTokens,
		Temperature: g.opts.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("answer: generate: %w", err)
	}

	return Result{
		Answer:           completion.Text,
		Sources:          ExtractSources(completion.Text, docs),
		Model:            completion.Model,
		TokensIn:         completion.InputTokens,
		TokensOut:        completion.OutputTokens,
		ProcessingTimeMS: g.now().Sub(start).Milliseconds(),
	}, nil
}

// GenerateStream streams answer chunks through emit as they arrive.
func (g *Generator) GenerateStream(ctx context.Context, query string, docs []domain.RetrievedDocument, history []domain.Turn, emit func(string)) error {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	return g.model.Stream(ctx, chat.Request{
		System:      systemPrompt,
		Messages:    buildMessages(query, docs, history),
		MaxTokens:   g.opts.MaxTokens,
		Temperature: g.opts.Temperature,
	}, emit)
}

// buildMessages assembles the user message: recent conversation, formatted
// context, the literal question, and the citation request.
func buildMessages(query string, docs []domain.RetrievedDocument, history []domain.Turn) []chat.Message {
	var messages []chat.Message
	for _, turn := range history {
		messages = append(messages,
			chat.Message{Role: "user", Content: truncate(turn.User, 500)},
			chat.Message{Role: "assistant", Content: truncate(turn.Assistant, 500)},
		)
	}

	var b strings.Builder
	b.WriteString("Context Documents:\n")
	b.WriteString(FormatContext(docs))
	b.WriteString("\n---\n")
	b.WriteString("Customer Question: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer using ONLY the context above and cite sources for each factual claim using [Source: ...].")

	return append(messages, chat.Message{Role: "user", Content: b.String()})
}

// FormatContext groups documents by source, merging up to maxMergedChunks
// chunks from one source into a single labeled block.
func FormatContext(docs []domain.RetrievedDocument) string {
	if len(docs) == 0 {
		return "No context documents available."
	}

	var order []string
	groups := make(map[string][]domain.RetrievedDocument)
	for _, d := range docs {
		source := d.Source
		if source == "" {
			source = "Unknown"
		}
		if _, seen := groups[source]; !seen {
			order = append(order, source)
		}
		groups[source] = append(groups[source], d)
	}

	var parts []string
	for i, source := range order {
		group := groups[source]
		docType := group[0].DocType
		if docType == "" {
			docType = "document"
		}
		if len(group) > 1 {
			bodies := make([]string, 0, maxMergedChunks)
			for _, d := range group[:min(len(group), maxMergedChunks)] {
				bodies = append(bodies, d.Text)
			}
			parts = append(parts, fmt.Sprintf("[Document %d - Source: %s, Type: %s, Merged: %d chunks]\n%s\n",
				i+1, source, docType, len(group), strings.Join(bodies, "\n\n")))
		} else {
			parts = append(parts, fmt.Sprintf("[Document %d - Source: %s, Type: %s]\n%s\n",
				i+1, source, docType, group[0].Text))
		}
	}
	return strings.Join(parts, "\n---\n")
}

// ExtractSources returns the context sources the answer actually mentions,
// deduplicated in first-appearance order.
func ExtractSources(answerText string, docs []domain.RetrievedDocument) []Source {
	var sources []Source
	seen := make(map[string]bool)

	for _, d := range docs {
		source := d.Source
		if source == "" || seen[source] || !strings.Contains(answerText, source) {
			continue
		}
		seen[source] = true
		docType := d.DocType
		if docType == "" {
			docType = "document"
		}
		sources = append(sources, Source{
			Source:   source,
			Type:     docType,
			Snippet:  truncate(d.Text, snippetLen),
			Metadata: d.Metadata,
		})
	}
	return sources
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
