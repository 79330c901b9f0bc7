// Package intent classifies queries into routing categories. The chat model
// is asked first with a tight deadline; any failure or malformed reply falls
// back to substring rules so classification can never block a query.
package intent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/chat"
)

// classifyTimeout bounds the model call; the rule fallback has no deadline.
const classifyTimeout = 5 * time.Second

// Completer is the slice of the chat client the classifier needs.
type Completer interface {
	Complete(ctx context.Context, req chat.Request) (chat.Completion, error)
}

const classifyPrompt = `You are an intent classifier for a car dealership assistant. Classify the user's query into one of these categories:

1. SALES - Questions about buying, pricing, financing, trade-ins, deals
2. SERVICE - Questions about repairs, maintenance, service appointments, recalls
3. INVENTORY - Questions about vehicle availability, specifications, features, stock
4. PREDICTIVE - Questions about trends, forecasts, recommendations, analytics
5. GENERAL - General questions, greetings, or unclear intents

User Query: `

const classifyInstruction = `

Respond with ONLY the category name and a confidence score 0-1.
Format: CATEGORY|CONFIDENCE
Example: SALES|0.95`

// ruleTriggers maps intent categories to their trigger substrings, checked in
// a fixed order so overlapping queries classify deterministically.
var ruleTriggers = []struct {
	intent   domain.IntentType
	triggers []string
}{
	{domain.IntentSales, []string{"price", "cost", "finance", "payment", "deal", "buy", "purchase"}},
	{domain.IntentService, []string{"service", "repair", "maintenance", "oil change", "tire", "brake", "appointment"}},
	{domain.IntentInventory, []string{"available", "stock", "inventory", "have", "show me", "find", "vin"}},
	{domain.IntentPredictive, []string{"forecast", "predict", "trend", "demand", "analytics", "future", "projection"}},
}

// Classifier resolves query intent.
type Classifier struct {
	model  Completer // nil skips straight to rules
	logger *slog.Logger
}

// New creates a Classifier. model may be nil.
func New(model Completer, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{model: model, logger: logger}
}

// Classify returns the query's intent with extracted entities attached.
func (c *Classifier) Classify(ctx context.Context, query string) domain.Intent {
	intent := c.classifyModel(ctx, query)
	if intent == nil {
		fallback := classifyRules(query)
		intent = &fallback
	}
	intent.Entities = ExtractEntities(query)
	return *intent
}

// classifyModel asks the chat model; nil means fall back to rules.
func (c *Classifier) classifyModel(ctx context.Context, query string) *domain.Intent {
	if c.model == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	completion, err := c.model.Complete(ctx, chat.Request{
		Messages:    []chat.Message{{Role: "user", Content: classifyPrompt + query + classifyInstruction}},
		MaxTokens:   20,
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("intent model failed, using rules", "err", err)
		return nil
	}

	intent, ok := parseModelReply(completion.Text)
	if !ok {
		c.logger.Warn("intent model reply malformed, using rules", "reply", completion.Text)
		return nil
	}
	return &intent
}

// parseModelReply parses "CATEGORY|CONFIDENCE".
func parseModelReply(reply string) (domain.Intent, bool) {
	parts := strings.SplitN(strings.TrimSpace(reply), "|", 2)
	if len(parts) != 2 {
		return domain.Intent{}, false
	}
	category := domain.IntentType(strings.ToLower(strings.TrimSpace(parts[0])))
	if !domain.ValidIntents[category] {
		return domain.Intent{}, false
	}
	confidence, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || confidence < 0 || confidence > 1 {
		return domain.Intent{}, false
	}
	return domain.Intent{Type: category, Confidence: confidence}, true
}

// classifyRules is the substring fallback.
func classifyRules(query string) domain.Intent {
	q := strings.ToLower(query)
	for _, rule := range ruleTriggers {
		for _, trigger := range rule.triggers {
			if strings.Contains(q, trigger) {
				return domain.Intent{Type: rule.intent, Confidence: 0.75}
			}
		}
	}
	return domain.Intent{Type: domain.IntentGeneral, Confidence: 0.60}
}
