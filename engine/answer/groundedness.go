package answer

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/chat"
)

var scoreRe = regexp.MustCompile(`\b(10|[1-9])\b`)

// ValidateGroundedness asks the model to score how well the answer's claims
// are supported by the context, 1-10. Offline evaluation only; never used to
// gate user-visible responses.
func (g *Generator) ValidateGroundedness(ctx context.Context, answerText string, docs []domain.RetrievedDocument) (int, error) {
	prompt := fmt.Sprintf(`Rate how well every claim in the answer below is supported by the context, on a scale of 1 (fabricated) to 10 (fully grounded). Respond with only the number.

Context:
%s

Answer:
%s`, FormatContext(docs), answerText)

	completion, err := g.model.Complete(ctx, chat.Request{
		Messages:    []chat.Message{{Role: "user", Content: prompt}},
		MaxTokens:   10,
		Temperature: 0,
	})
	if err != nil {
		return 0, fmt.Errorf("answer: groundedness: %w", err)
	}

	m := scoreRe.FindString(completion.Text)
	if m == "" {
		return 0, fmt.Errorf("answer: groundedness: unparseable score %q", completion.Text)
	}
	score, _ := strconv.Atoi(m)
	return score, nil
}
