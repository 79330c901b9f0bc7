package answer

import (
	"context"
	"strings"
	"testing"

	"github.com/LotLogicAI/lotlogic/engine/domain"
	"github.com/LotLogicAI/lotlogic/pkg/chat"
)

type fakeModel struct {
	reply   string
	lastReq chat.Request
}

func (f *fakeModel) Complete(_ context.Context, req chat.Request) (chat.Completion, error) {
	f.lastReq = req
	return chat.Completion{Text: f.reply, Model: "test-model", InputTokens: 10, OutputTokens: 5}, nil
}

func (f *fakeModel) Stream(_ context.Context, req chat.Request, emit func(string)) error {
	f.lastReq = req
	for _, part := range strings.SplitAfter(f.reply, " ") {
		emit(part)
	}
	return nil
}

func (f *fakeModel) Model() string { return "test-model" }

func doc(text, source, docType string) domain.RetrievedDocument {
	return domain.RetrievedDocument{Text: text, Source: source, DocType: docType}
}

func TestFormatContextSingleChunk(t *testing.T) {
	got := FormatContext([]domain.RetrievedDocument{doc("Camry pricing details", "inventory.txt", "pricing")})
	want := "[Document 1 - Source: inventory.txt, Type: pricing]"
	if !strings.Contains(got, want) {
		t.Fatalf("missing label %q in %q", want, got)
	}
	if strings.Contains(got, "Merged") {
		t.Fatal("single-chunk source must not carry a Merged suffix")
	}
}

func TestFormatContextMergesSameSource(t *testing.T) {
	docs := []domain.RetrievedDocument{
		doc("chunk one", "manual.pdf", "manual"),
		doc("chunk two", "manual.pdf", "manual"),
		doc("chunk three", "manual.pdf", "manual"),
		doc("chunk four", "manual.pdf", "manual"),
	}
	got := FormatContext(docs)
	if !strings.Contains(got, "Merged: 4 chunks") {
		t.Fatalf("merged label missing: %q", got)
	}
	// Only the first three chunks are merged into the block.
	if strings.Contains(got, "chunk four") {
		t.Fatalf("merge should cap at 3 chunks: %q", got)
	}
}

func TestFormatContextEmpty(t *testing.T) {
	if got := FormatContext(nil); got != "No context documents available." {
		t.Fatalf("got %q", got)
	}
}

func TestExtractSourcesFirstAppearanceOrder(t *testing.T) {
	docs := []domain.RetrievedDocument{
		doc("first body", "a.txt", "note"),
		doc("second body", "b.txt", "note"),
		doc("dup body", "a.txt", "note"),
		doc("unused body", "c.txt", "note"),
	}
	answerText := "Per [Source: a.txt] and [Source: b.txt], the price is $28,000."
	sources := ExtractSources(answerText, docs)
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if sources[0].Source != "a.txt" || sources[1].Source != "b.txt" {
		t.Fatalf("order wrong: %+v", sources)
	}
}

func TestExtractSourcesSnippetBounded(t *testing.T) {
	long := strings.Repeat("x", 500)
	sources := ExtractSources("see [Source: big.txt]", []domain.RetrievedDocument{doc(long, "big.txt", "note")})
	if len(sources) != 1 || len(sources[0].Snippet) != 200 {
		t.Fatalf("snippet not bounded: %d", len(sources[0].Snippet))
	}
}

func TestGenerateBuildsGroundedPrompt(t *testing.T) {
	model := &fakeModel{reply: "The Camry costs $28,000 [Source: inventory.txt]"}
	g := New(model, DefaultOptions(), nil)

	docs := []domain.RetrievedDocument{doc("2024 Camry LE priced at $28,000", "inventory.txt", "pricing")}
	history := []domain.Turn{{User: "hi", Assistant: "hello"}}

	res, err := g.Generate(context.Background(), "How much is the Camry?", docs, history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Sources) != 1 || res.Sources[0].Source != "inventory.txt" {
		t.Fatalf("sources: %+v", res.Sources)
	}
	if res.Model != "test-model" || res.TokensIn != 10 || res.TokensOut != 5 {
		t.Fatalf("usage lost: %+v", res)
	}

	req := model.lastReq
	if req.System == "" || !strings.Contains(req.System, "ONLY using the provided context") {
		t.Fatal("system prompt missing grounding rules")
	}
	// History precedes the context message.
	if len(req.Messages) != 3 || req.Messages[0].Content != "hi" {
		t.Fatalf("history not prepended: %+v", req.Messages)
	}
	final := req.Messages[2].Content
	for _, want := range []string{"Context Documents:", "Customer Question: How much is the Camry?", "[Source:"} {
		if !strings.Contains(final, want) {
			t.Fatalf("user message missing %q:\n%s", want, final)
		}
	}
}

func TestGenerateStream(t *testing.T) {
	model := &fakeModel{reply: "streamed answer text"}
	g := New(model, DefaultOptions(), nil)

	var got strings.Builder
	err := g.GenerateStream(context.Background(), "q", nil, nil, func(s string) { got.WriteString(s) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.String() != "streamed answer text" {
		t.Fatalf("got %q", got.String())
	}
}

func TestValidateGroundedness(t *testing.T) {
	g := New(&fakeModel{reply: "9"}, DefaultOptions(), nil)
	score, err := g.ValidateGroundedness(context.Background(), "answer", nil)
	if err != nil || score != 9 {
		t.Fatalf("got %d, %v", score, err)
	}
}
