// Package chat provides the REST chat-model client used for intent
// classification and grounded answer generation.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/LotLogicAI/lotlogic/pkg/fn"
	"github.com/LotLogicAI/lotlogic/pkg/resilience"
)

// ErrChat is returned when the chat model fails.
var ErrChat = errors.New("chat completion failed")

// Message is one conversation message.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request describes one completion call.
type Request struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
}

// Completion is the model's reply plus usage accounting.
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Client calls a messages-style chat API.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	httpc   *http.Client
	breaker *resilience.Breaker
}

// New creates a chat client. breaker may be nil.
func New(baseURL, apiKey, model string, breaker *resilience.Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpc:   &http.Client{},
		breaker: breaker,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type wireRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type wireResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// Complete performs a single completion. The caller owns timeout and retry
// policy; this method makes exactly one attempt.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	do := func(ctx context.Context) (Completion, error) {
		return c.post(ctx, req)
	}
	if c.breaker == nil {
		return do(ctx)
	}
	result := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[Completion] {
		return fn.FromPair(do(ctx))
	})
	return result.Unwrap()
}

func (c *Client) post(ctx context.Context, req Request) (Completion, error) {
	body, _ := json.Marshal(wireRequest{
		Model:       c.model,
		System:      req.System,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Completion{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrChat, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Completion{}, fmt.Errorf("%w: status %d", ErrChat, resp.StatusCode)
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, fmt.Errorf("%w: decode: %v", ErrChat, err)
	}
	if len(decoded.Content) == 0 {
		return Completion{}, fmt.Errorf("%w: empty content", ErrChat)
	}

	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return Completion{
		Text:         decoded.Content[0].Text,
		Model:        model,
		InputTokens:  decoded.Usage.InputTokens,
		OutputTokens: decoded.Usage.OutputTokens,
	}, nil
}

// streamChunk is one line of the streaming response body.
type streamChunk struct {
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

// Stream performs a streaming completion, invoking emit for each text chunk
// as it arrives. Returns once the stream closes or ctx is cancelled.
func (c *Client) Stream(ctx context.Context, req Request, emit func(string)) error {
	body, _ := json.Marshal(wireRequest{
		Model:       c.model,
		System:      req.System,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChat, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrChat, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue // skip malformed keep-alive lines
		}
		if chunk.Delta.Text != "" {
			emit(chunk.Delta.Text)
		}
	}
	return scanner.Err()
}

// CompleteWithTimeout is a convenience wrapper bounding one completion call.
func (c *Client) CompleteWithTimeout(ctx context.Context, req Request, timeout time.Duration) (Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Complete(ctx, req)
}
