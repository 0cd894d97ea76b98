package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const openAIDefaultBase = "https://api.openai.com/v1"

// OpenAIProvider implements Provider against the OpenAI chat completions API
// (and any OpenAI-compatible endpoint reachable via apiBase). Like
// AnthropicProvider it only exercises the synchronous, tool-free request
// shape agentgw's Chat seam needs.
type OpenAIProvider struct {
	name       string
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider builds an OpenAIProvider identified as name, talking to
// apiBase (or OpenAI's own API if empty) using defaultModel when a request
// doesn't specify one.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = openAIDefaultBase
	}
	return &OpenAIProvider{
		name:       name,
		apiKey:     apiKey,
		apiBase:    strings.TrimSuffix(apiBase, "/"),
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string        { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.model }

type openAIRequestBody struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []openAIChoice   `json:"choices"`
	Usage   openAIUsage      `json:"usage"`
	Error   *openAIErrorBody `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Chat sends req to the chat completions endpoint, retrying transient
// failures (429 and 5xx) with exponential backoff.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(openAIRequestBody{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.name, err)
	}

	result, err := backoff.Retry(ctx, func() (*openAIResponse, error) {
		return p.doRequest(ctx, payload)
	}, backoff.WithMaxTries(4), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return nil, err
	}

	return p.parseResponse(result)
}

func (p *OpenAIProvider) doRequest(ctx context.Context, payload []byte) (*openAIResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: build request: %w", p.name, err))
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: read response: %w", p.name, err))
	}

	var result openAIResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: decode response: %w", p.name, err))
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("%s: status %d: %s", p.name, httpResp.StatusCode, result.errorMessage())
	}
	if httpResp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("%s: status %d: %s", p.name, httpResp.StatusCode, result.errorMessage()))
	}

	return &result, nil
}

func (r *openAIResponse) errorMessage() string {
	if r.Error == nil {
		return "unknown error"
	}
	return r.Error.Message
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse) (*ChatResponse, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %s: %s", p.name, resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: no choices in response", p.name)
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
