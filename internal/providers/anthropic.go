package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicDefaultMax = 4096
)

// AnthropicProvider implements Provider against Anthropic's Messages API.
// It only exercises the synchronous, non-streaming, tool-free request shape
// agentgw's single Chat seam actually needs.
type AnthropicProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	maxTokens  int
}

// NewAnthropicProvider builds an AnthropicProvider using apiKey and Claude's
// current default general-purpose model.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:     apiKey,
		model:      "claude-sonnet-4-5",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxTokens:  anthropicDefaultMax,
	}
}

func (p *AnthropicProvider) Name() string        { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.model }

type anthropicRequestBody struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	Role       string                  `json:"role"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicErrorBody     `json:"error,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Chat sends req to Anthropic's Messages API, retrying transient failures
// (429 and 5xx) with exponential backoff, and returns the assembled reply.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequestBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	result, err := backoff.Retry(ctx, func() (*anthropicResponse, error) {
		return p.doRequest(ctx, payload)
	}, backoff.WithMaxTries(4), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return nil, err
	}

	return p.parseResponse(result)
}

func (p *AnthropicProvider) buildRequestBody(req ChatRequest) anthropicRequestBody {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var system string
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	return anthropicRequestBody{
		Model:     model,
		Messages:  messages,
		System:    system,
		MaxTokens: p.maxTokens,
	}
}

func (p *AnthropicProvider) doRequest(ctx context.Context, payload []byte) (*anthropicResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("anthropic: build request: %w", err))
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("anthropic: read response: %w", err))
	}

	var result anthropicResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("anthropic: decode response: %w", err))
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, result.errorMessage())
	}
	if httpResp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, result.errorMessage()))
	}

	return &result, nil
}

func (r *anthropicResponse) errorMessage() string {
	if r.Error == nil {
		return "unknown error"
	}
	return r.Error.Message
}

func (p *AnthropicProvider) parseResponse(resp *anthropicResponse) (*ChatResponse, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("anthropic: %s: %s", resp.Error.Type, resp.Error.Message)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &ChatResponse{
		Content:      text,
		FinishReason: resp.StopReason,
		Usage: &Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}
