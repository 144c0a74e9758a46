package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"omniagent/internal/retry"
	"omniagent/pkg/models"
)

// OpenAIProvider implements Provider for OpenAI-compatible endpoints.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	retry  retry.Config
}

// OpenAIConfig configures the provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// NewOpenAIProvider creates a provider; BaseURL allows any
// OpenAI-compatible server.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4o
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(apiCfg),
		model:  cfg.Model,
		retry:  retry.DefaultConfig(),
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Model != "" {
		chatReq.Model = req.Model
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		var schema any
		if len(tool.InputSchema) > 0 {
			_ = json.Unmarshal(tool.InputSchema, &schema)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	resp, result := retry.DoWithValue(ctx, p.retry, func() (openai.ChatCompletionResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if isClientError(err) {
			return resp, retry.Permanent(err)
		}
		return resp, err
	})
	if result.Err != nil {
		return nil, fmt.Errorf("openai completion: %w", result.Err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: empty choices")
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// isClientError reports a 4xx API rejection other than a rate limit.
// Such requests fail identically on retry.
func isClientError(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
		apiErr.HTTPStatusCode != 429
}

func toOpenAIMessages(msgs []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, m)
	}
	return out
}
