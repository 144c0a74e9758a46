// Package embeddings issues batch embedding requests, preferring the HTTP
// endpoint and falling back to a tool-server embedding tool on failure.
package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"omniagent/internal/mcp"
)

// Config configures the embedding client.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// FallbackServer and FallbackTool name the tool-server embedding tool
	// used when the HTTP endpoint fails. Empty disables fallback.
	FallbackServer string `yaml:"fallback_server"`
	FallbackTool   string `yaml:"fallback_tool"`
}

// Client embeds text batches. HTTP success always wins; the tool-server
// fallback runs only when the HTTP request fails outright.
type Client struct {
	api    *openai.Client
	pool   *mcp.Pool
	config Config
	logger *slog.Logger
}

// New creates an embedding client. pool may be nil when no fallback is
// configured.
func New(cfg Config, pool *mcp.Pool, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" && cfg.FallbackTool == "" {
		return nil, errors.New("embedding client needs an API key or a fallback tool")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var api *openai.Client
	if cfg.APIKey != "" {
		apiCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			apiCfg.BaseURL = cfg.BaseURL
		}
		api = openai.NewClientWithConfig(apiCfg)
	}

	return &Client{
		api:    api,
		pool:   pool,
		config: cfg,
		logger: logger.With("component", "embeddings"),
	}, nil
}

// EmbedBatch returns one vector per input text, in input order. model
// overrides the configured model when non-empty.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if model == "" {
		model = c.config.Model
	}

	if c.api != nil {
		vectors, err := c.embedHTTP(ctx, texts, model)
		if err == nil {
			return vectors, nil
		}
		if c.config.FallbackTool == "" || c.pool == nil {
			return nil, err
		}
		c.logger.Warn("embedding endpoint failed, using tool fallback", "error", err)
	}

	return c.embedToolServer(ctx, texts, model)
}

func (c *Client) embedHTTP(ctx context.Context, texts []string, model string) ([][]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed request: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embed request: vector index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

func (c *Client) embedToolServer(ctx context.Context, texts []string, model string) ([][]float32, error) {
	args, err := json.Marshal(map[string]any{"texts": texts, "model": model})
	if err != nil {
		return nil, err
	}

	var result *mcp.CallResult
	if c.config.FallbackServer != "" {
		result, err = c.pool.CallToolOn(ctx, c.config.FallbackServer, c.config.FallbackTool, args)
	} else {
		result, err = c.pool.CallTool(ctx, c.config.FallbackTool, args)
	}
	if err != nil {
		return nil, fmt.Errorf("embed fallback: %w", err)
	}

	var payload struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal([]byte(result.Text()), &payload); err != nil {
		return nil, fmt.Errorf("embed fallback: decode: %w", err)
	}
	if len(payload.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed fallback: got %d vectors for %d texts", len(payload.Embeddings), len(texts))
	}
	return payload.Embeddings, nil
}
