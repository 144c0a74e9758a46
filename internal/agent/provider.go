// Package agent orchestrates turns: it binds the session store, the
// context budget and recall planners, the tool pool, and a model provider
// into the bounded tool-calling loop, and derives per-turn reflection.
package agent

import (
	"context"

	"omniagent/internal/mcp"
	"omniagent/pkg/models"
)

// ChatRequest is one model call in a turn.
type ChatRequest struct {
	Model     string
	Messages  []models.ChatMessage
	Tools     []mcp.Tool
	MaxTokens int
}

// ChatResponse is the model's reply: text, tool calls, or both.
type ChatResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// Provider is a chat-completion backend. Implementations own their
// transport retry policy; a returned error means retries are exhausted.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
