// Package models defines the shared data types exchanged between the
// ingress plane, the turn engine, and the stores.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	// ChannelREPL is the local interactive console.
	ChannelREPL ChannelType = "repl"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry in a session's ordered message log.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ChannelMessage is a platform update normalized by an ingress adapter.
// ID must be globally unique per platform; it is the dedup key.
type ChannelMessage struct {
	ID         string      `json:"id"`
	Sender     string      `json:"sender"`
	Recipient  string      `json:"recipient"`
	SessionKey string      `json:"session_key"`
	Content    string      `json:"content"`
	Channel    ChannelType `json:"channel"`
	Timestamp  time.Time   `json:"timestamp"`
}

// SessionID builds the full session id for a channel message.
func (m *ChannelMessage) SessionID() string {
	return string(m.Channel) + ":" + m.SessionKey
}
