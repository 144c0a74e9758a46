// Package mcp provides the connection pool to remote tool servers speaking
// JSON-RPC 2.0 over streamable HTTP.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ServerConfig holds configuration for one remote tool server.
type ServerConfig struct {
	ID      string            `yaml:"id" json:"id"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return errors.New("server id is required")
	}
	if c.URL == "" {
		return fmt.Errorf("url is required for server %s", c.ID)
	}
	return nil
}

// PoolConfig tunes connection and call behavior.
type PoolConfig struct {
	// PoolSize is the number of connections kept per server.
	PoolSize int `yaml:"pool_size"`
	// HandshakeTimeout bounds connect+initialize.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ConnectRetries is the number of attempts for transient connect or
	// handshake failures. Tool-reported errors are never retried.
	ConnectRetries int `yaml:"connect_retries"`
	// ConnectRetryBackoff seeds the linear backoff between attempts.
	ConnectRetryBackoff time.Duration `yaml:"connect_retry_backoff"`
	// ToolTimeout is the hard deadline for one tools/call.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	// ListToolsCacheTTL bounds the tools/list cache per server.
	ListToolsCacheTTL time.Duration `yaml:"list_tools_cache_ttl"`
}

// DefaultPoolConfig returns the default pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		PoolSize:            4,
		HandshakeTimeout:    10 * time.Second,
		ConnectRetries:      3,
		ConnectRetryBackoff: 250 * time.Millisecond,
		ToolTimeout:         60 * time.Second,
		ListToolsCacheTTL:   60 * time.Second,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = def.ConnectRetries
	}
	if c.ConnectRetryBackoff <= 0 {
		c.ConnectRetryBackoff = def.ConnectRetryBackoff
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = def.ToolTimeout
	}
	if c.ListToolsCacheTTL <= 0 {
		c.ListToolsCacheTTL = def.ListToolsCacheTTL
	}
	return c
}

// Tool describes one remotely callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// CallResult is the content returned by a tools/call.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text concatenates the textual content blocks.
func (r *CallResult) Text() string {
	out := ""
	for _, block := range r.Content {
		if block.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}

// Failure surface of the pool.
var (
	// ErrTimeout: the hard tool deadline elapsed.
	ErrTimeout = errors.New("tool call timeout")
	// ErrHandshake: connect or initialize failed after retries.
	ErrHandshake = errors.New("tool server handshake failed")
	// ErrTransport: the request could not be delivered or decoded.
	ErrTransport = errors.New("tool server transport failure")
)

// ToolError is a structured failure reported by the remote server. It is
// not retried; the message goes back to the model as a tool result.
type ToolError struct {
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// JSON-RPC 2.0 wire types.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}
