package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const protocolVersion = "2025-03-26"

// Client is one connection to a tool server. Clients are not safe for
// concurrent use; the Pool hands each to one caller at a time.
type Client struct {
	config *ServerConfig
	http   *http.Client
	logger *slog.Logger

	serverName string
	ready      bool
}

// NewClient creates an unconnected client for the server.
func NewClient(cfg *ServerConfig, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config: cfg,
		// No client-level timeout: hard deadlines come from the caller's
		// context so the pool controls them per call.
		http:   &http.Client{},
		logger: logger.With("tool_server", cfg.ID),
	}
}

// Connect performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "omniagent",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("%w: parse initialize result: %v", ErrHandshake, err)
	}
	c.serverName = init.ServerInfo.Name
	c.ready = true
	c.logger.Debug("tool server handshake complete",
		"name", init.ServerInfo.Name, "protocol", init.ProtocolVersion)
	return nil
}

// Ready reports whether the handshake succeeded.
func (c *Client) Ready() bool { return c.ready }

// ListTools fetches one page of the tool catalog.
func (c *Client) ListTools(ctx context.Context, cursor string) ([]Tool, string, error) {
	params := map[string]any{}
	if cursor != "" {
		params["cursor"] = cursor
	}
	raw, err := c.call(ctx, "tools/list", params)
	if err != nil {
		return nil, "", err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, "", fmt.Errorf("%w: parse tools/list: %v", ErrTransport, err)
	}
	return result.Tools, result.NextCursor, nil
}

// CallTool invokes one tool. Remote failures come back as *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: parse tools/call: %v", ErrTransport, err)
	}
	if result.IsError {
		return nil, &ToolError{Message: result.Text()}
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
	}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal params: %v", ErrTransport, err)
		}
		req.Params = encoded
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrTransport, resp.StatusCode, payload)
	}

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if rpc.Error != nil {
		return nil, &ToolError{Code: rpc.Error.Code, Message: rpc.Error.Message}
	}
	return rpc.Result, nil
}
