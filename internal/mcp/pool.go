package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool maintains PoolSize connections per configured server and routes
// tool calls to the server that advertises the tool. A call that exceeds
// the hard tool deadline is abandoned; its slot is replaced with a fresh
// connection so a hung server never drains pool capacity.
type Pool struct {
	config  PoolConfig
	servers map[string]*serverPool
	logger  *slog.Logger
}

type serverPool struct {
	config *ServerConfig
	slots  chan *Client
	pool   *Pool

	mu          sync.Mutex
	cachedTools []Tool
	cachedAt    time.Time
}

// NewPool creates a pool over the configured servers. Connections are
// established lazily on first use.
func NewPool(servers []ServerConfig, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		config:  cfg,
		servers: make(map[string]*serverPool, len(servers)),
		logger:  logger.With("component", "tool_pool"),
	}
	for i := range servers {
		sc := servers[i]
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		sp := &serverPool{config: &sc, slots: make(chan *Client, cfg.PoolSize), pool: p}
		for range cfg.PoolSize {
			sp.slots <- nil // lazily connected
		}
		p.servers[sc.ID] = sp
	}
	return p, nil
}

// Servers lists the configured server ids.
func (p *Pool) Servers() []string {
	ids := make([]string, 0, len(p.servers))
	for id := range p.servers {
		ids = append(ids, id)
	}
	return ids
}

// ListTools returns the merged tool catalog across all servers, served from
// per-server caches with TTL. Stale entries are refetched lazily.
func (p *Pool) ListTools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	var lastErr error
	for _, sp := range p.servers {
		tools, err := sp.listTools(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		all = append(all, tools...)
	}
	if all == nil && lastErr != nil {
		return nil, lastErr
	}
	return all, nil
}

// CallTool invokes the named tool on the first server advertising it.
func (p *Pool) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	sp, err := p.serverFor(ctx, name)
	if err != nil {
		return nil, err
	}
	return sp.callTool(ctx, name, arguments)
}

// CallToolOn invokes a tool on a specific server.
func (p *Pool) CallToolOn(ctx context.Context, serverID, name string, arguments json.RawMessage) (*CallResult, error) {
	sp, ok := p.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("unknown tool server %q", serverID)
	}
	return sp.callTool(ctx, name, arguments)
}

func (p *Pool) serverFor(ctx context.Context, tool string) (*serverPool, error) {
	for _, sp := range p.servers {
		tools, err := sp.listTools(ctx)
		if err != nil {
			continue
		}
		for _, t := range tools {
			if t.Name == tool {
				return sp, nil
			}
		}
	}
	return nil, fmt.Errorf("no server advertises tool %q", tool)
}

func (sp *serverPool) listTools(ctx context.Context) ([]Tool, error) {
	sp.mu.Lock()
	if sp.cachedTools != nil && time.Since(sp.cachedAt) < sp.pool.config.ListToolsCacheTTL {
		tools := sp.cachedTools
		sp.mu.Unlock()
		return tools, nil
	}
	sp.mu.Unlock()

	var all []Tool
	cursor := ""
	for {
		var page []Tool
		var next string
		err := sp.withClient(ctx, func(callCtx context.Context, c *Client) error {
			var err error
			page, next, err = c.ListTools(callCtx, cursor)
			return err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	sp.mu.Lock()
	sp.cachedTools = all
	sp.cachedAt = time.Now()
	sp.mu.Unlock()
	return all, nil
}

func (sp *serverPool) callTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	var result *CallResult
	err := sp.withClient(ctx, func(callCtx context.Context, c *Client) error {
		var err error
		result, err = c.CallTool(callCtx, name, arguments)
		return err
	})
	return result, err
}

type callOutcome struct {
	client *Client
	err    error
}

// withClient checks out a slot, ensures a live connection, and runs fn
// under the hard tool deadline. On deadline expiry the in-flight call is
// abandoned and the slot is returned with a nil client for reconnection.
func (sp *serverPool) withClient(ctx context.Context, fn func(context.Context, *Client) error) error {
	var client *Client
	select {
	case client = <-sp.slots:
	case <-ctx.Done():
		return ctx.Err()
	}

	if client == nil || !client.Ready() {
		connected, err := sp.connect(ctx)
		if err != nil {
			sp.slots <- nil
			return err
		}
		client = connected
	}

	callCtx, cancel := context.WithTimeout(ctx, sp.pool.config.ToolTimeout)

	done := make(chan callOutcome, 1)
	go func() {
		err := fn(callCtx, client)
		done <- callOutcome{client: client, err: err}
	}()

	select {
	case outcome := <-done:
		cancel()
		sp.slots <- outcome.client
		if outcome.err != nil && errors.Is(outcome.err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return outcome.err
	case <-callCtx.Done():
		cancel()
		// Abandon the in-flight call; drain it in the background so the
		// slot frees immediately with a fresh connection marker.
		go func() { <-done }()
		sp.slots <- nil
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
}

// connect dials with linear backoff for transient connect and handshake
// failures only.
func (sp *serverPool) connect(ctx context.Context) (*Client, error) {
	cfg := sp.pool.config
	var lastErr error
	for attempt := 0; attempt < cfg.ConnectRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * cfg.ConnectRetryBackoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		client := NewClient(sp.config, cfg.HandshakeTimeout, sp.pool.logger)
		hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		err := client.Connect(hsCtx)
		cancel()
		if err == nil {
			return client, nil
		}
		lastErr = err
		sp.pool.logger.Warn("tool server connect failed",
			"server", sp.config.ID, "attempt", attempt+1, "error", err)
	}
	if lastErr == nil {
		lastErr = ErrHandshake
	}
	return nil, lastErr
}
