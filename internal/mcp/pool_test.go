package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeToolServer speaks just enough JSON-RPC for the pool.
type fakeToolServer struct {
	tools []Tool

	initFailures int32 // initialize attempts that fail before succeeding
	callDelayNS  int64 // sleep before answering tools/call, atomic
	callError    *rpcError

	initCalls int32
	listCalls int32
	toolCalls int32
}

func (f *fakeToolServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			if atomic.AddInt32(&f.initCalls, 1) <= atomic.LoadInt32(&f.initFailures) {
				http.Error(w, "warming up", http.StatusServiceUnavailable)
				return
			}
			resp.Result, _ = json.Marshal(initializeResult{
				ProtocolVersion: protocolVersion,
				ServerInfo:      serverInfo{Name: "fake", Version: "1.0"},
			})
		case "tools/list":
			atomic.AddInt32(&f.listCalls, 1)
			var params struct {
				Cursor string `json:"cursor"`
			}
			json.Unmarshal(req.Params, &params)
			// Two-page catalog: first page has all but the last tool.
			result := listToolsResult{}
			if len(f.tools) > 1 && params.Cursor == "" {
				result.Tools = f.tools[:len(f.tools)-1]
				result.NextCursor = "page2"
			} else if params.Cursor == "page2" {
				result.Tools = f.tools[len(f.tools)-1:]
			} else {
				result.Tools = f.tools
			}
			resp.Result, _ = json.Marshal(result)
		case "tools/call":
			atomic.AddInt32(&f.toolCalls, 1)
			if delay := atomic.LoadInt64(&f.callDelayNS); delay > 0 {
				time.Sleep(time.Duration(delay))
			}
			if f.callError != nil {
				resp.Error = f.callError
			} else {
				resp.Result, _ = json.Marshal(CallResult{
					Content: []ContentBlock{{Type: "text", Text: "ok"}},
				})
			}
		default:
			resp.Error = &rpcError{Code: -32601, Message: "method not found"}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fastPoolConfig() PoolConfig {
	return PoolConfig{
		PoolSize:            1,
		HandshakeTimeout:    2 * time.Second,
		ConnectRetries:      3,
		ConnectRetryBackoff: 5 * time.Millisecond,
		ToolTimeout:         2 * time.Second,
		ListToolsCacheTTL:   time.Minute,
	}
}

func TestPoolRoutesCallByCatalog(t *testing.T) {
	search := &fakeToolServer{tools: []Tool{{Name: "search"}}}
	fetch := &fakeToolServer{tools: []Tool{{Name: "fetch"}}}
	pool, err := NewPool([]ServerConfig{
		{ID: "search", URL: search.start(t).URL},
		{ID: "fetch", URL: fetch.start(t).URL},
	}, fastPoolConfig(), nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	result, err := pool.CallTool(context.Background(), "fetch", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result.Text() != "ok" {
		t.Errorf("result = %q", result.Text())
	}
	if atomic.LoadInt32(&fetch.toolCalls) != 1 {
		t.Errorf("fetch server got %d calls, want 1", fetch.toolCalls)
	}
	if atomic.LoadInt32(&search.toolCalls) != 0 {
		t.Errorf("search server got %d calls, want 0", search.toolCalls)
	}
}

func TestPoolUnknownTool(t *testing.T) {
	fake := &fakeToolServer{tools: []Tool{{Name: "search"}}}
	pool, err := NewPool([]ServerConfig{{ID: "a", URL: fake.start(t).URL}}, fastPoolConfig(), nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if _, err := pool.CallTool(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected error for unadvertised tool")
	}
}

func TestPoolCallToolOnUnknownServer(t *testing.T) {
	pool, err := NewPool(nil, fastPoolConfig(), nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if _, err := pool.CallToolOn(context.Background(), "ghost", "x", nil); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestToolErrorIsNotRetried(t *testing.T) {
	fake := &fakeToolServer{
		tools:     []Tool{{Name: "boom"}},
		callError: &rpcError{Code: 500, Message: "exploded"},
	}
	pool, err := NewPool([]ServerConfig{{ID: "a", URL: fake.start(t).URL}}, fastPoolConfig(), nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	_, err = pool.CallTool(context.Background(), "boom", nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("err = %v, want *ToolError", err)
	}
	if toolErr.Message != "exploded" {
		t.Errorf("message = %q", toolErr.Message)
	}
	if atomic.LoadInt32(&fake.toolCalls) != 1 {
		t.Errorf("tool called %d times, want exactly 1", fake.toolCalls)
	}
}

func TestToolTimeout(t *testing.T) {
	fake := &fakeToolServer{
		tools:       []Tool{{Name: "slow"}},
		callDelayNS: int64(300 * time.Millisecond),
	}
	cfg := fastPoolConfig()
	cfg.ToolTimeout = 50 * time.Millisecond
	pool, err := NewPool([]ServerConfig{{ID: "a", URL: fake.start(t).URL}}, cfg, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if _, err := pool.CallTool(context.Background(), "slow", nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// The slot was replaced; the next (fast) call still works.
	atomic.StoreInt64(&fake.callDelayNS, 0)
	if _, err := pool.CallTool(context.Background(), "slow", nil); err != nil {
		t.Fatalf("call after timeout: %v", err)
	}
}

func TestListToolsPaginationAndCache(t *testing.T) {
	fake := &fakeToolServer{tools: []Tool{{Name: "a"}, {Name: "b"}, {Name: "c"}}}
	pool, err := NewPool([]ServerConfig{{ID: "s", URL: fake.start(t).URL}}, fastPoolConfig(), nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	tools, err := pool.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("got %d tools, want 3 across pages", len(tools))
	}
	fetches := atomic.LoadInt32(&fake.listCalls)
	if fetches != 2 {
		t.Errorf("list fetched %d pages, want 2", fetches)
	}

	// Second listing inside the TTL hits the cache.
	if _, err := pool.ListTools(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := atomic.LoadInt32(&fake.listCalls); got != fetches {
		t.Errorf("cache miss: %d fetches after relist", got)
	}
}

func TestConnectRetriesTransientHandshakeFailure(t *testing.T) {
	fake := &fakeToolServer{tools: []Tool{{Name: "x"}}, initFailures: 2}
	pool, err := NewPool([]ServerConfig{{ID: "s", URL: fake.start(t).URL}}, fastPoolConfig(), nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if _, err := pool.CallTool(context.Background(), "x", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := atomic.LoadInt32(&fake.initCalls); got != 3 {
		t.Errorf("initialize attempted %d times, want 3", got)
	}
}

func TestServerConfigValidate(t *testing.T) {
	if err := (&ServerConfig{URL: "http://x"}).Validate(); err == nil {
		t.Error("missing id accepted")
	}
	if err := (&ServerConfig{ID: "a"}).Validate(); err == nil {
		t.Error("missing url accepted")
	}
	if err := (&ServerConfig{ID: "a", URL: "http://x"}).Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestCallResultText(t *testing.T) {
	result := CallResult{Content: []ContentBlock{
		{Type: "text", Text: "first"},
		{Type: "image"},
		{Type: "text", Text: "second"},
	}}
	if got := result.Text(); got != "first\nsecond" {
		t.Errorf("Text() = %q", got)
	}
}

func TestPoolConfigDefaults(t *testing.T) {
	got := PoolConfig{}.withDefaults()
	want := DefaultPoolConfig()
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}

	tuned := PoolConfig{PoolSize: 9}.withDefaults()
	if tuned.PoolSize != 9 || tuned.ToolTimeout != want.ToolTimeout {
		t.Errorf("partial override wrong: %+v", tuned)
	}
}
