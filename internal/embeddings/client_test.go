package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"omniagent/internal/mcp"
)

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// fakeEmbedEndpoint mimics the OpenAI embeddings API.
func fakeEmbedEndpoint(t *testing.T, fail *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && atomic.LoadInt32(fail) != 0 {
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Return vectors in reverse order to exercise index-based placement.
		data := make([]embeddingData, len(req.Input))
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			data[i] = embeddingData{Index: j, Embedding: []float32{float32(j), 1}}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "test-model",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRequiresKeyOrFallback(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatal("empty config accepted")
	}
	if _, err := New(Config{APIKey: "k"}, nil, nil); err != nil {
		t.Fatalf("api key only rejected: %v", err)
	}
	if _, err := New(Config{FallbackTool: "embed"}, nil, nil); err != nil {
		t.Fatalf("fallback only rejected: %v", err)
	}
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	srv := fakeEmbedEndpoint(t, nil)
	client, err := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1"}, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	vectors, err := client.EmbedBatch(context.Background(), []string{"a", "b", "c"}, "")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vectors))
	}
	for i, v := range vectors {
		if v[0] != float32(i) {
			t.Errorf("vectors[%d][0] = %v, want %d (index placement)", i, v[0], i)
		}
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	client, err := New(Config{APIKey: "k"}, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	vectors, err := client.EmbedBatch(context.Background(), nil, "")
	if err != nil || vectors != nil {
		t.Fatalf("got %v, %v; want nil, nil", vectors, err)
	}
}

func TestEmbedBatchNoFallbackSurfacesError(t *testing.T) {
	fail := int32(1)
	srv := fakeEmbedEndpoint(t, &fail)
	client, err := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1"}, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := client.EmbedBatch(context.Background(), []string{"a"}, ""); err == nil {
		t.Fatal("endpoint failure did not surface")
	}
}

// fallbackToolServer serves an embedding tool over the tool-server protocol.
func fallbackToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2025-03-26",
				"serverInfo":      map[string]string{"name": "embed", "version": "1"},
			}
		case "tools/list":
			result = map[string]any{"tools": []map[string]string{{"name": "embed_texts"}}}
		case "tools/call":
			var params struct {
				Arguments struct {
					Texts []string `json:"texts"`
				} `json:"arguments"`
			}
			json.Unmarshal(req.Params, &params)
			embeddings := make([][]float32, len(params.Arguments.Texts))
			for i := range embeddings {
				embeddings[i] = []float32{float32(i), 2}
			}
			text, _ := json.Marshal(map[string]any{"embeddings": embeddings})
			result = map[string]any{
				"content": []map[string]string{{"type": "text", "text": string(text)}},
			}
		}

		payload, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(payload),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedBatchFallsBackToToolServer(t *testing.T) {
	fail := int32(1)
	endpoint := fakeEmbedEndpoint(t, &fail)
	tools := fallbackToolServer(t)

	pool, err := mcp.NewPool([]mcp.ServerConfig{{ID: "embed", URL: tools.URL}}, mcp.PoolConfig{}, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	client, err := New(Config{
		APIKey:         "k",
		BaseURL:        endpoint.URL + "/v1",
		FallbackServer: "embed",
		FallbackTool:   "embed_texts",
	}, pool, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	vectors, err := client.EmbedBatch(context.Background(), []string{"a", "b"}, "")
	if err != nil {
		t.Fatalf("embed via fallback: %v", err)
	}
	if len(vectors) != 2 || vectors[1][1] != 2 {
		t.Fatalf("fallback vectors = %v", vectors)
	}

	// With the endpoint healthy again, HTTP wins and the marker changes.
	atomic.StoreInt32(&fail, 0)
	vectors, err = client.EmbedBatch(context.Background(), []string{"a", "b"}, "")
	if err != nil {
		t.Fatalf("embed via endpoint: %v", err)
	}
	if vectors[1][1] != 1 {
		t.Fatalf("endpoint vectors = %v, want HTTP path", vectors)
	}
}
