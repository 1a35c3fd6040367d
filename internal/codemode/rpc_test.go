package codemode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPRPCHandler_UnwrapsStructuredContent(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get("Mcp-Session-Id")
		var env map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&env)
		gotBody, _ = json.Marshal(env)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(env["id"]),
			"result": map[string]any{
				"content":           []map[string]any{{"type": "text", "text": "{\"y\":2}"}},
				"structuredContent": map[string]any{"y": 2},
			},
		})
	}))
	defer srv.Close()

	h := NewHTTPRPCHandler(srv.Client(), "sess-7", func(name string) (string, bool) {
		if name == "weather" {
			return srv.URL, true
		}
		return "", false
	})

	raw, err := h.Dispatch(context.Background(), "weather", "get_forecast", json.RawMessage(`{"city":"SF"}`))
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil || result["y"] != float64(2) {
		t.Errorf("Dispatch() = %s", raw)
	}
	if gotSession != "sess-7" {
		t.Errorf("session header = %q, want sess-7", gotSession)
	}

	var sent struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(gotBody, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Method != "tools/call" {
		t.Errorf("method = %q", sent.Method)
	}
	if !strings.Contains(string(sent.Params), `"name":"get_forecast"`) {
		t.Errorf("params = %s, want original tool name", sent.Params)
	}
}

func TestHTTPRPCHandler_FallsBackToContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&env)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(env["id"]),
			"result": map[string]any{
				"content":           []map[string]any{{"type": "text", "text": "plain"}},
				"structuredContent": nil,
			},
		})
	}))
	defer srv.Close()

	h := NewHTTPRPCHandler(srv.Client(), "", func(string) (string, bool) { return srv.URL, true })
	raw, err := h.Dispatch(context.Background(), "weather", "tool", nil)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if !strings.Contains(string(raw), `"plain"`) {
		t.Errorf("Dispatch() = %s, want content fallback", raw)
	}
}

func TestHTTPRPCHandler_UpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&env)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(env["id"]) + `,"error":{"code":-32602,"message":"bad args"}}`))
	}))
	defer srv.Close()

	h := NewHTTPRPCHandler(srv.Client(), "", func(string) (string, bool) { return srv.URL, true })
	_, err := h.Dispatch(context.Background(), "weather", "tool", json.RawMessage(`{}`))
	if err == nil || !strings.Contains(err.Error(), "bad args") {
		t.Errorf("Dispatch() error = %v, want upstream error surfaced", err)
	}
}

func TestHTTPRPCHandler_UnknownServer(t *testing.T) {
	t.Parallel()

	h := NewHTTPRPCHandler(nil, "", func(string) (string, bool) { return "", false })
	_, err := h.Dispatch(context.Background(), "nosuch", "tool", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown server") {
		t.Errorf("Dispatch() error = %v", err)
	}
}
