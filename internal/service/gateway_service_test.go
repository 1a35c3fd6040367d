package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcptap/mcptap/internal/domain/capture"
	"github.com/mcptap/mcptap/internal/domain/event"
	"github.com/mcptap/mcptap/internal/domain/session"
	"github.com/mcptap/mcptap/pkg/mcp"
)

// staticRecent is a canned RecentReader.
type staticRecent struct{ records []capture.Record }

func (s staticRecent) Recent(n int) []capture.Record {
	if n > len(s.records) {
		n = len(s.records)
	}
	return s.records[:n]
}

func newTestGateway(t *testing.T, recent RecentReader) (*GatewayService, *RegistryService) {
	t.Helper()
	reg := newTestRegistry(t, nil)
	if recent == nil {
		recent = staticRecent{}
	}
	bus := event.NewBus(testLogger())
	proxy := NewProxyService(reg, &memCaptureStore{}, session.NewTable(), bus, testLogger(),
		WithExchangeTimeout(10*time.Second))
	return NewGatewayService(reg, recent, proxy, "test", testLogger()), reg
}

func gatewayRequest(t *testing.T, id int, method string, params any) *mcp.Envelope {
	t.Helper()
	raw := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q}`, id, method)
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, data)
	}
	env, err := mcp.ParseEnvelope([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEnvelope() error: %v", err)
	}
	return env
}

// toolCallResult unwraps the structuredContent of a successful tools/call
// response envelope.
func toolCallResult(t *testing.T, resp *mcp.Envelope) map[string]any {
	t.Helper()
	if resp == nil {
		t.Fatal("response = nil")
	}
	if resp.Error != nil {
		t.Fatalf("response error: %v", resp.Error)
	}
	var result struct {
		StructuredContent map[string]any   `json:"structuredContent"`
		Content           []map[string]any `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if len(result.Content) == 0 || result.Content[0]["type"] != "text" {
		t.Fatalf("result carries no text content block: %+v", result)
	}
	return result.StructuredContent
}

func TestGateway_Initialize(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	resp := g.Handle(context.Background(), gatewayRequest(t, 1, "initialize", nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("response = %+v", resp)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != GatewayName {
		t.Errorf("serverInfo.name = %q, want %q", result.ServerInfo.Name, GatewayName)
	}
}

func TestGateway_Ping(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	resp := g.Handle(context.Background(), gatewayRequest(t, 1, "ping", nil))
	if resp == nil || resp.Error != nil || string(resp.Result) != "{}" {
		t.Errorf("ping response = %+v", resp)
	}
}

func TestGateway_ToolsList(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	resp := g.Handle(context.Background(), gatewayRequest(t, 1, "tools/list", nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("response = %+v", resp)
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool, len(result.Tools))
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"list_servers", "get_server", "add_server", "remove_server", "recent_activity", "call_tool"} {
		if !names[want] {
			t.Errorf("tools/list missing %q", want)
		}
	}
}

func TestGateway_NotificationIsDropped(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	env, err := mcp.ParseEnvelope([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp := g.Handle(context.Background(), env); resp != nil {
		t.Errorf("notification response = %+v, want nil", resp)
	}
}

func TestGateway_UnknownMethod(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	resp := g.Handle(context.Background(), gatewayRequest(t, 1, "resources/list", nil))
	if resp == nil || resp.Error == nil || resp.Error.Code != mcp.MethodNotFound {
		t.Errorf("response = %+v, want method-not-found error", resp)
	}
}

func TestGateway_ServerLifecycle(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	ctx := context.Background()

	// add_server
	resp := g.Handle(ctx, gatewayRequest(t, 1, "tools/call", map[string]any{
		"name":      "add_server",
		"arguments": map[string]any{"name": "Weather", "url": "http://localhost:3000/mcp/"},
	}))
	added := toolCallResult(t, resp)
	if added["name"] != "weather" {
		t.Errorf("add_server result = %+v, want normalized name", added)
	}

	// get_server
	resp = g.Handle(ctx, gatewayRequest(t, 2, "tools/call", map[string]any{
		"name":      "get_server",
		"arguments": map[string]any{"name": "weather"},
	}))
	got := toolCallResult(t, resp)
	if got["url"] != "http://localhost:3000/mcp" {
		t.Errorf("get_server url = %v", got["url"])
	}

	// list_servers
	resp = g.Handle(ctx, gatewayRequest(t, 3, "tools/call", map[string]any{"name": "list_servers"}))
	listed := toolCallResult(t, resp)
	if listed["count"] != float64(1) {
		t.Errorf("list_servers count = %v, want 1", listed["count"])
	}

	// remove_server
	resp = g.Handle(ctx, gatewayRequest(t, 4, "tools/call", map[string]any{
		"name":      "remove_server",
		"arguments": map[string]any{"name": "weather"},
	}))
	removed := toolCallResult(t, resp)
	if removed["removed"] != "weather" {
		t.Errorf("remove_server result = %+v", removed)
	}

	// The server is gone now.
	resp = g.Handle(ctx, gatewayRequest(t, 5, "tools/call", map[string]any{
		"name":      "get_server",
		"arguments": map[string]any{"name": "weather"},
	}))
	if resp.Error == nil || resp.Error.Code != mcp.InvalidParams {
		t.Errorf("get_server after remove = %+v, want invalid-params error", resp)
	}
}

func TestGateway_AddServerRejectsBadSpec(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	resp := g.Handle(context.Background(), gatewayRequest(t, 1, "tools/call", map[string]any{
		"name":      "add_server",
		"arguments": map[string]any{"name": "x", "url": "/relative"},
	}))
	if resp.Error == nil || resp.Error.Code != mcp.InternalError {
		t.Errorf("response = %+v, want error", resp)
	}
}

func TestGateway_UnknownTool(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	resp := g.Handle(context.Background(), gatewayRequest(t, 1, "tools/call", map[string]any{"name": "bogus"}))
	if resp.Error == nil || resp.Error.Code != mcp.InvalidParams {
		t.Errorf("response = %+v, want invalid-params error", resp)
	}
}

func TestGateway_RecentActivity(t *testing.T) {
	t.Parallel()

	recent := staticRecent{records: []capture.Record{
		{CaptureID: "id-3", Method: "tools/call"},
		{CaptureID: "id-2", Method: "tools/list"},
		{CaptureID: "id-1", Method: "initialize"},
	}}
	g, _ := newTestGateway(t, recent)

	resp := g.Handle(context.Background(), gatewayRequest(t, 1, "tools/call", map[string]any{
		"name":      "recent_activity",
		"arguments": map[string]any{"limit": 2},
	}))
	result := toolCallResult(t, resp)
	if result["count"] != float64(2) {
		t.Errorf("recent_activity count = %v, want 2", result["count"])
	}
}

func TestGateway_CallTool(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&env)
		if env.Method != "tools/call" {
			http.Error(w, "unexpected method", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      env.ID,
			"result": map[string]any{
				"content": []map[string]any{{"type": "text", "text": "72F and sunny"}},
			},
		})
	}))
	defer upstream.Close()

	g, reg := newTestGateway(t, nil)
	ctx := context.Background()
	if _, err := reg.Add(ctx, ServerSpec{Name: "weather", URL: upstream.URL}); err != nil {
		t.Fatal(err)
	}

	resp := g.Handle(ctx, gatewayRequest(t, 1, "tools/call", map[string]any{
		"name": "call_tool",
		"arguments": map[string]any{
			"server":    "weather",
			"name":      "get_forecast",
			"arguments": map[string]any{"city": "SF"},
		},
	}))
	result := toolCallResult(t, resp)
	content, ok := result["content"].([]any)
	if !ok || len(content) == 0 {
		t.Fatalf("call_tool result = %+v, want upstream content relayed", result)
	}
}

func TestGateway_CallToolUnknownServer(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, nil)
	resp := g.Handle(context.Background(), gatewayRequest(t, 1, "tools/call", map[string]any{
		"name":      "call_tool",
		"arguments": map[string]any{"server": "nosuch", "name": "x"},
	}))
	if resp.Error == nil {
		t.Fatalf("response = %+v, want error", resp)
	}
}
