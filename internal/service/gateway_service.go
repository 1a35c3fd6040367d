package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcptap/mcptap/internal/domain/capture"
	"github.com/mcptap/mcptap/internal/domain/registry"
	"github.com/mcptap/mcptap/internal/domain/session"
	"github.com/mcptap/mcptap/pkg/mcp"
)

// GatewayName identifies the management endpoint in initialize responses.
const GatewayName = "mcptap-gateway"

// RecentReader exposes the capture store's in-memory ring of recent
// records. The gateway reads it; it never writes captures directly.
type RecentReader interface {
	Recent(n int) []capture.Record
}

// GatewayService serves the management MCP surface mounted at /gateway and
// /g: a small set of tools for inspecting and mutating the registry,
// reading recent capture activity, and calling upstream tools through the
// proxy's forwarding path.
type GatewayService struct {
	registry *RegistryService
	recent   RecentReader
	proxy    *ProxyService
	logger   *slog.Logger
	version  string
}

// NewGatewayService wires the management surface.
func NewGatewayService(reg *RegistryService, recent RecentReader, proxy *ProxyService, version string, logger *slog.Logger) *GatewayService {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayService{
		registry: reg,
		recent:   recent,
		proxy:    proxy,
		logger:   logger,
		version:  version,
	}
}

// Handle serves one management envelope. Notifications return nil (the
// transport answers 202 with no body).
func (g *GatewayService) Handle(ctx context.Context, env *mcp.Envelope) *mcp.Envelope {
	if !env.HasID() {
		// The gateway has no notification semantics; acknowledged and dropped.
		return nil
	}

	switch env.Method {
	case mcp.MethodInitialize:
		return g.handleInitialize(env)
	case mcp.MethodPing:
		return mustResult(env, map[string]any{})
	case mcp.MethodToolsList:
		return mustResult(env, map[string]any{"tools": gatewayTools})
	case mcp.MethodToolsCall:
		return g.handleToolCall(ctx, env)
	default:
		return mcp.NewErrorEnvelope(env.IDValue(), mcp.MethodNotFound,
			fmt.Sprintf("method %q is not supported by the gateway", env.Method))
	}
}

func (g *GatewayService) handleInitialize(env *mcp.Envelope) *mcp.Envelope {
	return mustResult(env, map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": GatewayName, "version": g.version},
	})
}

func (g *GatewayService) handleToolCall(ctx context.Context, env *mcp.Envelope) *mcp.Envelope {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return mcp.NewErrorEnvelope(env.IDValue(), mcp.InvalidParams, "params must carry a tool name")
	}

	result, err := g.dispatchTool(ctx, params.Name, params.Arguments)
	if err != nil {
		code := mcp.InternalError
		if errors.Is(err, registry.ErrServerNotFound) || errors.Is(err, errUnknownGatewayTool) {
			code = mcp.InvalidParams
		}
		return mcp.NewErrorEnvelope(env.IDValue(), code, err.Error())
	}
	return mustResult(env, result)
}

var errUnknownGatewayTool = errors.New("unknown gateway tool")

func (g *GatewayService) dispatchTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "list_servers":
		return g.listServers()
	case "get_server":
		return g.getServer(args)
	case "add_server":
		return g.addServer(ctx, args)
	case "remove_server":
		return g.removeServer(ctx, args)
	case "recent_activity":
		return g.recentActivity(args)
	case "call_tool":
		return g.callTool(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownGatewayTool, name)
	}
}

func (g *GatewayService) listServers() (any, error) {
	servers := g.registry.List()
	return toolResult(map[string]any{"servers": servers, "count": len(servers)})
}

func (g *GatewayService) getServer(args json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Name == "" {
		return nil, fmt.Errorf("get_server requires a server name")
	}
	srv, err := g.registry.Get(p.Name)
	if err != nil {
		return nil, err
	}
	return toolResult(srv)
}

func (g *GatewayService) addServer(ctx context.Context, args json.RawMessage) (any, error) {
	var spec ServerSpec
	if err := json.Unmarshal(args, &spec); err != nil {
		return nil, fmt.Errorf("add_server arguments: %w", err)
	}
	srv, err := g.registry.Add(ctx, spec)
	if err != nil {
		return nil, err
	}
	g.logger.Info("server added via gateway", "server", srv.Name)
	return toolResult(srv)
}

func (g *GatewayService) removeServer(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Name == "" {
		return nil, fmt.Errorf("remove_server requires a server name")
	}
	if err := g.registry.Remove(ctx, p.Name); err != nil {
		return nil, err
	}
	g.logger.Info("server removed via gateway", "server", p.Name)
	return toolResult(map[string]any{"removed": p.Name})
}

func (g *GatewayService) recentActivity(args json.RawMessage) (any, error) {
	limit := 50
	var p struct {
		Limit int `json:"limit"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &p)
	}
	if p.Limit > 0 {
		limit = p.Limit
	}
	records := g.recent.Recent(limit)
	return toolResult(map[string]any{"records": records, "count": len(records)})
}

// callTool proxies a tools/call for an arbitrary registered server through
// the regular forwarding path, so the exchange is captured and published
// exactly like a direct client call.
func (g *GatewayService) callTool(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Server    string          `json:"server"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Server == "" || p.Name == "" {
		return nil, fmt.Errorf("call_tool requires server and tool names")
	}

	params, err := json.Marshal(map[string]any{"name": p.Name, "arguments": p.Arguments})
	if err != nil {
		return nil, fmt.Errorf("encode tool call: %w", err)
	}
	idBytes, _ := json.Marshal(fmt.Sprintf("gw-%d", time.Now().UnixNano()))
	env := &mcp.Envelope{
		JSONRPC: mcp.Version,
		ID:      idBytes,
		Method:  mcp.MethodToolsCall,
		Params:  params,
	}

	rec := newBufferedResponse()
	g.proxy.Execute(ctx, rec, &Exchange{
		ServerName: p.Server,
		Env:        env,
		SessionID:  session.StatelessID,
		Accept:     "application/json",
	})

	if rec.status != http.StatusOK {
		return nil, fmt.Errorf("upstream call failed with status %d", rec.status)
	}
	respEnv, err := mcp.DecodeEnvelope(rec.body.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse upstream response: %w", err)
	}
	if respEnv.Error != nil {
		return nil, respEnv.Error
	}
	var result any
	if err := json.Unmarshal(respEnv.Result, &result); err != nil {
		return nil, fmt.Errorf("parse upstream result: %w", err)
	}
	return toolResult(result)
}

// bufferedResponse is an in-memory http.ResponseWriter so call_tool can run
// an exchange through the proxy's full capture path without a socket.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

// toolResult wraps a payload as an MCP tools/call result with both a text
// block and structured content.
func toolResult(payload any) (any, error) {
	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize tool result: %w", err)
	}
	return map[string]any{
		"content":           []map[string]any{{"type": "text", "text": string(text)}},
		"structuredContent": payload,
	}, nil
}

// mustResult builds a success envelope; serialization of locally built
// payloads cannot fail.
func mustResult(req *mcp.Envelope, payload any) *mcp.Envelope {
	env, err := mcp.NewResultEnvelope(req.IDValue(), payload)
	if err != nil {
		return mcp.NewErrorEnvelope(req.IDValue(), mcp.InternalError, err.Error())
	}
	return env
}

// gatewayTools is the static management tool catalog.
var gatewayTools = []mcp.Tool{
	{
		Name:        "list_servers",
		Description: "List all registered upstream MCP servers with health and activity metadata.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "get_server",
		Description: "Fetch one registered server by name.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	},
	{
		Name:        "add_server",
		Description: "Register a new upstream MCP server.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"url":{"type":"string"},"headers":{"type":"object"}},"required":["name","url"]}`),
	},
	{
		Name:        "remove_server",
		Description: "Unregister an upstream MCP server.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	},
	{
		Name:        "recent_activity",
		Description: "Read the most recent capture records from the in-memory ring.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer","minimum":1,"maximum":1000}}}`),
	},
	{
		Name:        "call_tool",
		Description: "Call a tool on a registered server through the proxy's capture path.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"server":{"type":"string"},"name":{"type":"string"},"arguments":{"type":"object"}},"required":["server","name"]}`),
	},
}
