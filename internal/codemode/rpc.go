package codemode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mcptap/mcptap/pkg/mcp"
)

// maxRPCBodySize caps an inner tool-call response body.
const maxRPCBodySize = 10 * 1024 * 1024 // 10MB

// HTTPRPCHandler issues inner tool calls as plain (non-streaming) JSON-RPC
// POSTs to the upstream. The code-mode session id is echoed on every call.
type HTTPRPCHandler struct {
	client    *http.Client
	sessionID string
	// serverURL resolves an original server name to its URL.
	serverURL func(name string) (string, bool)
}

// NewHTTPRPCHandler builds the default RPC dispatcher.
func NewHTTPRPCHandler(client *http.Client, sessionID string, serverURL func(name string) (string, bool)) *HTTPRPCHandler {
	if client == nil {
		client = http.DefaultClient
	}
	if sessionID == "" {
		sessionID = "stateless"
	}
	return &HTTPRPCHandler{client: client, sessionID: sessionID, serverURL: serverURL}
}

// toolCallParams is the params shape of an inner tools/call envelope.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolCallResult is the result shape the handler unwraps.
type toolCallResult struct {
	StructuredContent json.RawMessage `json:"structuredContent"`
	Content           json.RawMessage `json:"content"`
}

// Dispatch builds a tools/call envelope carrying the ORIGINAL tool name,
// POSTs it, and returns result.structuredContent when present, otherwise
// result.content. An upstream JSON-RPC error becomes a Go error.
func (h *HTTPRPCHandler) Dispatch(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
	url, ok := h.serverURL(serverName)
	if !ok {
		return nil, fmt.Errorf("unknown server %q", serverName)
	}

	params, err := json.Marshal(toolCallParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode tool call params: %w", err)
	}
	id, _ := json.Marshal(uuid.NewString())
	envelope, err := json.Marshal(mcp.Envelope{
		JSONRPC: mcp.Version,
		ID:      id,
		Method:  mcp.MethodToolsCall,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tool call envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(envelope)))
	if err != nil {
		return nil, fmt.Errorf("create tool call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mcp-Session-Id", h.sessionID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", toolName, serverName, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCBodySize))
	if err != nil {
		return nil, fmt.Errorf("read tool call response: %w", err)
	}

	env, err := mcp.DecodeEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("parse tool call response: %w", err)
	}
	if env.Error != nil {
		return nil, env.Error
	}

	var result toolCallResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tool call result: %w", err)
	}
	if len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null" {
		return result.StructuredContent, nil
	}
	return result.Content, nil
}
