// Package mcp provides MCP message types and JSON-RPC envelope utilities
// for the mcptap proxy.
package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC protocol version accepted by the proxy.
const Version = "2.0"

// ProtocolVersion is the MCP protocol baseline used when the client does not
// advertise one.
const ProtocolVersion = "2025-06-18"

// Well-known MCP method names the proxy inspects. Everything else is
// forwarded opaquely.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
	MethodPing       = "ping"
)

// Kind classifies a JSON-RPC envelope.
type Kind int

const (
	// KindRequest is a call that expects a response (has an id).
	KindRequest Kind = iota
	// KindNotification is a call with no id; no response is expected.
	KindNotification
	// KindResponse is a result or error answering a request.
	KindResponse
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Direction indicates the flow direction of a message through the proxy.
type Direction string

const (
	// Inbound flows from the client toward the upstream server.
	Inbound Direction = "inbound"
	// Outbound flows from the upstream server back to the client.
	Outbound Direction = "outbound"
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("JSON-RPC %d: %s", e.Code, e.Message)
}

// JSON-RPC error codes the proxy synthesizes.
const (
	// InternalError covers internal/transport failures.
	InternalError = -32603
	// InvalidParams covers malformed tool-call parameters.
	InvalidParams = -32602
	// MethodNotFound covers unknown methods on locally served endpoints.
	MethodNotFound = -32601
)

// Envelope is a decoded JSON-RPC 2.0 envelope. The ID is kept raw so that
// string, number, and null ids survive a round trip byte-identically.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// Raw holds the original bytes for passthrough.
	Raw []byte `json:"-"`
}

// Validation failures for inbound envelopes. The HTTP layer maps these to
// 400 responses naming the failing field.
var (
	ErrNotObject      = errors.New("request must be a JSON object")
	ErrBadVersion     = errors.New(`field "jsonrpc" must be "2.0"`)
	ErrMissingMethod  = errors.New(`field "method" is required and must be a string`)
	ErrMalformedParam = errors.New(`field "params" must be an object or array`)
)

// nullID is the literal JSON null.
var nullID = []byte("null")

// ParseEnvelope decodes and validates a JSON-RPC request envelope from raw
// bytes. It enforces the fields the proxy relies on (jsonrpc version and a
// string method) and leaves everything else untouched.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrNotObject
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, ErrNotObject
	}
	if env.JSONRPC != Version {
		return nil, ErrBadVersion
	}
	if env.Method == "" {
		return nil, ErrMissingMethod
	}
	if len(env.Params) > 0 {
		switch env.Params[0] {
		case '{', '[':
		default:
			return nil, ErrMalformedParam
		}
	}

	env.Raw = raw
	return &env, nil
}

// DecodeEnvelope decodes any JSON-RPC envelope (request, notification, or
// response) without request-side validation. Used for upstream bodies and
// SSE payloads, which the proxy observes but does not author.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	if env.JSONRPC != Version {
		return nil, ErrBadVersion
	}
	env.Raw = raw
	return &env, nil
}

// Kind classifies the envelope. An envelope carrying a result or error is a
// response; a method with a non-null id is a request; a method without an
// id is a notification.
func (e *Envelope) Kind() Kind {
	if e.Result != nil || e.Error != nil {
		return KindResponse
	}
	if e.HasID() {
		return KindRequest
	}
	return KindNotification
}

// HasID reports whether the envelope carries a non-null id.
func (e *Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, nullID)
}

// IDValue returns the raw id, or JSON null when absent. Suitable for
// echoing into a synthesized response.
func (e *Envelope) IDValue() json.RawMessage {
	if len(e.ID) == 0 {
		return json.RawMessage(nullID)
	}
	return e.ID
}

// Encode re-serializes the envelope. The raw bytes are preferred when
// present so that the upstream sees exactly what the client sent.
func (e *Envelope) Encode() []byte {
	if e.Raw != nil {
		return e.Raw
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}

// NewErrorEnvelope synthesizes a JSON-RPC error response answering the
// given request id. An absent id is encoded as JSON null.
func NewErrorEnvelope(id json.RawMessage, code int, message string) *Envelope {
	if len(id) == 0 {
		id = json.RawMessage(nullID)
	}
	return &Envelope{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewResultEnvelope synthesizes a JSON-RPC success response.
func NewResultEnvelope(id json.RawMessage, result any) (*Envelope, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if len(id) == 0 {
		id = json.RawMessage(nullID)
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: data}, nil
}

// ClientInfo is the client identity advertised in initialize params.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version,omitempty"`
}

// ClientInfoFromParams extracts params.clientInfo from an initialize
// request. Returns false when the params carry no usable clientInfo.
func ClientInfoFromParams(params json.RawMessage) (ClientInfo, bool) {
	if len(params) == 0 {
		return ClientInfo{}, false
	}
	var p struct {
		ClientInfo *ClientInfo `json:"clientInfo"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ClientInfo == nil || p.ClientInfo.Name == "" {
		return ClientInfo{}, false
	}
	return *p.ClientInfo, true
}

// Tool describes one tool advertised by an upstream server.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ToolsFromResult extracts the tool list from a tools/list result payload.
func ToolsFromResult(result json.RawMessage) ([]Tool, error) {
	var r struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return r.Tools, nil
}
