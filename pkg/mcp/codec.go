package mcp

import (
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ClassifyMessage runs data through the SDK codec and reports whether it is
// a well-formed JSON-RPC message. The SSE recognizer uses this as the
// authoritative well-formedness check before the proxy records a payload as
// JSON-RPC; field-level access still goes through Envelope, which preserves
// the raw id bytes (the SDK's jsonrpc.ID does not round-trip through
// interface{}).
func ClassifyMessage(data []byte) (Kind, bool) {
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return 0, false
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		return KindResponse, true
	case *jsonrpc.Request:
		if m.ID.IsValid() {
			return KindRequest, true
		}
		return KindNotification, true
	default:
		return 0, false
	}
}
