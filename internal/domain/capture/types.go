// Package capture contains domain types for the append-only exchange
// capture log: one immutable record per half of an exchange.
package capture

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mcptap/mcptap/pkg/mcp"
	"github.com/mcptap/mcptap/pkg/sse"
)

// Kind identifies what a capture record describes.
type Kind string

const (
	// KindRequest is a client request forwarded upstream.
	KindRequest Kind = "request"
	// KindResponse is an upstream JSON-RPC response, plain or SSE-framed.
	KindResponse Kind = "response"
	// KindSSEEvent is a raw SSE event not recognized as JSON-RPC.
	KindSSEEvent Kind = "sse-event"
	// KindError is a failure synthesized by the proxy itself.
	KindError Kind = "error"
)

// StatelessSessionID is the sentinel session id used before an upstream
// assigns a real one during initialize.
const StatelessSessionID = "stateless"

// Metadata carries transport-level details for a record.
type Metadata struct {
	HTTPStatus int   `json:"httpStatus,omitempty"`
	DurationMs int64 `json:"durationMs,omitempty"`
}

// Record is one line in a capture file. Records are immutable once written.
type Record struct {
	CaptureID  string        `json:"captureId"`
	Kind       Kind          `json:"kind"`
	ServerName string        `json:"serverName"`
	SessionID  string        `json:"sessionId"`
	Method     string        `json:"method,omitempty"`
	Direction  mcp.Direction `json:"direction"`
	Timestamp  time.Time     `json:"timestamp"`

	// Request and Response hold the original JSON-RPC envelopes verbatim.
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	// SSEEvent holds a raw SSE event payload for kind "sse-event".
	SSEEvent *sse.Event `json:"sseEvent,omitempty"`
	// ErrorMessage describes a proxy-synthesized failure for kind "error".
	ErrorMessage string `json:"errorMessage,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// NewCaptureID returns a lexicographically sortable ULID for a record.
func NewCaptureID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Store is the append-only capture log. Implementations must produce
// whole-line writes even under concurrent appenders.
type Store interface {
	// Append writes one record and returns the filename it landed in.
	Append(ctx context.Context, rec *Record) (string, error)
	// RenameSessionFile atomically relabels an in-progress capture file to
	// a newly assigned session id. Used exactly once per session.
	RenameSessionFile(ctx context.Context, server, oldFilename, newSessionID string) (string, error)
}
