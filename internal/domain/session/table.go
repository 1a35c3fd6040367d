// Package session tracks negotiated client info per MCP session.
package session

import (
	"sync"

	"github.com/mcptap/mcptap/pkg/mcp"
)

// StatelessID is the sentinel session id for requests that arrive before
// the upstream has assigned a session. Its entry may be overwritten across
// initializations.
const StatelessID = "stateless"

// Table maps session ids to the client info advertised during initialize.
// It is owned by the process entry point and passed into the proxy engine;
// tests substitute a local instance.
type Table struct {
	mu      sync.RWMutex
	entries map[string]mcp.ClientInfo
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{entries: make(map[string]mcp.ClientInfo)}
}

// Store records client info under the given session id.
func (t *Table) Store(sessionID string, info mcp.ClientInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[sessionID] = info
}

// Get returns the client info for a session id, if known.
func (t *Table) Get(sessionID string) (mcp.ClientInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.entries[sessionID]
	return info, ok
}

// Adopt copies the stateless entry under a newly assigned session id.
// Called on the initialize transition, before any post-initialize request
// is proxied for the new session.
func (t *Table) Adopt(newSessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.entries[StatelessID]
	if !ok {
		return false
	}
	t.entries[newSessionID] = info
	return true
}

// Len returns the number of known sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
