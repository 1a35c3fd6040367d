// Package registry contains domain types for the catalog of upstream MCP
// servers known to the proxy.
package registry

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mcptap/mcptap/pkg/mcp"
)

// TransportType identifies the transport protocol for an upstream server.
type TransportType string

// TransportHTTP is the only transport the proxy speaks to upstreams.
const TransportHTTP TransportType = "http"

// HealthState is the last observed health of an upstream.
type HealthState string

const (
	// HealthUnknown means the server has not been probed yet.
	HealthUnknown HealthState = "unknown"
	// HealthUp means the last probe succeeded.
	HealthUp HealthState = "up"
	// HealthDown means the last probe failed.
	HealthDown HealthState = "down"
)

// Server is one registered upstream MCP server.
type Server struct {
	// Name is the unique, lowercase identifier used in request paths.
	Name string `json:"name"`
	// URL is the upstream endpoint (absolute, no trailing slash).
	URL string `json:"url"`
	// Type is the transport type. Always "http".
	Type TransportType `json:"type"`
	// Headers are forwarded verbatim on every upstream request.
	Headers map[string]string `json:"headers,omitempty"`

	// Health is the last observed health state.
	Health HealthState `json:"health"`
	// LastHealthCheck is when Health was last updated.
	LastHealthCheck time.Time `json:"lastHealthCheck"`
	// LastActivity is when the server last handled an exchange.
	LastActivity time.Time `json:"lastActivity"`
	// ExchangeCount is the number of exchanges forwarded. Never decreases.
	ExchangeCount int64 `json:"exchangeCount"`

	// Tools is the cached tool list from the last tools/list observation.
	Tools []mcp.Tool `json:"tools,omitempty"`

	// Auth carries optional authorization metadata for the upstream.
	Auth *AuthMetadata `json:"auth,omitempty"`

	// CreatedAt is when the server was registered.
	CreatedAt time.Time `json:"createdAt"`
}

// AuthMetadata holds OAuth-related metadata recorded for an upstream.
// The proxy stores it verbatim; it does not perform authentication itself.
type AuthMetadata struct {
	AuthURL           string `json:"authUrl,omitempty"`
	AuthError         string `json:"authError,omitempty"`
	OAuthClientID     string `json:"oauthClientId,omitempty"`
	OAuthClientSecret string `json:"oauthClientSecret,omitempty"`
}

// NormalizeName canonicalizes a server name: trimmed and lowercased.
// Lookups and registrations are case-insensitive.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeURL validates that raw parses as an absolute URL and strips a
// trailing slash.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	return strings.TrimSuffix(raw, "/"), nil
}

// Validate checks that the server record is well formed.
func (s *Server) Validate() error {
	if NormalizeName(s.Name) == "" {
		return fmt.Errorf("server name is required")
	}
	if s.Name != NormalizeName(s.Name) {
		return fmt.Errorf("server name %q is not normalized", s.Name)
	}
	if _, err := NormalizeURL(s.URL); err != nil {
		return err
	}
	if s.Type != TransportHTTP {
		return fmt.Errorf("unsupported transport type %q", s.Type)
	}
	return nil
}

// Clone returns a deep copy, preventing callers from mutating stored state.
func (s *Server) Clone() *Server {
	cp := *s
	if s.Headers != nil {
		cp.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			cp.Headers[k] = v
		}
	}
	if s.Tools != nil {
		cp.Tools = append([]mcp.Tool(nil), s.Tools...)
	}
	if s.Auth != nil {
		auth := *s.Auth
		cp.Auth = &auth
	}
	return &cp
}

// Registry is the serialized shape of the on-disk registry file.
type Registry struct {
	Servers []*Server `json:"servers"`
}
