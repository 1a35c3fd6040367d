package registry

import (
	"testing"
	"time"

	"github.com/mcptap/mcptap/pkg/mcp"
)

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Weather", "weather"},
		{"  github  ", "github"},
		{"ALLCAPS", "allcaps"},
		{"already-lower", "already-lower"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "http://localhost:3000/mcp", "http://localhost:3000/mcp", false},
		{"trailing slash stripped", "https://api.example.com/", "https://api.example.com", false},
		{"surrounding whitespace", "  http://h/mcp  ", "http://h/mcp", false},
		{"relative", "/mcp", "", true},
		{"no host", "http://", "", true},
		{"garbage", "://nope", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestServer_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *Server {
		return &Server{Name: "weather", URL: "http://localhost:3000/mcp", Type: TransportHTTP}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() on valid server: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Server)
	}{
		{"empty name", func(s *Server) { s.Name = "" }},
		{"unnormalized name", func(s *Server) { s.Name = "Weather" }},
		{"relative url", func(s *Server) { s.URL = "/mcp" }},
		{"unknown transport", func(s *Server) { s.Type = "stdio" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := valid()
			tt.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestServer_Clone(t *testing.T) {
	t.Parallel()

	orig := &Server{
		Name:    "weather",
		URL:     "http://localhost:3000/mcp",
		Type:    TransportHTTP,
		Headers: map[string]string{"Authorization": "Bearer tok"},
		Tools:   []mcp.Tool{{Name: "get_forecast"}},
		Auth:    &AuthMetadata{OAuthClientID: "cid"},

		Health:        HealthUp,
		ExchangeCount: 3,
		CreatedAt:     time.Now().UTC(),
	}

	cp := orig.Clone()
	cp.Headers["Authorization"] = "changed"
	cp.Tools[0].Name = "changed"
	cp.Auth.OAuthClientID = "changed"
	cp.Name = "other"

	if orig.Headers["Authorization"] != "Bearer tok" {
		t.Error("mutating clone headers leaked into the original")
	}
	if orig.Tools[0].Name != "get_forecast" {
		t.Error("mutating clone tools leaked into the original")
	}
	if orig.Auth.OAuthClientID != "cid" {
		t.Error("mutating clone auth leaked into the original")
	}
	if orig.Name != "weather" {
		t.Error("mutating clone name leaked into the original")
	}
}
