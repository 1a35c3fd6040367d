package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr only", "203.0.113.5:4321", nil, "203.0.113.5"},
		{"x-forwarded-for single", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7"}, "198.51.100.7"},
		{"x-forwarded-for chain", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.2, 10.0.0.3"}, "198.51.100.7"},
		{"x-real-ip fallback", "10.0.0.1:80", map[string]string{"X-Real-IP": "192.0.2.9"}, "192.0.2.9"},
		{"forwarded wins over real-ip", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7", "X-Real-IP": "192.0.2.9"}, "198.51.100.7"},
		{"unparseable remote addr", "bogus", nil, "bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRealIPMiddleware_StoresIPInContext(t *testing.T) {
	t.Parallel()

	var got string
	h := RealIPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RealIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.7")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "198.51.100.7" {
		t.Errorf("RealIPFromContext() = %q", got)
	}
}

func TestRequestIDMiddleware_ContextPropagation(t *testing.T) {
	t.Parallel()

	var gotID string
	h := RequestIDMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = RequestIDFromContext(r.Context())
		if LoggerFromContext(r.Context()) == nil {
			t.Error("LoggerFromContext() = nil")
		}
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-7")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if gotID != "req-7" {
		t.Errorf("RequestIDFromContext() = %q, want req-7", gotID)
	}
}
