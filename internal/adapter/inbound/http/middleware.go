package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mcptap/mcptap/internal/ctxkey"
)

// RequestIDMiddleware extracts or generates a request ID and enriches the
// logger. The ID is stored in context and echoed as X-Request-ID for
// correlation.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)
			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context, falling
// back to slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// RequestIDFromContext retrieves the request correlation id, if present.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	return id
}

// realIPContextKey carries the resolved client IP.
type realIPContextKey struct{}

// RealIPMiddleware resolves the originating client IP from
// X-Forwarded-For / X-Real-IP, falling back to RemoteAddr.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ctx := context.WithValue(r.Context(), realIPContextKey{}, ip)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RealIPFromContext returns the resolved client IP, or "" when unknown.
func RealIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(realIPContextKey{}).(string)
	return ip
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client.
		if idx := strings.Index(fwd, ","); idx >= 0 {
			fwd = fwd[:idx]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
