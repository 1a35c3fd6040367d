// Package ctxkey holds shared context key types so packages can exchange
// request-scoped values without import cycles.
package ctxkey

// LoggerKey is the context key for the request-enriched logger.
type LoggerKey struct{}

// RequestIDKey is the context key for the request correlation id.
type RequestIDKey struct{}
