package registry

import (
	"context"
	"errors"
)

// Sentinel errors for registry operations.
var (
	// ErrServerNotFound is returned when no server with the given name exists.
	ErrServerNotFound = errors.New("server not found")
	// ErrDuplicateServerName is returned when a server name is already taken.
	ErrDuplicateServerName = errors.New("duplicate server name")
)

// Store provides persistence for the server registry.
// This is a port in the hexagonal architecture; the file-backed
// implementation lives in adapter/outbound/registry.
type Store interface {
	// Load reads the registry from durable storage. A missing file yields
	// an empty registry, not an error.
	Load(ctx context.Context) (*Registry, error)
	// Save writes the registry atomically (write-temp, fsync, rename).
	Save(ctx context.Context, reg *Registry) error
}
