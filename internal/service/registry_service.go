// Package service contains the core proxy, registry, gateway, and health
// services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mcptap/mcptap/internal/domain/event"
	"github.com/mcptap/mcptap/internal/domain/registry"
	"github.com/mcptap/mcptap/pkg/mcp"
)

// ServerSpec describes a server to register.
type ServerSpec struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    *registry.AuthMetadata
}

// RegistryService owns the in-memory server catalog and its persistence.
// Every successful mutation is written through the store and then announced
// on the event bus. Activity updates are serialized per server; reads and
// independent mutations stay concurrent.
type RegistryService struct {
	store  registry.Store
	bus    *event.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]*registry.Server

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex // per-server activity locks
}

// NewRegistryService creates the service and loads the persisted registry.
func NewRegistryService(ctx context.Context, store registry.Store, bus *event.Bus, logger *slog.Logger) (*RegistryService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RegistryService{
		store:   store,
		bus:     bus,
		logger:  logger,
		servers: make(map[string]*registry.Server),
		locks:   make(map[string]*sync.Mutex),
	}

	reg, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	for _, srv := range reg.Servers {
		srv.Name = registry.NormalizeName(srv.Name)
		if srv.Health == "" {
			srv.Health = registry.HealthUnknown
		}
		s.servers[srv.Name] = srv
	}
	s.logger.Info("registry loaded", "servers", len(s.servers))
	return s, nil
}

// Get returns a copy of the named server.
// Returns registry.ErrServerNotFound when the name is unknown.
func (s *RegistryService) Get(name string) (*registry.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[registry.NormalizeName(name)]
	if !ok {
		return nil, registry.ErrServerNotFound
	}
	return srv.Clone(), nil
}

// List returns copies of all servers ordered by name.
func (s *RegistryService) List() []*registry.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*registry.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, srv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered servers.
func (s *RegistryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.servers)
}

// Add registers a new server. The name is normalized, the URL validated and
// stripped of a trailing slash. Duplicate names are rejected with
// registry.ErrDuplicateServerName.
func (s *RegistryService) Add(ctx context.Context, spec ServerSpec) (*registry.Server, error) {
	name := registry.NormalizeName(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	url, err := registry.NormalizeURL(spec.URL)
	if err != nil {
		return nil, err
	}

	srv := &registry.Server{
		Name:      name,
		URL:       url,
		Type:      registry.TransportHTTP,
		Headers:   spec.Headers,
		Health:    registry.HealthUnknown,
		Auth:      spec.Auth,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if _, exists := s.servers[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", registry.ErrDuplicateServerName, name)
	}
	s.servers[name] = srv
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		// Roll the in-memory change back so memory and disk agree.
		s.mu.Lock()
		delete(s.servers, name)
		s.mu.Unlock()
		return nil, err
	}

	s.bus.PublishRegistryUpdated()
	s.logger.Info("server registered", "server", name, "url", url)
	return srv.Clone(), nil
}

// Remove unregisters a server by name.
func (s *RegistryService) Remove(ctx context.Context, name string) error {
	name = registry.NormalizeName(name)

	s.mu.Lock()
	srv, ok := s.servers[name]
	if !ok {
		s.mu.Unlock()
		return registry.ErrServerNotFound
	}
	delete(s.servers, name)
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		s.servers[name] = srv
		s.mu.Unlock()
		return err
	}

	s.bus.PublishRegistryUpdated()
	s.logger.Info("server removed", "server", name)
	return nil
}

// UpdateHealth records a health probe result for a server.
func (s *RegistryService) UpdateHealth(ctx context.Context, name string, state registry.HealthState, ts time.Time) error {
	return s.mutate(ctx, name, func(srv *registry.Server) {
		srv.Health = state
		if ts.After(srv.LastHealthCheck) {
			srv.LastHealthCheck = ts
		}
	})
}

// BumpActivity increments the exchange counter and advances last activity.
// Both fields are monotonically non-decreasing; concurrent bumps for the
// same server are serialized by the per-server lock.
func (s *RegistryService) BumpActivity(ctx context.Context, name string) error {
	return s.mutate(ctx, name, func(srv *registry.Server) {
		srv.ExchangeCount++
		if now := time.Now().UTC(); now.After(srv.LastActivity) {
			srv.LastActivity = now
		}
	})
}

// CacheTools stores the upstream's observed tool list on its record.
func (s *RegistryService) CacheTools(ctx context.Context, name string, tools []mcp.Tool) error {
	return s.mutate(ctx, name, func(srv *registry.Server) {
		srv.Tools = append([]mcp.Tool(nil), tools...)
	})
}

// mutate applies fn to the named server under its per-server lock,
// persists, and publishes registry_updated.
func (s *RegistryService) mutate(ctx context.Context, name string, fn func(*registry.Server)) error {
	name = registry.NormalizeName(name)
	lock := s.serverLock(name)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	srv, ok := s.servers[name]
	if !ok {
		s.mu.Unlock()
		return registry.ErrServerNotFound
	}
	fn(srv)
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		return err
	}
	s.bus.PublishRegistryUpdated()
	return nil
}

// serverLock returns the activity lock for a server, creating it on demand.
func (s *RegistryService) serverLock(name string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// persist snapshots the catalog and writes it through the store.
func (s *RegistryService) persist(ctx context.Context) error {
	s.mu.RLock()
	reg := &registry.Registry{Servers: make([]*registry.Server, 0, len(s.servers))}
	for _, srv := range s.servers {
		reg.Servers = append(reg.Servers, srv.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(reg.Servers, func(i, j int) bool { return reg.Servers[i].Name < reg.Servers[j].Name })

	if err := s.store.Save(ctx, reg); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}
