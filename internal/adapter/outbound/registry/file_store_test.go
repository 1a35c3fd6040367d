package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mcptap/mcptap/internal/domain/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	t.Parallel()

	store := NewFileStore(t.TempDir(), testLogger())
	reg, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if reg.Servers == nil || len(reg.Servers) != 0 {
		t.Errorf("Load() on missing file = %+v, want empty non-nil server list", reg.Servers)
	}
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewFileStore(t.TempDir(), testLogger())
	ctx := context.Background()

	in := &registry.Registry{Servers: []*registry.Server{
		{
			Name:    "weather",
			URL:     "http://localhost:3000/mcp",
			Type:    registry.TransportHTTP,
			Headers: map[string]string{"Authorization": "Bearer tok"},
			Health:  registry.HealthUnknown,
		},
		{Name: "github", URL: "https://api.example.com/mcp", Type: registry.TransportHTTP},
	}}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	out, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(out.Servers) != 2 {
		t.Fatalf("Load() servers = %d, want 2", len(out.Servers))
	}
	if out.Servers[0].Name != "weather" || out.Servers[0].Headers["Authorization"] != "Bearer tok" {
		t.Errorf("first server = %+v", out.Servers[0])
	}
	if out.Servers[1].URL != "https://api.example.com/mcp" {
		t.Errorf("second server = %+v", out.Servers[1])
	}
}

func TestFileStore_SaveOverwritesAtomically(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := NewFileStore(root, testLogger())
	ctx := context.Background()

	first := &registry.Registry{Servers: []*registry.Server{
		{Name: "a", URL: "http://a/mcp", Type: registry.TransportHTTP},
	}}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	second := &registry.Registry{Servers: []*registry.Server{
		{Name: "b", URL: "http://b/mcp", Type: registry.TransportHTTP},
	}}
	if err := store.Save(ctx, second); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	out, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(out.Servers) != 1 || out.Servers[0].Name != "b" {
		t.Errorf("Load() after overwrite = %+v, want only server b", out.Servers)
	}

	// No temp file may survive a completed save.
	if _, err := os.Stat(filepath.Join(root, FileName+".tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file still present after save: %v", err)
	}
}

func TestFileStore_LoadRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := NewFileStore(root, testLogger())
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("Load() = nil error on corrupt file, want error")
	}
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	t.Parallel()

	store := NewFileStore(t.TempDir(), testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reg := &registry.Registry{Servers: []*registry.Server{
				{Name: "srv", URL: "http://srv/mcp", Type: registry.TransportHTTP, ExchangeCount: int64(n)},
			}}
			if err := store.Save(ctx, reg); err != nil {
				t.Errorf("Save() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Whichever save won, the file must be a complete valid registry.
	out, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() after concurrent saves: %v", err)
	}
	if len(out.Servers) != 1 || out.Servers[0].Name != "srv" {
		t.Errorf("Load() = %+v, want one srv entry", out.Servers)
	}
}
