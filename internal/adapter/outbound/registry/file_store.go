// Package registry provides the file-backed registry store: a single JSON
// file rewritten atomically on every mutation.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mcptap/mcptap/internal/domain/registry"
)

// FileName is the registry file name under the data root.
const FileName = "registry.json"

// FileStore reads and writes `<root>/registry.json`. Writes are atomic
// (write-temp, fsync, rename) and guarded by an in-process mutex plus a
// cross-process flock.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a store rooted at the given data directory.
func NewFileStore(root string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: filepath.Join(root, FileName), logger: logger}
}

// Load reads and parses the registry file. A missing file yields an empty
// registry.
func (s *FileStore) Load(ctx context.Context) (*registry.Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("registry file not found, starting empty", "path", s.path)
			return &registry.Registry{Servers: []*registry.Server{}}, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var reg registry.Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	if reg.Servers == nil {
		reg.Servers = []*registry.Server{}
	}
	return &reg, nil
}

// Save writes the registry to disk atomically.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Marshal as indented JSON
//  4. Write to path+".tmp" with 0600 permissions
//  5. Fsync the temp file
//  6. Rename path+".tmp" -> path
//  7. Release flock and mutex
func (s *FileStore) Save(ctx context.Context, reg *registry.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	s.logger.Debug("registry saved", "path", s.path, "servers", len(reg.Servers))
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it over
// the target path. On any error the temp file is cleaned up.
func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to registry: %w", err)
	}
	return nil
}

// Path returns the configured registry file path.
func (s *FileStore) Path() string {
	return s.path
}

// Compile-time interface verification.
var _ registry.Store = (*FileStore)(nil)
