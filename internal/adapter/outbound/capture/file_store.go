// Package capture provides the file-backed capture store: append-only
// per-session NDJSON files with an atomic rename on session transition and
// an in-memory cache of recent records.
package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mcptap/mcptap/internal/domain/capture"
)

// filenameStamp is the layout for the time-bucket segment of a capture
// filename. Colons are avoided for filesystem portability.
const filenameStamp = "2006-01-02T15-04-05.000Z"

// scanBufSize bounds a single capture line when reading files back.
const scanBufSize = 4 * 1024 * 1024

// Config holds configuration for the file-backed capture store.
type Config struct {
	// Root is the directory holding one subdirectory per server.
	Root string
	// CacheSize is the number of recent records kept in memory (default 1000).
	CacheSize int
}

// FileStore implements capture.Store with one NDJSON file per
// (server, session, time-bucket). Appends are whole-line writes guarded by
// a per-file mutex; the session rename is a single atomic os.Rename.
type FileStore struct {
	root   string
	logger *slog.Logger
	cache  *recentCache

	mu    sync.Mutex
	files map[string]*captureFile // keyed by server + "/" + session
}

// captureFile is one open capture file.
type captureFile struct {
	mu      sync.Mutex
	f       *os.File
	name    string // base filename
	server  string
	session string
}

// NewFileStore creates the store, creating the root directory if needed.
func NewFileStore(cfg Config, logger *slog.Logger) (*FileStore, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create capture root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		root:   cfg.Root,
		logger: logger,
		cache:  newRecentCache(cfg.CacheSize),
		files:  make(map[string]*captureFile),
	}, nil
}

// Append writes rec as a single line to the capture file for its
// (server, session), creating the file on first use. It returns the base
// filename the record landed in.
func (s *FileStore) Append(ctx context.Context, rec *capture.Record) (string, error) {
	if rec.CaptureID == "" {
		rec.CaptureID = capture.NewCaptureID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	cf, err := s.fileFor(rec.ServerName, rec.SessionID, rec.Timestamp)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal capture record: %w", err)
	}
	line := append(data, '\n')

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.f == nil {
		return "", fmt.Errorf("capture file %s is closed", cf.name)
	}
	if _, err := cf.f.Write(line); err != nil {
		return "", fmt.Errorf("append capture record: %w", err)
	}

	s.cache.Add(*rec)
	return cf.name, nil
}

// RenameSessionFile atomically relabels the capture file opened under the
// old filename to carry the newly assigned session id. The open handle is
// carried over; records buffered by concurrent appenders land in the
// renamed file.
func (s *FileStore) RenameSessionFile(ctx context.Context, server, oldFilename, newSessionID string) (string, error) {
	oldServer, oldSession, stamp, ok := parseFilename(oldFilename)
	if !ok || oldServer != server {
		return "", fmt.Errorf("malformed capture filename %q", oldFilename)
	}
	newName := buildFilename(server, newSessionID, stamp)

	dir := filepath.Join(s.root, server)
	oldPath := filepath.Join(dir, oldFilename)
	newPath := filepath.Join(dir, newName)

	// Lock order is s.mu then cf.mu, matching Append and Close.
	s.mu.Lock()
	defer s.mu.Unlock()

	cf := s.files[fileKey(server, oldSession)]
	if cf == nil {
		// Not open (e.g. process restarted mid-session): plain rename.
		if err := os.Rename(oldPath, newPath); err != nil {
			return "", fmt.Errorf("rename capture file: %w", err)
		}
		return newName, nil
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()

	if err := os.Rename(oldPath, newPath); err != nil {
		return "", fmt.Errorf("rename capture file: %w", err)
	}
	cf.name = newName
	cf.session = newSessionID

	delete(s.files, fileKey(server, oldSession))
	s.files[fileKey(server, newSessionID)] = cf

	return newName, nil
}

// Recent returns the last n captured records, newest first.
func (s *FileStore) Recent(n int) []capture.Record {
	return s.cache.Recent(n)
}

// ReadSession reads all records from one capture file. Truncated or
// malformed lines (for example after a crash mid-append) are skipped.
func (s *FileStore) ReadSession(server, filename string) ([]capture.Record, error) {
	path := filepath.Join(s.root, server, filename)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []capture.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), scanBufSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec capture.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping malformed capture line", "file", filename, "error", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read capture file: %w", err)
	}
	return records, nil
}

// SessionFiles lists capture filenames for a server, oldest first.
func (s *FileStore) SessionFiles(server string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, server))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read capture dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if _, _, _, ok := parseFilename(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Close syncs and closes every open capture file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, cf := range s.files {
		cf.mu.Lock()
		if cf.f != nil {
			_ = cf.f.Sync()
			if err := cf.f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			cf.f = nil
		}
		cf.mu.Unlock()
		delete(s.files, key)
	}
	return firstErr
}

// fileFor returns the open capture file for (server, session), creating the
// directory and file on first use.
func (s *FileStore) fileFor(server, session string, ts time.Time) (*captureFile, error) {
	key := fileKey(server, session)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cf, ok := s.files[key]; ok {
		return cf, nil
	}

	dir := filepath.Join(s.root, server)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}

	name := buildFilename(server, session, ts.UTC().Format(filenameStamp))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open capture file %s: %w", name, err)
	}

	cf := &captureFile{f: f, name: name, server: server, session: session}
	s.files[key] = cf
	return cf, nil
}

func fileKey(server, session string) string {
	return server + "/" + session
}

// buildFilename constructs `<server>__<session>__<stamp>.ndjson`.
func buildFilename(server, session, stamp string) string {
	return fmt.Sprintf("%s__%s__%s.ndjson", server, session, stamp)
}

// parseFilename splits a capture filename into its three segments.
func parseFilename(name string) (server, session, stamp string, ok bool) {
	if !strings.HasSuffix(name, ".ndjson") {
		return "", "", "", false
	}
	base := strings.TrimSuffix(name, ".ndjson")
	parts := strings.SplitN(base, "__", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// Compile-time interface verification.
var _ capture.Store = (*FileStore)(nil)

// recentCache is a ring buffer of recent capture records for the gateway's
// recent_activity tool.
type recentCache struct {
	mu      sync.RWMutex
	entries []capture.Record
	size    int
	head    int
	count   int
}

func newRecentCache(size int) *recentCache {
	return &recentCache{entries: make([]capture.Record, size), size: size}
}

// Add appends a record, overwriting the oldest entry when full.
func (c *recentCache) Add(rec capture.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns the last n entries, newest first.
func (c *recentCache) Recent(n int) []capture.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	out := make([]capture.Record, n)
	for i := 0; i < n; i++ {
		idx := (c.head - 1 - i + c.size) % c.size
		out[i] = c.entries[idx]
	}
	return out
}
