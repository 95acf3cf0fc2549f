// Package replica keeps size-bounded local copies of files that live on
// remote or layered file systems, so that container formats needing random
// access can read them from disk.
package replica

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/pkg/retry"
)

const indexFile = "index.json"

// ErrPinned is returned when evicting a pinned replica.
var ErrPinned = errors.New("replica is pinned")

// ErrNotReplicated is returned for keys with no local copy.
var ErrNotReplicated = errors.New("not replicated")

// Entry describes one local copy.
type Entry struct {
	Key        string    `json:"key"`
	LocalPath  string    `json:"local_path"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
	Pinned     bool      `json:"pinned"`
}

// Observer is told about replica traffic, typically to feed metrics.
type Observer interface {
	ReplicaFetched(bytes int64)
	ReplicaUsage(bytes int64)
}

type nopObserver struct{}

func (nopObserver) ReplicaFetched(int64) {}
func (nopObserver) ReplicaUsage(int64)   {}

// Store manages replicas under one directory. Keys are the names of the
// replicated files; on disk each copy is named by the SHA-256 of its key.
type Store struct {
	dir     string
	maxSize int64

	logger   *zap.Logger
	observer Observer
	retry    retry.Config

	mu      sync.RWMutex
	entries map[string]*Entry
	size    int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// WithObserver reports fetches and disk usage to obs.
func WithObserver(obs Observer) Option { return func(s *Store) { s.observer = obs } }

// WithRetry sets the retry policy used by Fetch.
func WithRetry(cfg retry.Config) Option { return func(s *Store) { s.retry = cfg } }

// New creates a store in dir, holding at most maxSize bytes of unpinned
// replicas.
func New(dir string, maxSize int64, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create replica dir: %w", err)
	}
	s := &Store{
		dir:      dir,
		maxSize:  maxSize,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		retry:    retry.DefaultConfig(),
		entries:  make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns the local path of key's replica.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return "", false
	}
	entry.LastAccess = time.Now()
	return entry.LocalPath, true
}

// Put copies r into the replica of key, replacing any previous copy. The
// content is written to a temporary file and renamed into place.
func (s *Store) Put(key string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.dir, "put-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write replica: %w", err)
	}

	localPath := filepath.Join(s.dir, fileName(key))

	s.mu.Lock()
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		s.mu.Unlock()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename temp file: %w", err)
	}
	pinned := false
	if old, ok := s.entries[key]; ok {
		s.size -= old.Size
		pinned = old.Pinned
	}
	s.entries[key] = &Entry{
		Key:        key,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
		Pinned:     pinned,
	}
	s.size += written

	for s.size > s.maxSize {
		if !s.evictOldest(key) {
			break
		}
	}
	usage := s.size
	s.mu.Unlock()

	s.observer.ReplicaUsage(usage)
	return localPath, nil
}

// Fetch returns the replica of key, copying it from open when missing.
// Errors from open marked with retry.Retryable are retried.
func (s *Store) Fetch(ctx context.Context, key string, open func(ctx context.Context) (io.ReadCloser, error)) (string, error) {
	if path, ok := s.Get(key); ok {
		return path, nil
	}

	cfg := s.retry
	cfg.OnRetry = func(attempt int, err error) {
		s.logger.Warn("replica fetch failed, retrying",
			zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
	}
	path, err := retry.DoValue(ctx, cfg, func(ctx context.Context) (string, error) {
		rc, err := open(ctx)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return s.Put(key, rc)
	})
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", key, err)
	}

	if fi, err := os.Stat(path); err == nil {
		s.observer.ReplicaFetched(fi.Size())
	}
	s.logger.Debug("replicated", zap.String("key", key), zap.String("path", path))
	return path, nil
}

// Evict removes key's replica.
func (s *Store) Evict(key string) error {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if entry.Pinned {
		s.mu.Unlock()
		return fmt.Errorf("evict %s: %w", key, ErrPinned)
	}
	s.removeLocked(key, entry)
	usage := s.size
	s.mu.Unlock()

	s.observer.ReplicaUsage(usage)
	return nil
}

// Pin keeps key's replica from being evicted.
func (s *Store) Pin(key string) error {
	return s.setPinned(key, true)
}

// Unpin allows key's replica to be evicted again.
func (s *Store) Unpin(key string) error {
	return s.setPinned(key, false)
}

func (s *Store) setPinned(key string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotReplicated)
	}
	entry.Pinned = pinned
	return nil
}

func (s *Store) removeLocked(key string, entry *Entry) {
	os.Remove(entry.LocalPath)
	s.size -= entry.Size
	delete(s.entries, key)
}

// evictOldest removes the least recently used unpinned replica other than
// keep. Must be called with the lock held.
func (s *Store) evictOldest(keep string) bool {
	var oldest *Entry
	for key, entry := range s.entries {
		if entry.Pinned || key == keep {
			continue
		}
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	s.logger.Debug("replica evicted", zap.String("key", oldest.Key), zap.Int64("size", oldest.Size))
	s.removeLocked(oldest.Key, oldest)
	return true
}

// Stats returns the bytes in use, the configured bound and the replica
// count.
func (s *Store) Stats() (size, maxSize int64, count int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, s.maxSize, len(s.entries)
}

// List returns copies of all entries, sorted by key.
func (s *Store) List() []Entry {
	return s.collect(func(*Entry) bool { return true })
}

// Pinned returns copies of the pinned entries, sorted by key.
func (s *Store) Pinned() []Entry {
	return s.collect(func(e *Entry) bool { return e.Pinned })
}

func (s *Store) collect(keep func(*Entry) bool) []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if keep(e) {
			entries = append(entries, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Clear removes every unpinned replica and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	count := 0
	for key, entry := range s.entries {
		if entry.Pinned {
			continue
		}
		s.removeLocked(key, entry)
		count++
	}
	usage := s.size
	s.mu.Unlock()

	s.observer.ReplicaUsage(usage)
	return count
}

// Dir returns the replica directory.
func (s *Store) Dir() string {
	return s.dir
}

// IsReplicated reports whether key has a local copy.
func (s *Store) IsReplicated(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// IsPinned reports whether key's replica is pinned.
func (s *Store) IsPinned(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return ok && entry.Pinned
}

// Save writes the index of replicas to the store directory.
func (s *Store) Save() error {
	data, err := json.Marshal(s.List())
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, indexFile), data, 0644)
}

// Load restores the index written by Save. Entries whose file has gone are
// skipped.
func (s *Store) Load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode replica index: %w", err)
	}

	s.mu.Lock()
	for _, e := range entries {
		localPath := filepath.Join(s.dir, fileName(e.Key))
		fi, err := os.Stat(localPath)
		if err != nil {
			continue
		}
		if old, ok := s.entries[e.Key]; ok {
			s.size -= old.Size
		}
		e.LocalPath = localPath
		e.Size = fi.Size()
		s.entries[e.Key] = &e
		s.size += e.Size
	}
	usage := s.size
	s.mu.Unlock()

	s.observer.ReplicaUsage(usage)
	return nil
}
