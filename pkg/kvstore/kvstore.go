// Package kvstore provides a small JSON-file-backed key-value store with
// periodic autosave and atomic writes. It keeps everything in memory and
// flushes to disk in the background; Close performs a final flush.
package kvstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Options configures a Store.
type Options struct {
	Path             string
	AutoSaveInterval time.Duration
}

// DefaultOptions returns the default configuration for the given file path.
func DefaultOptions(path string) Options {
	return Options{
		Path:             path,
		AutoSaveInterval: 10 * time.Second,
	}
}

var ErrClosed = errors.New("kvstore: store is closed")

// Store is a thread-safe in-memory map persisted as a single JSON file.
type Store struct {
	mu           sync.RWMutex
	data         map[string]json.RawMessage
	path         string
	lastChecksum string

	closeMu sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open loads (or creates) the store at opts.Path and starts the autosave loop.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("kvstore: path cannot be empty")
	}
	if opts.AutoSaveInterval <= 0 {
		opts.AutoSaveInterval = 10 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		data:   make(map[string]json.RawMessage),
		path:   opts.Path,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	switch _, err := os.Stat(opts.Path); {
	case os.IsNotExist(err):
		if err := s.writeFileAtomic([]byte("{}")); err != nil {
			cancel()
			return nil, err
		}
	case err == nil:
		if err := s.load(); err != nil {
			cancel()
			return nil, err
		}
	default:
		cancel()
		return nil, fmt.Errorf("kvstore: stat %s: %w", opts.Path, err)
	}

	go s.autoSave(ctx, opts.AutoSaveInterval)
	return s, nil
}

// Get unmarshals the value stored under key into out.
// Returns false if the key is absent.
func (s *Store) Get(key string, out any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("kvstore: unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kvstore: marshal %q: %w", key, err)
	}
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes key from the store. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// Keys returns all keys currently present.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// Flush forces an immediate save to disk.
func (s *Store) Flush() error {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.save()
}

// Close stops the autosave loop and performs a final flush.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.cancel()
	<-s.done
	return s.save()
}

func (s *Store) autoSave(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.save()
		}
	}
}

// save marshals the map and writes it out, skipping the write when the
// content checksum has not changed since the last save.
func (s *Store) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("kvstore: marshal store: %w", err)
	}

	checksum := checksumOf(data)
	if checksum == s.lastChecksum {
		return nil
	}
	if err := s.writeFileAtomic(data); err != nil {
		return err
	}
	s.lastChecksum = checksum
	return nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("kvstore: read %s: %w", s.path, err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("kvstore: invalid JSON in %s: %w", s.path, err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage)
	}
	s.data = m
	s.lastChecksum = checksumOf(data)
	return nil
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a truncated store behind.
func (s *Store) writeFileAtomic(data []byte) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("kvstore: write temp file: %w", err)
	}

	f, err := os.OpenFile(tmp, os.O_RDWR, 0o644)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kvstore: open temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("kvstore: sync temp file: %w", err)
	}
	f.Close()

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kvstore: rename temp file: %w", err)
	}
	return nil
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
