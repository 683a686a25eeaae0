package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FileStore persists snapshots as JSON files in a directory, one file
// per key. Writes go through a temp file and rename so a crash mid-save
// never leaves a torn document.
type FileStore struct {
	logger *zap.Logger
	dir    string
	mu     sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(logger *zap.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	return &FileStore{
		logger: logger.Named("store"),
		dir:    dir,
	}, nil
}

// Load reads and decodes the document at key.
func (s *FileStore) Load(ctx context.Context, key string, out any) error {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(key))
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Save encodes and writes the document at key.
func (s *FileStore) Save(ctx context.Context, key string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	s.logger.Debug("Saved snapshot", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(key string) string {
	name := strings.ReplaceAll(key, ":", "_") + ".json"
	return filepath.Join(s.dir, name)
}
