package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Storage is a directory of JSON documents addressed by key paths such as
// ["session", "<id>"]. Writes are atomic (temp file + rename) and guarded by
// per-document file locks.
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a Storage rooted at basePath.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

func (s *Storage) file(path []string) string {
	return filepath.Join(append([]string{s.basePath}, escapeKeys(path)...)...) + ".json"
}

func (s *Storage) dir(path []string) string {
	return filepath.Join(append([]string{s.basePath}, escapeKeys(path)...)...)
}

// escapeKeys keeps keys such as "alice@10.0.0.1:1700000000" on one path
// segment.
func escapeKeys(path []string) []string {
	out := make([]string, len(path))
	for i, p := range path {
		out[i] = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(p)
	}
	return out
}

// Get decodes the document at path into v.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	data, err := os.ReadFile(s.file(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// Put replaces the document at path with v.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	filePath := s.file(path)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return s.lock(filePath).With(func() error {
		return writeJSON(filePath, v)
	})
}

// Update applies fn to the document at path under its lock. v must be a
// pointer; it receives the current document before fn runs.
func (s *Storage) Update(ctx context.Context, path []string, v any, fn func() error) error {
	filePath := s.file(path)
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return s.lock(filePath).With(func() error {
		if err := s.Get(ctx, path, v); err != nil {
			return err
		}
		if err := fn(); err != nil {
			return err
		}
		return writeJSON(filePath, v)
	})
}

// Delete removes the document at path. Missing documents are not an error.
func (s *Storage) Delete(ctx context.Context, path []string) error {
	filePath := s.file(path)
	return s.lock(filePath).With(func() error {
		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		return nil
	})
}

// Scan calls fn for every document directly under path. Unreadable files
// are skipped.
func (s *Storage) Scan(ctx context.Context, path []string, fn func(key string, data json.RawMessage) error) error {
	dirPath := s.dir(path)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(dirPath, name))
		if err != nil {
			continue
		}
		if err := fn(strings.TrimSuffix(name, ".json"), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) lock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[filePath]
	if !ok {
		l = NewFileLock(filePath)
		s.locks[filePath] = l
	}
	return l
}

func writeJSON(filePath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
