package object

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
)

const fileScheme = "file://"

// FileStore writes artifacts to the local filesystem under a base directory.
// URIs are file:// paths relative to the base.
type FileStore struct {
	base   string
	logger arbor.ILogger
}

// NewFileStore creates a filesystem-backed object store
func NewFileStore(logger arbor.ILogger, base string) (*FileStore, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact directory: %w", err)
	}

	logger.Debug().Str("path", abs).Msg("File object store initialized")
	return &FileStore{base: abs, logger: logger}, nil
}

// Put writes a blob under key and returns its URI.
func (f *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path, err := f.resolve(key)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create artifact parent directory: %w", err)
	}

	// Write to a temp file then rename so readers never see partial blobs.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store artifact: %w", err)
	}

	return fileScheme + path, nil
}

// Get reads a blob by its URI.
func (f *FileStore) Get(ctx context.Context, uri string) ([]byte, error) {
	path := strings.TrimPrefix(uri, fileScheme)
	if !strings.HasPrefix(path, f.base+string(filepath.Separator)) {
		return nil, fmt.Errorf("uri %s outside artifact directory", uri)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// URLFor returns the URI a key would be served under.
func (f *FileStore) URLFor(key string) string {
	path, err := f.resolve(key)
	if err != nil {
		return ""
	}
	return fileScheme + path
}

// Close is a no-op for the filesystem backend.
func (f *FileStore) Close() error {
	return nil
}

// resolve maps a slash-separated key to an absolute path, rejecting keys
// that would escape the base directory.
func (f *FileStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid artifact key: %s", key)
	}
	return filepath.Join(f.base, cleaned), nil
}
