package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store on a local filesystem tree rooted at a
// base directory. Writes go to a temporary file in the destination
// directory and are renamed into place, so readers never observe a
// partially written object.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// objectPath maps a storage key to a filesystem path under the root.
// Keys are validated against path traversal.
func (s *LocalStore) objectPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *LocalStore) Put(ctx context.Context, key string, reader io.Reader) error {
	if err := ctx.Err(); err != nil {
		return wrap("put", key, err)
	}
	path, err := s.objectPath(key)
	if err != nil {
		return wrap("put", key, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return wrap("put", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return wrap("put", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return wrap("put", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return wrap("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return wrap("put", key, err)
	}

	// Rename within the same directory is atomic on POSIX filesystems.
	if err := os.Rename(tmp.Name(), path); err != nil {
		return wrap("put", key, err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get", key, err)
	}
	path, err := s.objectPath(key)
	if err != nil {
		return nil, wrap("get", key, err)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
		}
		return nil, wrap("get", key, err)
	}
	return f, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return wrap("delete", key, err)
	}
	path, err := s.objectPath(key)
	if err != nil {
		return wrap("delete", key, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrap("delete", key, err)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("exists", key, err)
	}
	path, err := s.objectPath(key)
	if err != nil {
		return false, wrap("exists", key, err)
	}
	_, err = os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, wrap("exists", key, err)
	}
	return true, nil
}

var _ Store = (*LocalStore)(nil)
