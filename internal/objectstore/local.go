package objectstore

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

const fileScheme = "file://"

// LocalStore keeps objects under a root directory. References are keys
// relative to the root, optionally prefixed with file://.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute root directory
func (ls *LocalStore) Root() string { return ls.root }

// Fetch opens a stored object
func (ls *LocalStore) Fetch(_ context.Context, ref string) (*Object, error) {
	path, err := ls.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidRef, ref)
	}
	return &Object{Body: f, Size: info.Size()}, nil
}

// Put writes body to key atomically and returns the key
func (ls *LocalStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	path, err := ls.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to store object: %w", err)
	}
	return filepath.ToSlash(strings.TrimPrefix(key, fileScheme)), nil
}

// resolve maps a reference to a path inside the root
func (ls *LocalStore) resolve(ref string) (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(ref), fileScheme)
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidRef)
	}
	path := filepath.Join(ls.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(ls.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return "", fmt.Errorf("%w: %s escapes the storage root", ErrInvalidRef, ref)
	}
	return path, nil
}
