// Package localstore is the local-filesystem blobstore.Store backend.
// Deliberately stdlib-only: a content-addressed local store is a thin
// wrapper over os.MkdirAll/os.Create/os.Open, and no example library in
// the retrieved pack adds anything useful on top of that for a single
// local directory (see DESIGN.md).
package localstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store writes archives under root, one file per key, mirroring the
// key's "/"-separated segments as subdirectories.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *Store) EnsureReady(ctx context.Context) error {
	return os.MkdirAll(s.root, 0o755)
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error {
	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating temp archive file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing archive file: %w", err)
	}

	// Atomic rename avoids a reader ever observing a partially written
	// archive at the final path.
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing archive file: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archive %s not found: %w", key, err)
		}
		return nil, err
	}
	return f, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
