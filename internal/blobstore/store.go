// Package blobstore defines the content store interface for package
// archives, with a local filesystem backend and an S3 backend. Two
// independent Store instances are constructed at startup: one for
// hosted/published archives, one for the upstream-proxy cache, keeping
// the two namespaces from ever colliding on key collisions.
package blobstore

import (
	"context"
	"io"
)

// Store is the archive content contract shared by localstore and s3store.
type Store interface {
	// Put writes size bytes from r under key, returning once durably
	// stored. Callers pass the archive's sha256 so backends that support
	// integrity checking (S3 checksums) can verify it.
	Put(ctx context.Context, key string, r io.Reader, size int64, sha256Hex string) error

	// Get opens key for reading. Callers must Close the returned stream.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present without transferring content.
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureReady verifies the backend is reachable and writable (local
	// directory exists, bucket exists and is reachable) at startup.
	EnsureReady(ctx context.Context) error
}

// ArchiveKey builds the canonical storage key for a package archive:
// <package>/<version>-<sha256>.tar.gz. Including the content hash keeps
// re-publishes of the same (package, version) with different bytes from
// silently overwriting an existing cache entry under concurrent access.
func ArchiveKey(pkg, version, sha256Hex string) string {
	return pkg + "/" + version + "-" + sha256Hex + ".tar.gz"
}
