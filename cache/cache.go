package cache

import (
	"context"
	"time"
)

// Cache defines the interface for the versioned browser binary store.
type Cache interface {
	// Lookup returns the entry for version, or nil if nothing is cached.
	Lookup(ctx context.Context, version string) (*Entry, error)

	// Commit moves a downloaded artifact into its version slot and returns
	// the executable path. If a valid entry already exists the artifact is
	// discarded and the existing path is returned.
	Commit(ctx context.Context, version string, artifact Artifact) (executablePath string, err error)

	// Revalidate rehashes the executable of a committed entry. A mismatch
	// marks the entry corrupt and returns an error wrapping ErrCorrupt.
	Revalidate(ctx context.Context, version string) (*Entry, error)

	// Purge removes a version slot whatever its state.
	Purge(ctx context.Context, version string) error

	// List returns all committed entries.
	List(ctx context.Context) ([]Entry, error)

	// TempDir returns a directory for in-progress downloads, creating the
	// cache root on first use.
	TempDir() (string, error)

	// Sweep removes abandoned temporary files older than the cutoff.
	Sweep(ctx context.Context, olderThan time.Duration) (removed int, err error)
}
