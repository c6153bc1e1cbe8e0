package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryInterval = 100 * time.Millisecond

// Locker manages file-based locks for cache slots, shared across processes.
type Locker struct {
	locksDir string
}

// NewLocker creates a new Locker that stores lock files in the given directory.
func NewLocker(locksDir string) *Locker {
	return &Locker{locksDir: locksDir}
}

func (l *Locker) lockPath(version string) string {
	return filepath.Join(l.locksDir, slotName(version)+".lock")
}

// AcquireExclusive acquires an exclusive lock for the given version slot.
// The returned function releases the lock and should be called when done.
// Returns an error if the context is cancelled while waiting for the lock.
func (l *Locker) AcquireExclusive(ctx context.Context, version string) (unlock func() error, err error) {
	if err := os.MkdirAll(l.locksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", err)
	}

	fl := flock.New(l.lockPath(version))

	locked, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire lock: %v", ctx.Err())
	}

	return fl.Unlock, nil
}
