package browserfetch

import (
	"errors"
	"fmt"
)

// ErrVersionRequired is returned when Acquire is called without a version.
var ErrVersionRequired = errors.New("browser version is required")

// ErrDownloadFailed is returned when a browser could not be downloaded,
// either because a non-retriable error occurred or the attempt ceiling was hit.
// Every caller coalesced on the same download receives the same value.
type ErrDownloadFailed struct {
	Version  string
	Attempts int
	Err      error
}

func (e *ErrDownloadFailed) Error() string {
	return fmt.Sprintf("failed to download browser %s: %v", e.Version, e.Err)
}

func (e *ErrDownloadFailed) Unwrap() error {
	return e.Err
}

// ErrCacheCorrupt is returned when a cached browser failed revalidation.
// The entry is kept until it is purged.
type ErrCacheCorrupt struct {
	Version string
	Path    string
	Err     error
}

func (e *ErrCacheCorrupt) Error() string {
	return fmt.Sprintf("cached browser %s is corrupt, purge it to download again: %v", e.Version, e.Err)
}

func (e *ErrCacheCorrupt) Unwrap() error {
	return e.Err
}

// ErrCacheFailed is returned when the cache directory cannot be read or written.
type ErrCacheFailed struct {
	Version string
	Op      string
	Err     error
}

func (e *ErrCacheFailed) Error() string {
	return fmt.Sprintf("cache %s failed for browser %s: %v", e.Op, e.Version, e.Err)
}

func (e *ErrCacheFailed) Unwrap() error {
	return e.Err
}

// ErrBrowserNotConfigured is returned when the configured browser id has no
// entry in the host's browser set.
type ErrBrowserNotConfigured struct {
	BrowserID string
}

func (e *ErrBrowserNotConfigured) Error() string {
	return fmt.Sprintf("browser not configured: %q", e.BrowserID)
}

// ErrLatestVersion is returned when no version was configured and the latest
// one could not be resolved.
type ErrLatestVersion struct {
	Err error
}

func (e *ErrLatestVersion) Error() string {
	return fmt.Sprintf("failed to resolve latest browser version: %v", e.Err)
}

func (e *ErrLatestVersion) Unwrap() error {
	return e.Err
}
