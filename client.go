package browserfetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/infracollect/browserfetch/cache"
	"github.com/infracollect/browserfetch/download"
	"github.com/infracollect/browserfetch/registry"
)

// Client acquires browser builds, caching them on disk.
type Client struct {
	registry     registry.Registry
	cache        cache.Cache
	downloader   *download.Downloader
	downloadOpts []download.Option
	logger       logr.Logger

	flights singleflight.Group

	mu      sync.Mutex
	pending map[string]struct{}
}

// DefaultCacheDir returns the cache directory used when none is configured.
func DefaultCacheDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".browserfetch", "browsers"), nil
}

// New creates a new Client with the given options.
// If no options are provided, it uses default settings:
// - Filesystem cache at ~/.browserfetch/browsers
// - Chromium snapshot registry
// New performs no I/O; the cache directory is created on first download.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		logger:  logr.Discard(),
		pending: make(map[string]struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.registry == nil {
		c.registry = registry.NewSnapshotRegistry(nil, "")
	}

	if c.cache == nil {
		cacheDir, err := DefaultCacheDir()
		if err != nil {
			return nil, err
		}
		c.cache = cache.NewFilesystemCache(cacheDir)
	}

	c.downloader = download.New(c.registry, append([]download.Option{download.WithLogger(c.logger)}, c.downloadOpts...)...)
	return c, nil
}

// Acquire returns the path of the executable for version, downloading it
// first if it is not cached. Concurrent calls for the same version share a
// single download and receive the same result. The download itself is not
// cancelled by ctx; ctx only bounds how long this caller waits.
func (c *Client) Acquire(ctx context.Context, version string) (string, error) {
	if version == "" {
		return "", ErrVersionRequired
	}

	if path, ok, err := c.cached(ctx, version); err != nil || ok {
		return path, err
	}

	ch := c.flights.DoChan(version, func() (any, error) {
		return c.fetchAndCommit(context.WithoutCancel(ctx), version)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// cached reports whether version has a valid cache entry.
func (c *Client) cached(ctx context.Context, version string) (string, bool, error) {
	entry, err := c.cache.Lookup(ctx, version)
	if err != nil {
		return "", false, &ErrCacheFailed{Version: version, Op: "lookup", Err: err}
	}
	if entry == nil {
		return "", false, nil
	}
	if entry.State == cache.StateValid {
		return entry.Path, true, nil
	}
	return "", false, &ErrCacheCorrupt{Version: version, Path: entry.Path, Err: cache.ErrCorrupt}
}

// fetchAndCommit runs once per in-flight version.
func (c *Client) fetchAndCommit(ctx context.Context, version string) (string, error) {
	c.setPending(version, true)
	defer c.setPending(version, false)

	// A flight that settled just before this one started may have committed.
	if path, ok, err := c.cached(ctx, version); err != nil || ok {
		return path, err
	}

	tmpDir, err := c.cache.TempDir()
	if err != nil {
		return "", &ErrCacheFailed{Version: version, Op: "prepare", Err: err}
	}

	c.logger.Info("downloading browser", "version", version)
	res, err := c.downloader.Fetch(ctx, version, tmpDir)
	if err != nil {
		failed := &ErrDownloadFailed{Version: version, Err: err}
		var fatal *download.FatalError
		if errors.As(err, &fatal) {
			failed.Attempts = fatal.Attempts
		}
		return "", failed
	}

	path, err := c.cache.Commit(ctx, version, cache.Artifact{
		Path:       res.Path,
		Archive:    res.Info.Archive,
		Executable: res.Info.Executable,
	})
	if err != nil {
		if errors.Is(err, cache.ErrCorrupt) {
			return "", &ErrCacheCorrupt{Version: version, Err: err}
		}
		return "", &ErrCacheFailed{Version: version, Op: "commit", Err: err}
	}

	c.logger.Info("cached browser", "version", version, "path", path, "attempts", res.Attempts)
	return path, nil
}

func (c *Client) setPending(version string, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending {
		c.pending[version] = struct{}{}
	} else {
		delete(c.pending, version)
	}
}

// Lookup returns the cache entry for version without downloading anything.
// While a download is in flight and nothing is committed, the entry is
// reported as pending. Returns nil if the version is unknown.
func (c *Client) Lookup(ctx context.Context, version string) (*cache.Entry, error) {
	entry, err := c.cache.Lookup(ctx, version)
	if err != nil || entry != nil {
		return entry, err
	}

	c.mu.Lock()
	_, pending := c.pending[version]
	c.mu.Unlock()
	if pending {
		return &cache.Entry{Version: version, State: cache.StatePending}, nil
	}
	return nil, nil
}

// Revalidate rehashes a cached browser. A failed check marks the entry
// corrupt and returns *ErrCacheCorrupt; other callers are not affected until
// they next look the version up.
func (c *Client) Revalidate(ctx context.Context, version string) (*cache.Entry, error) {
	entry, err := c.cache.Revalidate(ctx, version)
	if errors.Is(err, cache.ErrCorrupt) {
		path := ""
		if entry != nil {
			path = entry.Path
		}
		return entry, &ErrCacheCorrupt{Version: version, Path: path, Err: err}
	}
	return entry, err
}

// Purge removes a cached browser.
func (c *Client) Purge(ctx context.Context, version string) error {
	return c.cache.Purge(ctx, version)
}

// List returns every cached browser.
func (c *Client) List(ctx context.Context) ([]cache.Entry, error) {
	return c.cache.List(ctx)
}

// Sweep removes partial downloads abandoned by processes that exited
// mid-download.
func (c *Client) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	removed, err := c.cache.Sweep(ctx, olderThan)
	if removed > 0 {
		c.logger.Info("removed abandoned downloads", "count", removed)
	}
	return removed, err
}

// LatestVersion asks the registry for the newest published version.
func (c *Client) LatestVersion(ctx context.Context) (string, error) {
	return c.registry.GetLatestVersion(ctx)
}
