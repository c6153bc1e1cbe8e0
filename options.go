package browserfetch

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"github.com/infracollect/browserfetch/cache"
	"github.com/infracollect/browserfetch/download"
	"github.com/infracollect/browserfetch/registry"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets a custom logger for the client and its downloader.
// If not set, logging is disabled (logr.Discard() is used).
func WithLogger(logger logr.Logger) Option {
	return func(cl *Client) error {
		cl.logger = logger
		return nil
	}
}

// WithCache sets a custom cache implementation.
func WithCache(c cache.Cache) Option {
	return func(cl *Client) error {
		cl.cache = c
		return nil
	}
}

// WithCacheDir sets the filesystem cache directory.
func WithCacheDir(dir string) Option {
	return func(cl *Client) error {
		cl.cache = cache.NewFilesystemCache(dir)
		return nil
	}
}

// WithRegistry sets a custom registry implementation.
func WithRegistry(r registry.Registry) Option {
	return func(cl *Client) error {
		cl.registry = r
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client for the default snapshot registry.
func WithHTTPClient(client *http.Client) Option {
	return func(cl *Client) error {
		cl.registry = registry.NewSnapshotRegistry(client, "")
		return nil
	}
}

// WithRetries sets how many consecutive transient failures end a
// connection phase (default 5).
func WithRetries(n int) Option {
	return func(cl *Client) error {
		cl.downloadOpts = append(cl.downloadOpts, download.WithRetries(n))
		return nil
	}
}

// WithDownloadAttempts sets the overall attempt ceiling per download (default 30).
func WithDownloadAttempts(n int) Option {
	return func(cl *Client) error {
		cl.downloadOpts = append(cl.downloadOpts, download.WithMaxAttempts(n))
		return nil
	}
}

// WithBackoff sets the retry delay bounds.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(cl *Client) error {
		cl.downloadOpts = append(cl.downloadOpts, download.WithBackoff(initial, maxInterval))
		return nil
	}
}

// WithPlatform overrides the OS and architecture builds are fetched for.
func WithPlatform(goos, goarch string) Option {
	return func(cl *Client) error {
		cl.downloadOpts = append(cl.downloadOpts, download.WithPlatform(goos, goarch))
		return nil
	}
}

// WithAttemptHook registers a function called after every download attempt.
func WithAttemptHook(fn func(download.Attempt)) Option {
	return func(cl *Client) error {
		cl.downloadOpts = append(cl.downloadOpts, download.WithAttemptHook(fn))
		return nil
	}
}
