package download

import (
	"time"

	"github.com/go-logr/logr"
)

// Option configures a Downloader.
type Option func(*Downloader)

// WithRetries sets how many consecutive transient failures end a connection phase.
func WithRetries(n int) Option {
	return func(d *Downloader) {
		d.retries = max(n, 1)
	}
}

// WithMaxAttempts sets the overall attempt ceiling for one fetch.
func WithMaxAttempts(n int) Option {
	return func(d *Downloader) {
		d.maxAttempts = max(n, 1)
	}
}

// WithBackoff sets the delay before the first retry and the cap it grows to.
// Delays below one millisecond are raised to one millisecond.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(d *Downloader) {
		d.initialBackoff = max(initial, minBackoff)
		d.maxBackoff = max(maxInterval, d.initialBackoff)
	}
}

// WithLogger sets the logger. Attempts are logged at V(1).
func WithLogger(logger logr.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithPlatform overrides the target OS and architecture.
func WithPlatform(goos, goarch string) Option {
	return func(d *Downloader) {
		d.goos = goos
		d.goarch = goarch
	}
}

// WithAttemptHook registers a function called after every attempt.
func WithAttemptHook(fn func(Attempt)) Option {
	return func(d *Downloader) {
		d.onAttempt = fn
	}
}
