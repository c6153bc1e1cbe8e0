package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/infracollect/browserfetch/registry"
)

const (
	// DefaultRetries is the number of consecutive transient failures per connection phase.
	DefaultRetries = 5
	// DefaultMaxAttempts is the overall attempt ceiling for one fetch.
	DefaultMaxAttempts = 30

	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second

	minBackoff = time.Millisecond
)

// Downloader fetches browser builds into temporary files.
type Downloader struct {
	registry registry.Registry
	logger   logr.Logger

	retries        int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	goos, goarch string
	onAttempt    func(Attempt)
}

// New creates a Downloader reading from reg.
func New(reg registry.Registry, opts ...Option) *Downloader {
	d := &Downloader{
		registry:       reg,
		logger:         logr.Discard(),
		retries:        DefaultRetries,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		goos:           runtime.GOOS,
		goarch:         runtime.GOARCH,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch downloads version into a new file under tmpDir. On failure no file
// is left behind and the error is a *FatalError.
func (d *Downloader) Fetch(ctx context.Context, version, tmpDir string) (*Result, error) {
	b := d.newBackOff()

	var (
		info          *registry.DownloadInfo
		lastErr       error
		phase         = 1
		phaseFailures = 0
	)

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, b.NextBackOff()); err != nil {
				return nil, &FatalError{Version: version, Attempts: attempt - 1, Err: err}
			}
		}

		res, err := d.attempt(ctx, version, tmpDir, &info)
		outcome := classify(ctx, err)
		d.report(Attempt{Version: version, Number: attempt, Phase: phase, Outcome: outcome, Err: err})

		switch outcome {
		case Success:
			res.Attempts = attempt
			d.logger.Info("downloaded browser", "version", version, "bytes", res.Size, "attempts", attempt)
			return res, nil
		case FatalFailure:
			return nil, &FatalError{Version: version, Attempts: attempt, Err: unwrapPermanent(err)}
		}

		lastErr = err
		phaseFailures++
		if phaseFailures >= d.retries && attempt < d.maxAttempts {
			d.logger.V(1).Info("connection phase exhausted, reconnecting", "version", version, "phase", phase, "attempt", attempt)
			phase++
			phaseFailures = 0
			info = nil
			b.Reset()
			d.closeIdleConnections()
		}
	}

	d.logger.Error(lastErr, "download attempts exhausted", "version", version, "attempts", d.maxAttempts)
	return nil, &FatalError{Version: version, Attempts: d.maxAttempts, Exhausted: true, Err: lastErr}
}

// attempt performs one transfer. info is resolved on first use within a
// connection phase.
func (d *Downloader) attempt(ctx context.Context, version, tmpDir string, info **registry.DownloadInfo) (*Result, error) {
	if *info == nil {
		i, err := d.registry.GetDownloadInfo(ctx, version, d.goos, d.goarch)
		if err != nil {
			return nil, err
		}
		*info = i
	}
	i := *info

	if i.Size > 0 {
		if err := d.checkFreeSpace(ctx, tmpDir, i.Size); err != nil {
			return nil, err
		}
	}

	f, err := os.CreateTemp(tmpDir, "download-*")
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create temp file: %w", err))
	}
	path := f.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(path)
		}
	}()

	h := sha256.New()
	fw := &fileWriter{f: f}
	n, err := d.registry.Download(ctx, i, io.MultiWriter(fw, h))
	closeErr := f.Close()
	if fw.err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to write temp file: %w", fw.err))
	}
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to close temp file: %w", closeErr))
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if err := validate(i, n, sum); err != nil {
		return nil, err
	}

	keep = true
	return &Result{Path: path, Info: i, SHA256: sum, Size: n}, nil
}

func (d *Downloader) checkFreeSpace(ctx context.Context, dir string, need int64) error {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		// Not every filesystem reports usage; the write itself will fail if space runs out.
		d.logger.V(1).Info("cannot determine free space", "dir", dir, "error", err.Error())
		return nil
	}
	if usage.Free < uint64(need) {
		return backoff.Permanent(fmt.Errorf("need %d bytes in %s, %d free: %w", need, dir, usage.Free, ErrInsufficientSpace))
	}
	return nil
}

func (d *Downloader) report(a Attempt) {
	if a.Outcome != Success {
		d.logger.V(1).Info("download attempt failed", "version", a.Version, "attempt", a.Number,
			"phase", a.Phase, "outcome", a.Outcome.String(), "error", a.Err.Error())
	}
	if d.onAttempt != nil {
		d.onAttempt(a)
	}
}

func (d *Downloader) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialBackoff
	b.MaxInterval = d.maxBackoff
	b.Reset()
	return b
}

func (d *Downloader) closeIdleConnections() {
	if c, ok := d.registry.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

func validate(info *registry.DownloadInfo, size int64, sum string) error {
	if info.Size > 0 && size != info.Size {
		return fmt.Errorf("got %d bytes, expected %d: %w", size, info.Size, ErrSizeMismatch)
	}
	if info.SHA256Sum != "" && sum != info.SHA256Sum {
		return fmt.Errorf("got sha256 %s, expected %s: %w", sum, info.SHA256Sum, ErrChecksumMismatch)
	}
	return nil
}

func classify(ctx context.Context, err error) Outcome {
	if err == nil {
		return Success
	}
	var perm *backoff.PermanentError
	switch {
	case errors.As(err, &perm):
		return FatalFailure
	case errors.Is(err, registry.ErrNotFound):
		return FatalFailure
	case ctx.Err() != nil:
		return FatalFailure
	default:
		return TransientFailure
	}
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(max(d, minBackoff))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fileWriter remembers write errors so local failures can be told apart
// from network ones.
type fileWriter struct {
	f   *os.File
	err error
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}
