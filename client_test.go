package browserfetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infracollect/browserfetch/cache"
	"github.com/infracollect/browserfetch/download"
	"github.com/infracollect/browserfetch/internal/upstreamtest"
	"github.com/infracollect/browserfetch/registry"
)

var payload = []byte("#!/bin/sh\necho headless chrome\n")

func newTestClient(t *testing.T, upstream *upstreamtest.Server, opts ...Option) (*Client, string) {
	t.Helper()
	root := t.TempDir()
	opts = append([]Option{
		WithCacheDir(root),
		WithRegistry(upstream.Registry()),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
	}, opts...)
	c, err := New(opts...)
	require.NoError(t, err)
	return c, root
}

func TestAcquireDownloadsOnce(t *testing.T) {
	upstream := upstreamtest.New(t, payload)
	c, root := newTestClient(t, upstream)
	ctx := context.Background()

	path, err := c.Acquire(ctx, "1000")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Contains(t, path, root)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	again, err := c.Acquire(ctx, "1000")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, 1, upstream.DownloadHits())
	assert.Equal(t, 1, upstream.InfoHits(), "cache hit makes no network request")
}

func TestAcquireSimilarVersionsAreDistinct(t *testing.T) {
	upstream := upstreamtest.New(t, payload)
	c, _ := newTestClient(t, upstream)
	ctx := context.Background()

	dash, err := c.Acquire(ctx, "1-2")
	require.NoError(t, err)
	colon, err := c.Acquire(ctx, "1:2")
	require.NoError(t, err)

	assert.NotEqual(t, dash, colon)
	assert.Equal(t, 2, upstream.DownloadHits())

	entry, err := c.Lookup(ctx, "1:2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "1:2", entry.Version)
	assert.Equal(t, colon, entry.Path)
}

func TestAcquireSharedCacheAcrossClients(t *testing.T) {
	upstream := upstreamtest.New(t, payload)
	root := t.TempDir()
	ctx := context.Background()

	var paths []string
	for i := 0; i < 2; i++ {
		c, err := New(WithCacheDir(root), WithRegistry(upstream.Registry()))
		require.NoError(t, err)
		path, err := c.Acquire(ctx, "1000")
		require.NoError(t, err)
		paths = append(paths, path)
	}

	assert.Equal(t, paths[0], paths[1])
	assert.Equal(t, 1, upstream.DownloadHits())
}

func TestAcquireRequiresVersion(t *testing.T) {
	c, _ := newTestClient(t, upstreamtest.New(t, payload))

	_, err := c.Acquire(context.Background(), "")
	require.ErrorIs(t, err, ErrVersionRequired)
}

func TestAcquireCoalescesConcurrentRequests(t *testing.T) {
	gate := make(chan struct{})
	upstream := upstreamtest.New(t, payload, upstreamtest.WithGate(gate))
	c, _ := newTestClient(t, upstream)

	const n = 10
	paths := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = c.Acquire(context.Background(), "1000")
		}(i)
	}

	<-upstream.Started()
	entry, err := c.Lookup(context.Background(), "1000")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, cache.StatePending, entry.State)

	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, paths[0], paths[i])
	}
	assert.Equal(t, 1, upstream.DownloadHits())

	entry, err = c.Lookup(context.Background(), "1000")
	require.NoError(t, err)
	assert.Equal(t, cache.StateValid, entry.State)
}

func TestAcquireUnrelatedVersionsDoNotBlock(t *testing.T) {
	gate := make(chan struct{})
	blocked := upstreamtest.New(t, payload, upstreamtest.WithGate(gate))
	free := upstreamtest.New(t, payload)
	root := t.TempDir()

	slow, err := New(WithCacheDir(root), WithRegistry(blocked.Registry()))
	require.NoError(t, err)
	fast, err := New(WithCacheDir(root), WithRegistry(free.Registry()))
	require.NoError(t, err)

	slowDone := make(chan error, 1)
	go func() {
		_, err := slow.Acquire(context.Background(), "1000")
		slowDone <- err
	}()
	<-blocked.Started()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = fast.Acquire(ctx, "2000")
	require.NoError(t, err)

	close(gate)
	require.NoError(t, <-slowDone)
}

func TestAcquireFailureIsSharedByWaiters(t *testing.T) {
	gate := make(chan struct{})
	upstream := upstreamtest.New(t, payload,
		upstreamtest.WithGate(gate),
		upstreamtest.WithFailures(1000, http.StatusServiceUnavailable))
	c, _ := newTestClient(t, upstream, WithDownloadAttempts(3))

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background(), "1000")
		}(i)
	}

	<-upstream.Started()
	// Give every caller time to join the in-flight request.
	time.Sleep(200 * time.Millisecond)
	close(gate)
	wg.Wait()

	var failed *ErrDownloadFailed
	require.ErrorAs(t, errs[0], &failed)
	assert.Equal(t, 3, failed.Attempts)
	for i := 1; i < n; i++ {
		assert.Same(t, errs[0], errs[i], "caller %d saw a different outcome", i)
	}
	assert.Equal(t, 3, upstream.DownloadHits())

	entry, err := c.Lookup(context.Background(), "1000")
	require.NoError(t, err)
	assert.Nil(t, entry, "failed download leaves no entry")
}

func TestAcquireRetryBound(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		ceiling      int
		wantErr      bool
		wantAttempts int
	}{
		{name: "below_ceiling", failures: 4, ceiling: 10, wantAttempts: 5},
		{name: "at_ceiling", failures: 10, ceiling: 10, wantErr: true, wantAttempts: 10},
		{name: "above_ceiling", failures: 50, ceiling: 10, wantErr: true, wantAttempts: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := upstreamtest.New(t, payload, upstreamtest.WithFailures(tt.failures, http.StatusBadGateway))
			var attempts atomic.Int32
			c, _ := newTestClient(t, upstream,
				WithRetries(3),
				WithDownloadAttempts(tt.ceiling),
				WithAttemptHook(func(download.Attempt) { attempts.Add(1) }))

			_, err := c.Acquire(context.Background(), "1000")
			if tt.wantErr {
				var failed *ErrDownloadFailed
				require.ErrorAs(t, err, &failed)
				assert.Equal(t, tt.wantAttempts, failed.Attempts)
				assert.Contains(t, err.Error(), "after 10 attempts")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantAttempts, int(attempts.Load()))
			assert.Equal(t, tt.wantAttempts, upstream.DownloadHits())
		})
	}
}

func TestAcquireVersionNotFound(t *testing.T) {
	upstream := upstreamtest.New(t, payload, upstreamtest.WithMissing("404"))
	c, _ := newTestClient(t, upstream)

	_, err := c.Acquire(context.Background(), "404")
	require.ErrorIs(t, err, registry.ErrNotFound)

	var failed *ErrDownloadFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Attempts)
}

func TestAcquireNeverExposesPartialFile(t *testing.T) {
	big := bytes.Repeat([]byte("chromium"), 16*1024)
	upstream := upstreamtest.New(t, big, upstreamtest.WithTrickle(20, 5*time.Millisecond))
	c, root := newTestClient(t, upstream)
	final := filepath.Join(root, "versions", "1000", "chrome")

	done := make(chan struct{})
	var observed atomic.Int32
	var bad atomic.Int32
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if data, err := os.ReadFile(final); err == nil {
				observed.Add(1)
				if !bytes.Equal(data, big) {
					bad.Add(1)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	path, err := c.Acquire(context.Background(), "1000")
	close(done)
	require.NoError(t, err)
	assert.Equal(t, final, path)
	assert.Zero(t, bad.Load(), "reader saw an incomplete file at the committed path")
}

func TestAcquireWaiterCancellationDoesNotAbortDownload(t *testing.T) {
	gate := make(chan struct{})
	upstream := upstreamtest.New(t, payload, upstreamtest.WithGate(gate))
	c, _ := newTestClient(t, upstream)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "1000")
		first <- err
	}()
	<-upstream.Started()

	second := make(chan string, 1)
	go func() {
		path, _ := c.Acquire(context.Background(), "1000")
		second <- path
	}()

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(gate)
	path := <-second
	assert.NotEmpty(t, path)
	assert.Equal(t, 1, upstream.DownloadHits())
}

func TestAcquireCorruptEntry(t *testing.T) {
	upstream := upstreamtest.New(t, payload)
	c, _ := newTestClient(t, upstream)
	ctx := context.Background()

	path, err := c.Acquire(ctx, "1000")
	require.NoError(t, err)

	_, err = c.Revalidate(ctx, "1000")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0755))
	_, err = c.Revalidate(ctx, "1000")
	var corrupt *ErrCacheCorrupt
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, path, corrupt.Path)

	// Corrupt entries are reported, not silently replaced.
	_, err = c.Acquire(ctx, "1000")
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, 1, upstream.DownloadHits())

	require.NoError(t, c.Purge(ctx, "1000"))
	again, err := c.Acquire(ctx, "1000")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, 2, upstream.DownloadHits())
}

func TestAcquireUnwritableCacheRoot(t *testing.T) {
	upstream := upstreamtest.New(t, payload)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	c, err := New(WithCacheDir(filepath.Join(blocker, "cache")), WithRegistry(upstream.Registry()))
	require.NoError(t, err)

	_, err = c.Acquire(context.Background(), "1000")
	var cacheErr *ErrCacheFailed
	require.ErrorAs(t, err, &cacheErr)
	assert.Zero(t, upstream.InfoHits())
}

func TestListAndSweep(t *testing.T) {
	upstream := upstreamtest.New(t, payload)
	c, root := newTestClient(t, upstream)
	ctx := context.Background()

	for _, v := range []string{"1000", "1001"} {
		_, err := c.Acquire(ctx, v)
		require.NoError(t, err)
	}
	entries, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	stale := filepath.Join(root, ".tmp", "download-stale")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	removed, err := c.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestLatestVersion(t *testing.T) {
	upstream := upstreamtest.New(t, payload, upstreamtest.WithVersions("1.0.0", "1.2.0", "1.1.9"))
	c, _ := newTestClient(t, upstream)

	latest, err := c.LatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", latest)
}

func TestErrorMessages(t *testing.T) {
	err := &ErrDownloadFailed{Version: "1000", Attempts: 30, Err: errors.New("boom")}
	assert.Equal(t, "failed to download browser 1000: boom", err.Error())

	nf := &ErrBrowserNotConfigured{BrowserID: "chrome"}
	assert.Equal(t, `browser not configured: "chrome"`, nf.Error())
}
