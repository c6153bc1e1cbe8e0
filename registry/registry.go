package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single request, including the payload transfer.
const DefaultTimeout = 5 * time.Minute

var (
	// ErrNotFound is returned when the requested version does not exist upstream.
	ErrNotFound = errors.New("not found upstream")

	// ErrIncomplete is returned when a transfer ends before the advertised length.
	ErrIncomplete = errors.New("incomplete transfer")

	// ErrMalformed is returned when the catalog answers with a body that can
	// never describe a download. Retrying does not help, so it is returned
	// wrapped in backoff.Permanent.
	ErrMalformed = errors.New("malformed catalog response")
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// Registry defines the interface for browser binary sources.
type Registry interface {
	// GetLatestVersion returns the newest published version for the current platform.
	GetLatestVersion(ctx context.Context) (string, error)

	// GetDownloadInfo returns download information for a specific version.
	GetDownloadInfo(ctx context.Context, version, os, arch string) (*DownloadInfo, error)

	// Download streams the payload described by info into w and returns the
	// number of bytes written.
	Download(ctx context.Context, info *DownloadInfo, w io.Writer) (int64, error)
}

func newHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return client
}

// get issues a GET and maps 404/410 to ErrNotFound and other non-200
// statuses to *StatusError. The caller closes the body.
func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound, http.StatusGone:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	default:
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
}

// download copies the payload at info.DownloadURL into w.
func download(ctx context.Context, client *http.Client, info *DownloadInfo, w io.Writer) (int64, error) {
	resp, err := get(ctx, client, info.DownloadURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read payload: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("got %d of %d bytes: %w", n, resp.ContentLength, ErrIncomplete)
	}
	return n, nil
}

// semverParts parses a semantic version string into major, minor, patch.
// Plain revision numbers parse as a major version.
func semverParts(v string) (int, int, int) {
	// Remove leading 'v' if present
	v = strings.TrimPrefix(v, "v")
	// Remove any prerelease suffix (e.g., -beta, -rc1)
	if idx := strings.IndexAny(v, "-+"); idx != -1 {
		v = v[:idx]
	}
	parts := strings.Split(v, ".")
	var major, minor, patch int
	if len(parts) >= 1 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) >= 2 {
		minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) >= 3 {
		patch, _ = strconv.Atoi(parts[2])
	}
	return major, minor, patch
}
