package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
)

// DefaultSnapshotURL is the public Chromium snapshot bucket.
const DefaultSnapshotURL = "https://storage.googleapis.com/chromium-browser-snapshots"

type snapshotPlatform struct {
	dir        string
	archive    string
	executable string
}

var snapshotPlatforms = map[string]snapshotPlatform{
	"linux/amd64":   {"Linux_x64", "chrome-linux.zip", "chrome-linux/chrome"},
	"darwin/amd64":  {"Mac", "chrome-mac.zip", "chrome-mac/Chromium.app/Contents/MacOS/Chromium"},
	"darwin/arm64":  {"Mac_Arm", "chrome-mac.zip", "chrome-mac/Chromium.app/Contents/MacOS/Chromium"},
	"windows/386":   {"Win", "chrome-win.zip", "chrome-win/chrome.exe"},
	"windows/amd64": {"Win_x64", "chrome-win.zip", "chrome-win/chrome.exe"},
}

// SnapshotRegistry implements Registry for the Chromium snapshot bucket,
// where versions are revision numbers laid out as
// <base>/<platform>/<revision>/<archive>. The bucket publishes no checksums,
// so transfers are only validated against Content-Length.
type SnapshotRegistry struct {
	client  *http.Client
	baseURL string
}

// NewSnapshotRegistry creates a SnapshotRegistry. An empty baseURL selects
// DefaultSnapshotURL; a nil client selects one with DefaultTimeout.
func NewSnapshotRegistry(client *http.Client, baseURL string) *SnapshotRegistry {
	if baseURL == "" {
		baseURL = DefaultSnapshotURL
	}
	return &SnapshotRegistry{
		client:  newHTTPClient(client),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func lookupPlatform(goos, goarch string) (snapshotPlatform, error) {
	p, ok := snapshotPlatforms[goos+"/"+goarch]
	if !ok {
		return snapshotPlatform{}, fmt.Errorf("no chromium snapshots for %s/%s: %w", goos, goarch, ErrNotFound)
	}
	return p, nil
}

// GetLatestVersion returns the revision recorded in the platform's LAST_CHANGE file.
func (r *SnapshotRegistry) GetLatestVersion(ctx context.Context) (string, error) {
	p, err := lookupPlatform(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}

	resp, err := get(ctx, r.client, fmt.Sprintf("%s/%s/LAST_CHANGE", r.baseURL, p.dir))
	if err != nil {
		return "", fmt.Errorf("failed to fetch latest revision: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", fmt.Errorf("failed to read latest revision: %w", err)
	}
	revision := strings.TrimSpace(string(body))
	if revision == "" {
		return "", fmt.Errorf("empty LAST_CHANGE for %s", p.dir)
	}
	return revision, nil
}

// GetDownloadInfo builds the snapshot URL for a revision. No request is made;
// a missing revision surfaces as ErrNotFound from Download.
func (r *SnapshotRegistry) GetDownloadInfo(ctx context.Context, version, goos, goarch string) (*DownloadInfo, error) {
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}

	p, err := lookupPlatform(goos, goarch)
	if err != nil {
		return nil, err
	}

	return &DownloadInfo{
		Version:     version,
		OS:          goos,
		Arch:        goarch,
		Filename:    p.archive,
		DownloadURL: fmt.Sprintf("%s/%s/%s/%s", r.baseURL, p.dir, url.PathEscape(version), p.archive),
		Archive:     "zip",
		Executable:  p.executable,
	}, nil
}

// Download streams the snapshot archive into w.
func (r *SnapshotRegistry) Download(ctx context.Context, info *DownloadInfo, w io.Writer) (int64, error) {
	return download(ctx, r.client, info, w)
}

// CloseIdleConnections drops pooled connections so the next request reconnects.
func (r *SnapshotRegistry) CloseIdleConnections() {
	r.client.CloseIdleConnections()
}
