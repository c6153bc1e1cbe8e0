package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v5"
)

// ManifestRegistry implements Registry for a JSON version catalog:
//
//	GET <base>/versions                          list of versions
//	GET <base>/<version>/download/<os>/<arch>    download metadata
//
// Unlike the snapshot bucket, the catalog publishes checksums and sizes.
type ManifestRegistry struct {
	client  *http.Client
	baseURL string
}

// NewManifestRegistry creates a ManifestRegistry for the catalog at baseURL.
// If client is nil, a client with DefaultTimeout is used.
func NewManifestRegistry(client *http.Client, baseURL string) *ManifestRegistry {
	return &ManifestRegistry{
		client:  newHTTPClient(client),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type versionsResponse struct {
	Versions []struct {
		Version   string   `json:"version"`
		Platforms []string `json:"platforms"`
	} `json:"versions"`
}

type downloadResponse struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
	SHA256Sum   string `json:"shasum"`
	Size        int64  `json:"size"`
	Archive     string `json:"archive"`
	Executable  string `json:"executable"`
}

// GetVersions returns all versions published in the catalog.
func (r *ManifestRegistry) GetVersions(ctx context.Context) ([]VersionInfo, error) {
	resp, err := get(ctx, r.client, r.baseURL+"/versions")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch versions: %w", err)
	}
	defer resp.Body.Close()

	var versions versionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
		return nil, fmt.Errorf("failed to decode versions response: %w", err)
	}

	result := make([]VersionInfo, len(versions.Versions))
	for i, v := range versions.Versions {
		result[i] = VersionInfo{
			Version:   v.Version,
			Platforms: v.Platforms,
		}
	}

	return result, nil
}

// GetLatestVersion returns the highest version published for the current platform.
func (r *ManifestRegistry) GetLatestVersion(ctx context.Context) (string, error) {
	versions, err := r.GetVersions(ctx)
	if err != nil {
		return "", err
	}

	platform := runtime.GOOS + "_" + runtime.GOARCH
	candidates := versions[:0]
	for _, v := range versions {
		if len(v.Platforms) == 0 || contains(v.Platforms, platform) {
			candidates = append(candidates, v)
		}
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("no versions published for %s: %w", platform, ErrNotFound)
	}

	// Sort versions semantically to find the latest
	sort.Slice(candidates, func(i, j int) bool {
		mi, ni, pi := semverParts(candidates[i].Version)
		mj, nj, pj := semverParts(candidates[j].Version)
		if mi != mj {
			return mi < mj
		}
		if ni != nj {
			return ni < nj
		}
		return pi < pj
	})

	return candidates[len(candidates)-1].Version, nil
}

// GetDownloadInfo returns download information for a specific version.
func (r *ManifestRegistry) GetDownloadInfo(ctx context.Context, version, goos, goarch string) (*DownloadInfo, error) {
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}

	endpoint := fmt.Sprintf("%s/%s/download/%s/%s", r.baseURL,
		url.PathEscape(version), url.PathEscape(goos), url.PathEscape(goarch))
	resp, err := get(ctx, r.client, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch download info for %s: %w", version, err)
	}
	defer resp.Body.Close()

	var dl downloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&dl); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return nil, backoff.Permanent(fmt.Errorf("download info for %s: %w: %v", version, ErrMalformed, err))
		}
		return nil, fmt.Errorf("failed to decode download response: %w", err)
	}
	if dl.DownloadURL == "" {
		return nil, backoff.Permanent(fmt.Errorf("download info for %s has no download_url: %w", version, ErrMalformed))
	}

	return &DownloadInfo{
		Version:     version,
		OS:          dl.OS,
		Arch:        dl.Arch,
		Filename:    dl.Filename,
		DownloadURL: dl.DownloadURL,
		SHA256Sum:   strings.ToLower(dl.SHA256Sum),
		Size:        dl.Size,
		Archive:     dl.Archive,
		Executable:  dl.Executable,
	}, nil
}

// Download streams the payload into w.
func (r *ManifestRegistry) Download(ctx context.Context, info *DownloadInfo, w io.Writer) (int64, error) {
	return download(ctx, r.client, info, w)
}

// CloseIdleConnections drops pooled connections so the next request reconnects.
func (r *ManifestRegistry) CloseIdleConnections() {
	r.client.CloseIdleConnections()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
