package cache

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	versionsDirName = "versions"
	tmpDirName      = ".tmp"
	locksDirName    = ".locks"
	manifestName    = "manifest.json"

	// DefaultExecutableName is used for raw payloads that do not name their executable.
	DefaultExecutableName = "browser"
)

var (
	// ErrCorrupt is returned when a committed entry fails its integrity check.
	ErrCorrupt = errors.New("cache entry is corrupt")

	// ErrNotCached is returned by operations that need an existing entry.
	ErrNotCached = errors.New("version is not cached")
)

// FilesystemCache implements Cache using the local filesystem.
type FilesystemCache struct {
	baseDir string
	locker  *Locker
}

// NewFilesystemCache creates a new filesystem-based cache at the given directory.
// Nothing is written to disk until the cache is first used.
func NewFilesystemCache(baseDir string) *FilesystemCache {
	return &FilesystemCache{
		baseDir: baseDir,
		locker:  NewLocker(filepath.Join(baseDir, locksDirName)),
	}
}

// BaseDir returns the cache root.
func (c *FilesystemCache) BaseDir() string {
	return c.baseDir
}

// slotDir returns the directory holding a committed version.
func (c *FilesystemCache) slotDir(version string) string {
	return filepath.Join(c.baseDir, versionsDirName, slotName(version))
}

// Lookup returns the entry for version, or nil if nothing is cached.
// A slot that cannot be read back is reported as corrupt.
func (c *FilesystemCache) Lookup(ctx context.Context, version string) (*Entry, error) {
	dir := c.slotDir(version)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat cache slot: %w", err)
	}

	entry, err := readManifest(dir)
	if err != nil {
		return &Entry{Version: version, State: StateCorrupt}, nil
	}
	if entry.Version != version {
		return &Entry{Version: version, State: StateCorrupt}, nil
	}
	entry.Path = filepath.Join(dir, entry.Executable)

	if entry.State == StateValid {
		if info, err := os.Stat(entry.Path); err != nil || !info.Mode().IsRegular() {
			entry.State = StateCorrupt
		}
	}
	return entry, nil
}

// Commit moves a downloaded artifact into its version slot.
// The artifact's temporary file is always consumed.
func (c *FilesystemCache) Commit(ctx context.Context, version string, artifact Artifact) (string, error) {
	defer os.Remove(artifact.Path)

	unlock, err := c.locker.AcquireExclusive(ctx, version)
	if err != nil {
		return "", fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	// Re-check under the lock: another process may have committed while we waited.
	existing, err := c.Lookup(ctx, version)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.State == StateValid {
			return existing.Path, nil
		}
		return "", fmt.Errorf("version %s: %w", version, ErrCorrupt)
	}

	stagingDir, err := c.createTempDir("stage-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(stagingDir)
		}
	}()

	executable, err := stage(artifact, stagingDir)
	if err != nil {
		return "", err
	}

	execPath := filepath.Join(stagingDir, executable)
	if err := os.Chmod(execPath, 0755); err != nil {
		return "", fmt.Errorf("failed to make browser executable: %w", err)
	}

	sum, size, err := hashFile(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to hash browser executable: %w", err)
	}

	entry := &Entry{
		Version:     version,
		Executable:  executable,
		State:       StateValid,
		SHA256:      sum,
		Size:        size,
		CommittedAt: time.Now().UTC(),
	}
	if err := writeManifest(stagingDir, entry); err != nil {
		return "", err
	}

	finalDir := c.slotDir(version)
	if err := os.MkdirAll(filepath.Dir(finalDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	// The slot appears complete or not at all.
	if err := os.Rename(stagingDir, finalDir); err != nil {
		return "", fmt.Errorf("failed to move browser to cache: %w", err)
	}
	committed = true

	return filepath.Join(finalDir, executable), nil
}

// Revalidate rehashes the executable of a committed entry and marks it
// corrupt on mismatch.
func (c *FilesystemCache) Revalidate(ctx context.Context, version string) (*Entry, error) {
	unlock, err := c.locker.AcquireExclusive(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	entry, err := c.Lookup(ctx, version)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("version %s: %w", version, ErrNotCached)
	}
	if entry.State == StateCorrupt {
		return entry, fmt.Errorf("version %s: %w", version, ErrCorrupt)
	}

	sum, size, hashErr := hashFile(entry.Path)
	if hashErr == nil && sum == entry.SHA256 && size == entry.Size {
		return entry, nil
	}

	entry.State = StateCorrupt
	if err := writeManifest(c.slotDir(version), entry); err != nil {
		return entry, err
	}
	if hashErr != nil {
		return entry, fmt.Errorf("version %s: %w: %v", version, ErrCorrupt, hashErr)
	}
	return entry, fmt.Errorf("version %s: sha256 %s does not match committed %s: %w", version, sum, entry.SHA256, ErrCorrupt)
}

// Purge removes a version slot whatever its state.
func (c *FilesystemCache) Purge(ctx context.Context, version string) error {
	unlock, err := c.locker.AcquireExclusive(ctx, version)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	dir := c.slotDir(version)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	// Move the slot out of the way first so readers never see it half-removed.
	trash, err := c.tempPath("purge-")
	if err != nil {
		return err
	}
	if err := os.Rename(dir, trash); err != nil {
		return fmt.Errorf("failed to purge cache slot: %w", err)
	}
	return os.RemoveAll(trash)
}

// List returns all committed entries, including corrupt ones.
func (c *FilesystemCache) List(ctx context.Context) ([]Entry, error) {
	dirents, err := os.ReadDir(filepath.Join(c.baseDir, versionsDirName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}

	var entries []Entry
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(c.baseDir, versionsDirName, d.Name())
		entry, err := readManifest(dir)
		if err != nil || slotName(entry.Version) != d.Name() {
			entries = append(entries, Entry{Version: d.Name(), State: StateCorrupt})
			continue
		}
		entry.Path = filepath.Join(dir, entry.Executable)
		entries = append(entries, *entry)
	}
	return entries, nil
}

// TempDir returns the directory for in-progress downloads.
func (c *FilesystemCache) TempDir() (string, error) {
	dir := filepath.Join(c.baseDir, tmpDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	return dir, nil
}

// Sweep removes temporary downloads and staging directories left behind by
// processes that exited mid-download.
func (c *FilesystemCache) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	dir := filepath.Join(c.baseDir, tmpDirName)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, d := range dirents {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, d.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", d.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// tempPath returns a fresh, unused path under the temp directory.
func (c *FilesystemCache) tempPath(prefix string) (string, error) {
	tmpBase, err := c.TempDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(tmpBase, prefix+uuid.NewString()), nil
}

// createTempDir creates a unique directory under the cache's .tmp directory.
func (c *FilesystemCache) createTempDir(prefix string) (string, error) {
	dir, err := c.tempPath(prefix)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// stage places the artifact's executable inside dir and returns its
// slot-relative path.
func stage(artifact Artifact, dir string) (string, error) {
	executable := filepath.FromSlash(artifact.Executable)

	switch artifact.Archive {
	case "zip":
		if executable == "" {
			return "", fmt.Errorf("zip artifact does not name its executable")
		}
		if err := extractZip(artifact.Path, dir); err != nil {
			return "", fmt.Errorf("failed to extract browser: %w", err)
		}
	case "":
		if executable == "" {
			executable = DefaultExecutableName
		}
		if !filepath.IsLocal(executable) {
			return "", fmt.Errorf("invalid executable path: %s", artifact.Executable)
		}
		if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, executable)), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.Rename(artifact.Path, filepath.Join(dir, executable)); err != nil {
			return "", fmt.Errorf("failed to stage browser: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported archive format: %q", artifact.Archive)
	}

	if !filepath.IsLocal(executable) {
		return "", fmt.Errorf("invalid executable path: %s", artifact.Executable)
	}
	info, err := os.Stat(filepath.Join(dir, executable))
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("browser executable %s not found in artifact", artifact.Executable)
	}
	return executable, nil
}

func readManifest(dir string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if entry.Executable == "" || !filepath.IsLocal(entry.Executable) {
		return nil, fmt.Errorf("manifest has invalid executable %q", entry.Executable)
	}
	return &entry, nil
}

// writeManifest replaces dir's manifest atomically.
func writeManifest(dir string, entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestName+"."+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// slotName maps a version to a single, non-hidden path element. The mapping
// is injective: bytes outside [A-Za-z0-9._+-] and a leading dot are written as
// %XX, and the empty version becomes a lone "%".
func slotName(version string) string {
	if version == "" {
		return "%"
	}
	var b strings.Builder
	for i := 0; i < len(version); i++ {
		c := version[i]
		if isSlotChar(c) && (i > 0 || c != '.') {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isSlotChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '.' || c == '_' || c == '+' || c == '-'
}

// extractZip extracts a zip file to a destination directory.
func extractZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		fpath := filepath.Join(destDir, f.Name)

		// Check for ZipSlip vulnerability
		if !strings.HasPrefix(fpath, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("invalid file path: %s", fpath)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}

		if err := extractFile(f, fpath); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, dest string) error {
	outFile, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0600)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer outFile.Close()

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry: %w", err)
	}
	defer rc.Close()

	if _, err := io.Copy(outFile, rc); err != nil {
		return fmt.Errorf("failed to extract file: %w", err)
	}
	return outFile.Close()
}
