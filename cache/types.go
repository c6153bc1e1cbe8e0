package cache

import "time"

// State is the lifecycle state of a cached version slot.
type State string

const (
	// StatePending means a download for the version is underway and nothing
	// has been committed yet.
	StatePending State = "pending"
	// StateValid means the slot holds a binary that passed its integrity
	// check at commit time.
	StateValid State = "valid"
	// StateCorrupt means an explicit revalidation failed, or the slot cannot
	// be read back.
	StateCorrupt State = "corrupt"
)

// Entry describes one cached browser version.
type Entry struct {
	Version     string    `json:"version"`
	Path        string    `json:"-"`
	Executable  string    `json:"executable"`
	State       State     `json:"state"`
	SHA256      string    `json:"sha256"`
	Size        int64     `json:"size"`
	CommittedAt time.Time `json:"committed_at"`
}

// Artifact is a downloaded, validated file waiting to be committed.
type Artifact struct {
	// Path is the temporary file holding the payload. It must live on the
	// same filesystem as the cache root (see Cache.TempDir).
	Path string

	// Archive is the payload format: "zip", or empty for a raw executable.
	Archive string

	// Executable is the executable's path relative to the slot. For zip
	// payloads it names the file inside the archive.
	Executable string
}
