package registry

// VersionInfo contains information about a published browser version.
type VersionInfo struct {
	Version   string
	Platforms []string
}

// DownloadInfo contains information for downloading a browser build.
type DownloadInfo struct {
	Version     string
	OS          string
	Arch        string
	Filename    string
	DownloadURL string

	// SHA256Sum and Size are optional; zero values mean the source does not
	// publish them.
	SHA256Sum string
	Size      int64

	// Archive is "zip" for archived builds, empty for a raw executable.
	Archive string
	// Executable is the executable's path inside the archive, or the file
	// name to store a raw executable under.
	Executable string
}
