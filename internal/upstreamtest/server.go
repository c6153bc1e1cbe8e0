// Package upstreamtest provides a fake browser catalog for tests.
//
// The server speaks the registry.ManifestRegistry protocol and serves a
// single payload for every known version, with knobs for injecting
// transient failures, blocking transfers and trickling bytes.
package upstreamtest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infracollect/browserfetch/registry"
)

// Server is a fake catalog backed by httptest.
type Server struct {
	*httptest.Server

	payload    []byte
	archive    string
	executable string
	checksum   string
	versions   []string
	missing    map[string]bool
	malformed  map[string]bool

	mu         sync.Mutex
	failures   int
	failStatus int

	gate        <-chan struct{}
	started     chan struct{}
	startedOnce sync.Once

	chunks     int
	chunkDelay time.Duration

	infoHits     atomic.Int64
	downloadHits atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithFailures makes the first n payload requests fail with status.
func WithFailures(n, status int) Option {
	return func(s *Server) {
		s.failures = n
		s.failStatus = status
	}
}

// WithMissing makes the given versions answer 404.
func WithMissing(versions ...string) Option {
	return func(s *Server) {
		for _, v := range versions {
			s.missing[v] = true
		}
	}
}

// WithMalformed makes download info for the given versions a non-JSON body.
func WithMalformed(versions ...string) Option {
	return func(s *Server) {
		for _, v := range versions {
			s.malformed[v] = true
		}
	}
}

// WithVersions sets the versions listed by the catalog.
func WithVersions(versions ...string) Option {
	return func(s *Server) {
		s.versions = versions
	}
}

// WithChecksum publishes sum instead of the payload's real SHA-256.
func WithChecksum(sum string) Option {
	return func(s *Server) {
		s.checksum = sum
	}
}

// WithArchive declares the payload as an archive holding executable.
func WithArchive(format, executable string) Option {
	return func(s *Server) {
		s.archive = format
		s.executable = executable
	}
}

// WithGate blocks every payload request until gate is closed.
func WithGate(gate <-chan struct{}) Option {
	return func(s *Server) {
		s.gate = gate
	}
}

// WithTrickle streams the payload in chunks with a delay between them.
func WithTrickle(chunks int, delay time.Duration) Option {
	return func(s *Server) {
		s.chunks = chunks
		s.chunkDelay = delay
	}
}

// New starts a Server serving payload. It is closed when the test ends.
func New(t testing.TB, payload []byte, opts ...Option) *Server {
	t.Helper()

	sum := sha256.Sum256(payload)
	s := &Server{
		payload:    payload,
		executable: "chrome",
		checksum:   hex.EncodeToString(sum[:]),
		missing:    make(map[string]bool),
		malformed:  make(map[string]bool),
		started:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /versions", s.handleVersions)
	mux.HandleFunc("GET /{version}/download/{os}/{arch}", s.handleInfo)
	mux.HandleFunc("GET /payload/{version}", s.handlePayload)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Registry returns a ManifestRegistry pointed at the server.
func (s *Server) Registry() *registry.ManifestRegistry {
	return registry.NewManifestRegistry(s.Client(), s.URL)
}

// Checksum returns the SHA-256 published for the payload.
func (s *Server) Checksum() string {
	return s.checksum
}

// InfoHits returns the number of download info requests served.
func (s *Server) InfoHits() int {
	return int(s.infoHits.Load())
}

// DownloadHits returns the number of payload requests received.
func (s *Server) DownloadHits() int {
	return int(s.downloadHits.Load())
}

// Started is closed when the first payload request arrives.
func (s *Server) Started() <-chan struct{} {
	return s.started
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	type version struct {
		Version string `json:"version"`
	}
	resp := struct {
		Versions []version `json:"versions"`
	}{}
	for _, v := range s.versions {
		resp.Versions = append(resp.Versions, version{Version: v})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.infoHits.Add(1)

	version := r.PathValue("version")
	if s.missing[version] {
		http.NotFound(w, r)
		return
	}
	if s.malformed[version] {
		w.Write([]byte("<html>maintenance</html>"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"os":           r.PathValue("os"),
		"arch":         r.PathValue("arch"),
		"filename":     "chrome",
		"download_url": s.URL + "/payload/" + url.PathEscape(version),
		"shasum":       s.checksum,
		"size":         len(s.payload),
		"archive":      s.archive,
		"executable":   s.executable,
	})
}

func (s *Server) handlePayload(w http.ResponseWriter, r *http.Request) {
	s.downloadHits.Add(1)
	s.startedOnce.Do(func() { close(s.started) })

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		w.WriteHeader(s.failStatus)
		return
	}

	if s.missing[r.PathValue("version")] {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(s.payload)))
	if s.chunks <= 1 {
		w.Write(s.payload)
		return
	}

	flusher, _ := w.(http.Flusher)
	size := (len(s.payload) + s.chunks - 1) / s.chunks
	for off := 0; off < len(s.payload); off += size {
		end := min(off+size, len(s.payload))
		if _, err := w.Write(s.payload[off:end]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(s.chunkDelay)
	}
}
