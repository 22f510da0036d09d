// Package server exposes the manifest and file contents over HTTP. Handlers
// are stateless: the only shared state is the manifest snapshot, which is
// read lock-free from the manifest service.
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/modsync/modsync/pkg/manifest"
	"github.com/modsync/modsync/pkg/version"
)

const (
	// DefaultSpeedTestSize is the payload size of `GET /speedtest` when the
	// client doesn't ask for a specific size.
	DefaultSpeedTestSize = 1 << 20

	// maxSpeedTestSize caps the requested payload so that a client can't tie
	// up the server streaming arbitrary amounts of data.
	maxSpeedTestSize = 64 << 20
)

// Handler serves the synchronization endpoints for a manifest service.
type Handler struct {
	fs        afero.Fs
	manifests *manifest.Service
	startTime time.Time
	mux       *http.ServeMux
}

// New creates the HTTP handler for the given manifest service. fsys must be
// the filesystem the manifest service scans.
func New(fsys afero.Fs, manifests *manifest.Service) *Handler {
	h := &Handler{
		fs:        fsys,
		manifests: manifests,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc("/", h.handleFile)
	h.mux.HandleFunc("/ping", h.handlePing)
	h.mux.HandleFunc("/hashes.json", h.handleManifest)
	h.mux.HandleFunc("/speedtest", h.handleSpeedTest)
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/rescan", h.handleRescan)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	io.WriteString(w, "pong")
}

func (h *Handler) handleManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manifests.Current())
}

// ServerStatus is the response of `GET /status`.
type ServerStatus struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	ManifestVersion uint64    `json:"manifest_version"`
	FileCount       int       `json:"file_count"`
	TotalSize       int64     `json:"total_size"`
	GeneratedAt     time.Time `json:"generated_at"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	m := h.manifests.Current()
	writeJSON(w, http.StatusOK, ServerStatus{
		Status:          "online",
		Version:         version.Version,
		UptimeSeconds:   int64(time.Since(h.startTime).Seconds()),
		ManifestVersion: m.Version,
		FileCount:       m.FileCount,
		TotalSize:       m.TotalSize,
		GeneratedAt:     m.GeneratedAt,
	})
}

func (h *Handler) handleRescan(w http.ResponseWriter, _ *http.Request) {
	m, err := h.manifests.Rebuild()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    m.Version,
		"file_count": m.FileCount,
	})
}

func (h *Handler) handleSpeedTest(w http.ResponseWriter, r *http.Request) {
	size := int64(DefaultSpeedTestSize)
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid size", http.StatusBadRequest)
			return
		}
		size = parsed
	}
	if size > maxSpeedTestSize {
		size = maxSpeedTestSize
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")

	if _, err := io.CopyN(w, newPayloadReader(), size); err != nil {
		// The client hung up mid-measurement. Nothing to clean up.
		log.WithError(err).Debug("Speed test aborted")
	}
}

// handleFile serves file bytes for any path listed in the current manifest.
// Byte-range requests are honored so that clients can resume partial
// downloads. Serving only manifest-listed paths keeps the visible directory
// consistent with the published snapshot and rejects traversal outright.
func (h *Handler) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		h.handleIndex(w, r)
		return
	}

	relPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if _, ok := h.manifests.Current().Lookup(relPath); !ok {
		http.NotFound(w, r)
		return
	}

	fullPath := path.Join(h.manifests.Root(), relPath)
	f, err := h.fs.Open(fullPath)
	if err != nil {
		// Listed a moment ago, gone now. The next rebuild will catch up.
		log.WithError(err).WithField("path", relPath).Warn("Failed to open served file")
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "stat failed", http.StatusInternalServerError)
		return
	}

	http.ServeContent(w, r, path.Base(relPath), fi.ModTime(), f)
}

// handleIndex lists the endpoints. Presentation beyond this plain listing
// belongs to the front-end, not the sync core.
func (h *Handler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "modsync server\n\n"+
		"GET /hashes.json   manifest of served files\n"+
		"GET /{path}        file contents (supports Range)\n"+
		"GET /ping          liveness probe\n"+
		"GET /speedtest     throughput test payload (?size=bytes)\n"+
		"GET /status        server status\n"+
		"GET /rescan        force a manifest rebuild\n")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

// payloadReader yields a deterministic byte pattern for throughput tests.
type payloadReader struct {
	chunk []byte
}

func newPayloadReader() *payloadReader {
	chunk := make([]byte, 64*1024)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	return &payloadReader{chunk: chunk}
}

func (p *payloadReader) Read(buf []byte) (int, error) {
	n := copy(buf, p.chunk)
	return n, nil
}
