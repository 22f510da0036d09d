// Package manifest maintains the authoritative listing of the files served
// by a modsync server. The listing maps each relative path to the content
// hash and size of the file, and is rebuilt as a whole whenever the served
// directory changes. Clients compare the manifest against their local files
// to decide what to download.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/modsync/modsync/pkg/errors"
)

// FileEntry describes a single served file.
type FileEntry struct {
	// Hash is the sha256 hex digest of the file contents.
	Hash string `json:"hash"`

	// Size is the length of the file in bytes.
	Size int64 `json:"size"`
}

// Manifest is an immutable snapshot of the served directory. A new snapshot
// always replaces the old one as a whole, so readers never observe a mix of
// entries from different rebuilds.
type Manifest struct {
	// Version increases by one on every published rebuild.
	Version uint64 `json:"version"`

	// GeneratedAt is the time the snapshot was assembled.
	GeneratedAt time.Time `json:"generated_at"`

	FileCount int   `json:"file_count"`
	TotalSize int64 `json:"total_size"`

	// Files maps slash-separated relative paths to their entries.
	Files map[string]FileEntry `json:"files"`
}

// Lookup returns the entry for the given relative path.
func (m *Manifest) Lookup(path string) (FileEntry, bool) {
	entry, ok := m.Files[path]
	return entry, ok
}

// HashFile returns the sha256 hex digest of the file at the given path.
func HashFile(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Ignored returns whether a file name should be excluded from the manifest.
// Partial transfer artifacts, hidden files, and legacy hash listings are
// never served.
func Ignored(name string) bool {
	switch {
	case strings.HasSuffix(name, ".filepart"):
		// Temporary files written by SFTP clients mid-upload.
		return true
	case strings.HasSuffix(name, ".part"):
		return true
	case strings.HasPrefix(name, "."):
		return true
	case name == "hashes.json":
		return true
	}
	return false
}
