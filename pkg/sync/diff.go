// Package sync implements the client side of a synchronization session:
// diffing the local directory against a server manifest, downloading what's
// missing or changed with a bounded worker pool, and verifying every
// completed file against its declared hash.
package sync

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/modsync/modsync/pkg/errors"
	"github.com/modsync/modsync/pkg/manifest"
)

var fs = afero.NewOsFs()

// Status is the lifecycle state of one file within a sync session.
type Status int

const (
	// Missing means the file exists in the manifest but not locally.
	Missing Status = iota

	// Mismatched means the local content hash differs from the manifest.
	Mismatched

	// Downloading means a worker currently owns the file.
	Downloading

	// Verified means the local content hash equals the manifest hash.
	Verified

	// Failed means the download exhausted its retries or hit a resource
	// error. Not retried automatically within the session.
	Failed

	// Quarantined means repeated downloads kept producing the wrong hash.
	// Excluded from automatic retry and surfaced for manual resolution.
	Quarantined
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Mismatched:
		return "mismatched"
	case Downloading:
		return "downloading"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	case Quarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// ModFile tracks one manifest entry through a session. A ModFile is owned by
// at most one worker at a time; its fields are never mutated concurrently.
type ModFile struct {
	// Path is the file's manifest path, relative to the sync directory and
	// slash-separated.
	Path string

	// Hash and Size come from the manifest entry.
	Hash string
	Size int64

	Status Status

	// Err records why the file ended up Failed or Quarantined.
	Err error
}

// localPath maps the manifest path onto the sync directory.
func (f *ModFile) localPath(dir string) string {
	return filepath.Join(dir, filepath.FromSlash(f.Path))
}

// Diff compares the local directory against a manifest. It returns the files
// that need downloading (Missing or Mismatched) and the local files the
// manifest doesn't know about. Stale files are surfaced, never deleted: the
// directory may hold user files the server has no business removing.
func Diff(m *manifest.Manifest, dir string) (pending []*ModFile, stale []string, err error) {
	paths := make([]string, 0, len(m.Files))
	for path := range m.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		entry := m.Files[path]
		file := &ModFile{Path: path, Hash: entry.Hash, Size: entry.Size}

		local := file.localPath(dir)
		if _, statErr := fs.Stat(local); statErr != nil {
			if !os.IsNotExist(statErr) {
				return nil, nil, errors.WithContext(statErr, "stat "+path)
			}
			file.Status = Missing
			pending = append(pending, file)
			continue
		}

		hash, hashErr := manifest.HashFile(fs, local)
		if hashErr != nil {
			return nil, nil, errors.WithContext(hashErr, "hash "+path)
		}
		if hash == entry.Hash {
			file.Status = Verified
			continue
		}
		file.Status = Mismatched
		pending = append(pending, file)
	}

	stale, err = findStale(m, dir)
	if err != nil {
		return nil, nil, err
	}
	return pending, stale, nil
}

func findStale(m *manifest.Manifest, dir string) ([]string, error) {
	var stale []string
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			if path != dir && manifest.Ignored(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if manifest.Ignored(name) {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := m.Lookup(rel); !ok {
			stale = append(stale, rel)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(errors.RootCause(err)) {
			return nil, nil
		}
		return nil, errors.WithContext(err, "scan for stale files")
	}
	sort.Strings(stale)
	return stale, nil
}

// Verify recomputes a completed file's content hash and compares it to the
// manifest's declaration.
func Verify(path, wantHash string) (bool, error) {
	hash, err := manifest.HashFile(fs, path)
	if err != nil {
		return false, errors.WithContext(err, "verify "+path)
	}
	return strings.EqualFold(hash, wantHash), nil
}
