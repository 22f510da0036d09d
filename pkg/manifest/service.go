package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/modsync/modsync/pkg/errors"
)

// Files larger than this that were modified very recently are assumed to
// still be mid-copy and are left out of the snapshot until the next rebuild.
const (
	recentWriteWindow = 10 * time.Second
	recentWriteSize   = 100 * 1024 * 1024
)

// Service owns the single authoritative Manifest for a served directory.
// Rebuilds are serialized, but the published snapshot is read lock-free, so
// a rebuild in progress never blocks readers.
type Service struct {
	fs   afero.Fs
	root string

	// current holds a *Manifest and is the only state shared with readers.
	current atomic.Value

	// rebuildLock enforces the single-writer discipline for rebuilds.
	rebuildLock sync.Mutex
}

// NewService creates a Service for the given directory. The initial manifest
// is empty until the first Rebuild.
func NewService(fsys afero.Fs, root string) *Service {
	s := &Service{fs: fsys, root: root}
	s.current.Store(&Manifest{Files: map[string]FileEntry{}})
	return s
}

// Root returns the served directory.
func (s *Service) Root() string {
	return s.root
}

// Current returns the latest published manifest. It never blocks.
func (s *Service) Current() *Manifest {
	return s.current.Load().(*Manifest)
}

// Rebuild enumerates the served directory and atomically publishes a new
// manifest snapshot. If enumeration fails, the previous manifest is retained
// and served unchanged.
func (s *Service) Rebuild() (*Manifest, error) {
	s.rebuildLock.Lock()
	defer s.rebuildLock.Unlock()

	files, err := s.scan()
	if err != nil {
		log.WithError(err).WithField("dir", s.root).
			Error("Directory scan failed. Serving the previous manifest.")
		return nil, errors.WithContext(err, "scan directory")
	}

	var totalSize int64
	for _, entry := range files {
		totalSize += entry.Size
	}

	next := &Manifest{
		Version:     s.Current().Version + 1,
		GeneratedAt: time.Now(),
		FileCount:   len(files),
		TotalSize:   totalSize,
		Files:       files,
	}
	s.current.Store(next)

	log.WithFields(log.Fields{
		"version": next.Version,
		"files":   next.FileCount,
		"bytes":   next.TotalSize,
	}).Info("Published manifest")
	return next, nil
}

func (s *Service) scan() (map[string]FileEntry, error) {
	files := map[string]FileEntry{}
	err := afero.Walk(s.fs, s.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk")
		}

		if fi.IsDir() {
			if path != s.root && Ignored(fi.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if Ignored(fi.Name()) {
			return nil
		}

		if probablyStillCopying(fi) {
			log.WithField("path", path).Info(
				"Skipping recently modified large file. It's probably still being copied.")
			return nil
		}

		relPath, err := filepath.Rel(s.root, path)
		if err != nil || strings.HasPrefix(relPath, "..") {
			// This shouldn't happen because `path` is always under the root.
			return errors.WithContext(err, "normalize path")
		}

		hash, err := HashFile(s.fs, path)
		if err != nil {
			return errors.WithContext(err, "hash "+relPath)
		}

		files[filepath.ToSlash(relPath)] = FileEntry{Hash: hash, Size: fi.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func probablyStillCopying(fi os.FileInfo) bool {
	return fi.Size() > recentWriteSize &&
		time.Since(fi.ModTime()) < recentWriteWindow
}
