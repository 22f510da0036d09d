package sync

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	goSync "sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/modsync/modsync/pkg/client"
	"github.com/modsync/modsync/pkg/errors"
	"github.com/modsync/modsync/pkg/strategy"
)

// partSuffix marks in-progress downloads. Part files double as resume
// cursors: their length is where the next attempt picks up.
const partSuffix = ".part"

// Event reports one file's final outcome. Delivery is non-blocking: a slow
// consumer drops events rather than stalling the worker pool.
type Event struct {
	Path   string
	Status Status
	Err    error
}

// Manager downloads a set of files according to a strategy config. At most
// cfg.Workers requests are in flight at any instant: chunked range requests
// draw from the same budget as whole-file downloads.
type Manager struct {
	client *client.Client
	dir    string
	cfg    strategy.Config
	clock  clockwork.Clock
	events chan<- Event

	// requests holds one permit per allowed in-flight HTTP request.
	requests chan struct{}
}

// NewManager creates a download manager writing into dir. events may be nil.
func NewManager(c *client.Client, dir string, cfg strategy.Config, events chan<- Event) *Manager {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		client:   c,
		dir:      dir,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		events:   events,
		requests: make(chan struct{}, workers),
	}
}

// acquire claims an in-flight request permit. It returns false if the
// context was cancelled while waiting.
func (m *Manager) acquire(ctx context.Context) bool {
	select {
	case m.requests <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) release() {
	<-m.requests
}

// Run downloads all files and blocks until every worker has finished. Each
// file ends in exactly one of Verified, Failed, or Quarantined, except under
// cancellation where unfinished files keep their part files for the next
// session to resume.
func (m *Manager) Run(ctx context.Context, files []*ModFile) {
	tasks := make(chan *ModFile)

	var wg goSync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for file := range tasks {
				m.process(ctx, file)
			}
		}()
	}

	for _, file := range orderTasks(files, m.cfg) {
		select {
		case tasks <- file:
		case <-ctx.Done():
			// Stop issuing work. In-flight downloads abort on their own
			// context checks.
			close(tasks)
			wg.Wait()
			return
		}
	}
	close(tasks)
	wg.Wait()
}

// orderTasks applies the strategy's ordering policy. Sorting is stable so
// that equal-sized files keep their manifest order and the plan stays
// deterministic.
func orderTasks(files []*ModFile, cfg strategy.Config) []*ModFile {
	ordered := make([]*ModFile, len(files))
	copy(ordered, files)

	switch cfg.Order {
	case strategy.SizeAscending:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Size < ordered[j].Size
		})
	case strategy.SizeDescending:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Size > ordered[j].Size
		})
	case strategy.CriticalFirst:
		rank := make(map[string]int, len(cfg.Critical))
		for i, path := range cfg.Critical {
			rank[path] = i
		}
		sort.SliceStable(ordered, func(i, j int) bool {
			ri, iCritical := rank[ordered[i].Path]
			rj, jCritical := rank[ordered[j].Path]
			switch {
			case iCritical && jCritical:
				return ri < rj
			case iCritical != jCritical:
				return iCritical
			default:
				return ordered[i].Size < ordered[j].Size
			}
		})
	}
	return ordered
}

// process drives one file to its final state. The worker owns the file
// exclusively until it returns.
func (m *Manager) process(ctx context.Context, file *ModFile) {
	file.Status = Downloading
	local := file.localPath(m.dir)
	part := local + partSuffix

	for cycle := 0; cycle <= m.cfg.MismatchLimit; cycle++ {
		// Resume only applies to the first pass. A mismatch means the
		// partial content can't be trusted, so later cycles start fresh.
		resume := m.cfg.Resume && cycle == 0

		if err := m.download(ctx, file, part, resume); err != nil {
			if ctx.Err() != nil {
				// Cancelled. Keep the part file as the resume cursor and
				// report nothing.
				return
			}
			m.finish(file, Failed, err)
			return
		}

		ok, err := Verify(part, file.Hash)
		if err != nil {
			m.finish(file, Failed, err)
			return
		}
		if ok {
			if err := fs.Rename(part, local); err != nil {
				m.finish(file, Failed, err)
				return
			}
			m.finish(file, Verified, nil)
			return
		}

		log.WithField("path", file.Path).Warn("Hash mismatch after download. Retrying from scratch.")
		if err := fs.Remove(part); err != nil && !os.IsNotExist(err) {
			m.finish(file, Failed, err)
			return
		}
	}

	m.finish(file, Quarantined, errors.New("hash mismatch limit exceeded"))
}

func (m *Manager) finish(file *ModFile, status Status, err error) {
	file.Status = status
	file.Err = err

	entry := log.WithField("path", file.Path)
	switch status {
	case Verified:
		entry.Debug("Verified file")
	case Quarantined:
		entry.Error("Quarantined file after repeated hash mismatches")
	default:
		entry.WithError(err).Error("Failed to download file")
	}

	if m.events == nil {
		return
	}
	select {
	case m.events <- Event{Path: file.Path, Status: status, Err: err}:
	default:
	}
}

// download fetches file into part, retrying transient errors with
// exponential backoff. Non-transient errors (disk full, permission denied,
// missing on server) fail immediately: retrying cannot help.
func (m *Manager) download(ctx context.Context, file *ModFile, part string, resume bool) error {
	if err := fs.MkdirAll(filepath.Dir(part), 0755); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if !m.backoff(ctx, attempt) {
				return ctx.Err()
			}
			// Whatever a failed attempt managed to write is still valid
			// content, so later attempts always continue from the cursor.
			resume = true
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := m.transfer(ctx, file, part, resume)
		if err == nil {
			return nil
		}
		lastErr = err

		if !client.Transient(err) {
			return err
		}
		log.WithError(err).WithField("path", file.Path).Debug("Transient download failure")
	}
	return lastErr
}

// backoff sleeps for the attempt's delay: base doubling per attempt, capped.
// Returns false if the context was cancelled while waiting.
func (m *Manager) backoff(ctx context.Context, attempt int) bool {
	delay := m.cfg.RetryBase << uint(attempt-1)
	if delay > m.cfg.RetryCap || delay <= 0 {
		delay = m.cfg.RetryCap
	}
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(delay):
		return true
	}
}

// transfer performs a single download pass into the part file.
func (m *Manager) transfer(ctx context.Context, file *ModFile, part string, resume bool) error {
	var offset int64
	if resume {
		if fi, err := fs.Stat(part); err == nil && fi.Size() <= file.Size {
			offset = fi.Size()
		}
	}
	if offset == file.Size && file.Size > 0 {
		// A previous pass fetched everything and died before verification.
		return nil
	}

	if m.cfg.ChunkParallel && offset == 0 && file.Size >= 2*m.cfg.ChunkSize {
		return m.transferChunked(ctx, file, part)
	}

	if !m.acquire(ctx) {
		return ctx.Err()
	}
	defer m.release()

	body, honored, err := m.client.OpenFile(ctx, file.Path, offset)
	if err != nil {
		return err
	}
	defer body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	if honored > 0 {
		flags |= os.O_APPEND
	} else {
		// Full response: either a fresh download or a server that ignored
		// the range request. Start the part file over.
		flags |= os.O_TRUNC
	}

	out, err := fs.OpenFile(part, flags, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// transferChunked downloads a large file as parallel range requests written
// in place. The part file is sized up front so each chunk can WriteAt its
// own region without coordination. Because that pre-allocation makes the
// file full-length before any byte arrives, a failed pass deletes the part
// file: a hole-filled artifact must never be mistaken for a resume cursor.
func (m *Manager) transferChunked(ctx context.Context, file *ModFile, part string) error {
	out, err := fs.OpenFile(part, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	err = m.writeChunks(ctx, file, out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := fs.Remove(part); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithError(rmErr).WithField("path", file.Path).
				Warn("Failed to remove incomplete chunked download")
		}
		return err
	}
	return nil
}

func (m *Manager) writeChunks(ctx context.Context, file *ModFile, out afero.File) error {
	if err := out.Truncate(file.Size); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       goSync.WaitGroup
		errOnce  goSync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for start := int64(0); start < file.Size; start += m.cfg.ChunkSize {
		length := m.cfg.ChunkSize
		if start+length > file.Size {
			length = file.Size - start
		}

		wg.Add(1)
		go func(start, length int64) {
			defer wg.Done()
			if err := m.fetchChunk(ctx, file.Path, out, start, length); err != nil {
				fail(err)
			}
		}(start, length)
	}
	wg.Wait()

	return firstErr
}

func (m *Manager) fetchChunk(ctx context.Context, path string, out io.WriterAt, start, length int64) error {
	if !m.acquire(ctx) {
		return ctx.Err()
	}
	defer m.release()

	body, err := m.client.OpenRange(ctx, path, start, length)
	if err != nil {
		return err
	}
	defer body.Close()

	_, err = io.Copy(&sectionWriter{w: out, off: start}, io.LimitReader(body, length))
	return err
}

// sectionWriter adapts WriteAt to io.Writer for one chunk's region.
type sectionWriter struct {
	w   io.WriterAt
	off int64
}

func (s *sectionWriter) Write(p []byte) (int, error) {
	n, err := s.w.WriteAt(p, s.off)
	s.off += int64(n)
	return n, err
}
