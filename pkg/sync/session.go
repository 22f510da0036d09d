package sync

import (
	"context"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/modsync/modsync/pkg/client"
	"github.com/modsync/modsync/pkg/errors"
	"github.com/modsync/modsync/pkg/probe"
	"github.com/modsync/modsync/pkg/strategy"
)

// Result is the atomic outcome of one sync session. It is assembled only
// after every worker has finished, so callers never observe a half-done
// session.
type Result struct {
	// Verified holds every file whose local content matches the manifest,
	// whether it was downloaded this session or already in place.
	Verified []string

	Failed      []*ModFile
	Quarantined []*ModFile

	// Stale lists local files the manifest doesn't know about. They are
	// reported, never deleted.
	Stale []string

	Profile         probe.Profile
	Strategy        strategy.Config
	ManifestVersion uint64
}

// Clean returns whether the session left no problem files behind.
func (r *Result) Clean() bool {
	return len(r.Failed) == 0 && len(r.Quarantined) == 0
}

// Session runs one full synchronization pass against a server.
type Session struct {
	client *client.Client
	dir    string
	opts   strategy.Options

	// Events receives per-file outcomes as they happen. May be nil.
	Events chan<- Event
}

// NewSession prepares a sync of dir against the given server.
func NewSession(c *client.Client, dir string, opts strategy.Options) *Session {
	if opts.CPUCount == 0 {
		opts.CPUCount = runtime.NumCPU()
	}
	return &Session{client: c, dir: dir, opts: opts}
}

// Run executes the session: fetch manifest, diff, probe, select a strategy,
// download, verify. It returns an error only when the session cannot start
// at all (unreachable manifest, unreadable directory); per-file failures are
// reported in the Result instead.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	m, err := s.client.FetchManifest(ctx)
	if err != nil {
		return nil, errors.WithContext(err, "fetch manifest")
	}

	pending, stale, err := Diff(m, s.dir)
	if err != nil {
		return nil, errors.WithContext(err, "diff local directory")
	}

	result := &Result{
		Stale:           stale,
		ManifestVersion: m.Version,
	}

	if len(pending) == 0 {
		log.Info("All files up to date")
		for path := range m.Files {
			result.Verified = append(result.Verified, path)
		}
		return result, nil
	}

	result.Profile = probe.New(s.client).Run(ctx)

	sizes := make([]int64, len(pending))
	for i, file := range pending {
		sizes[i] = file.Size
	}
	result.Strategy = strategy.Select(result.Profile, strategy.BuildHistogram(sizes), s.opts)

	log.WithFields(log.Fields{
		"pending":  len(pending),
		"tier":     result.Profile.Tier,
		"strategy": result.Strategy.Kind,
		"workers":  result.Strategy.Workers,
	}).Info("Starting sync")

	NewManager(s.client, s.dir, result.Strategy, s.Events).Run(ctx, pending)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	pendingSet := make(map[string]bool, len(pending))
	for _, file := range pending {
		pendingSet[file.Path] = true
		switch file.Status {
		case Verified:
			result.Verified = append(result.Verified, file.Path)
		case Failed:
			result.Failed = append(result.Failed, file)
		case Quarantined:
			result.Quarantined = append(result.Quarantined, file)
		}
	}
	for path := range m.Files {
		if !pendingSet[path] {
			result.Verified = append(result.Verified, path)
		}
	}
	return result, nil
}
