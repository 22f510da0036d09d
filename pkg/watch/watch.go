// Package watch monitors a served directory for changes and coalesces bursts
// of filesystem events into individual rescan triggers. If filesystem
// notifications are unavailable, it degrades to periodic polling rather than
// giving up on monitoring.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/modsync/modsync/pkg/manifest"
)

const (
	// DefaultDebounce is how long the directory must stay quiet before a
	// burst of events produces a trigger.
	DefaultDebounce = 500 * time.Millisecond

	// DefaultPollInterval is the rescan period used when filesystem
	// notifications fail.
	DefaultPollInterval = 30 * time.Second
)

// Config controls a directory watch.
type Config struct {
	// Dir is the directory to monitor.
	Dir string

	// Debounce is the quiet period required before triggering.
	Debounce time.Duration

	// RescanInterval adds a periodic trigger independent of filesystem
	// events. Zero disables it.
	RescanInterval time.Duration

	// PollInterval is the trigger period of the fallback poller.
	PollInterval time.Duration

	// Clock is swapped for a fake clock in tests.
	Clock clockwork.Clock
}

func (cfg Config) withDefaults() Config {
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg
}

// Watch monitors cfg.Dir until the context is cancelled. It sends on the
// returned channel whenever the directory should be rescanned. The channel
// has a one-element buffer and sends never block: triggers that arrive while
// one is already pending are coalesced.
//
// The watches are in place before Watch returns, so a mutation right after
// the call is never lost.
func Watch(ctx context.Context, cfg Config) <-chan struct{} {
	cfg = cfg.withDefaults()
	trigger := make(chan struct{}, 1)

	watcher, err := newWatcher(cfg.Dir)
	if err != nil {
		log.WithError(err).WithField("dir", cfg.Dir).Warn(
			"Failed to watch directory for changes. Falling back to polling.")
		go poll(ctx, cfg.Clock, cfg.PollInterval, trigger)
		return trigger
	}

	go func() {
		defer watcher.Close()
		if !forward(ctx, cfg, watcher, trigger) {
			// The watch subsystem died out from under us (e.g. the
			// descriptor was lost). Keep monitoring by polling.
			log.WithField("dir", cfg.Dir).Warn(
				"File watcher stopped unexpectedly. Falling back to polling.")
			poll(ctx, cfg.Clock, cfg.PollInterval, trigger)
		}
	}()
	return trigger
}

func newWatcher(dir string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := addRecursive(watcher, dir); err != nil {
		// Close the watcher so that we release the file handles for the
		// previously added paths.
		if closeErr := watcher.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Failed to close file watcher")
		}
		return nil, err
	}
	return watcher, nil
}

// addRecursive watches dir and all of its subdirectories. fsnotify doesn't
// watch directories recursively, so we walk the tree and add each one.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return nil
		}
		if path != dir && manifest.Ignored(fi.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// forward turns raw fsnotify events into debounced triggers. It returns true
// when the context was cancelled, and false when the watcher's channels
// closed and the caller should fall back to polling.
func forward(ctx context.Context, cfg Config, watcher *fsnotify.Watcher, trigger chan struct{}) bool {
	var rescan clockwork.Ticker
	var rescanCh <-chan time.Time
	if cfg.RescanInterval > 0 {
		rescan = cfg.Clock.NewTicker(cfg.RescanInterval)
		defer rescan.Stop()
		rescanCh = rescan.Chan()
	}

	// The debounce timer only exists while a burst is in flight.
	var debounce clockwork.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return true

		case event, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if manifest.Ignored(filepath.Base(event.Name)) {
				continue
			}

			if event.Op.Has(fsnotify.Create) {
				// New subdirectories need their own watches.
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := addRecursive(watcher, event.Name); err != nil {
						log.WithError(err).WithField("dir", event.Name).
							Warn("Failed to watch new directory")
					}
				}
			}

			if debounce == nil {
				debounce = cfg.Clock.NewTimer(cfg.Debounce)
				debounceCh = debounce.Chan()
			} else {
				// The timer may have fired while this case was being
				// handled. Drain the stale expiry so the reset window
				// doesn't end early.
				if !debounce.Stop() {
					select {
					case <-debounceCh:
					default:
					}
				}
				debounce.Reset(cfg.Debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return false
			}
			log.WithError(err).Warn("File watcher error")

		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			fire(trigger)

		case <-rescanCh:
			fire(trigger)
		}
	}
}

// poll triggers a rescan at a fixed interval.
func poll(ctx context.Context, clock clockwork.Clock, interval time.Duration, trigger chan struct{}) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fire(trigger)
		}
	}
}

// fire delivers a trigger without ever blocking the watch loop.
func fire(trigger chan struct{}) {
	select {
	case trigger <- struct{}{}:
	default:
	}
}
