// Package strategy decides how a sync session downloads its pending files.
// Select is a pure function of the connection profile and the size
// distribution of the pending set, so identical inputs always produce the
// identical plan. Anything machine-dependent (CPU count) is an explicit
// input rather than read from the environment.
package strategy

import (
	"fmt"
	"time"

	"github.com/modsync/modsync/pkg/probe"
)

// Kind names a download strategy.
type Kind int

const (
	// AdaptiveAuto picks one of the concrete strategies from the measured
	// connection profile. It is the default entry point and never defines
	// worker counts of its own.
	AdaptiveAuto Kind = iota

	// StableSequential downloads one file at a time in manifest order.
	// Chosen for poor or degraded connections.
	StableSequential

	// GamingPriority fetches a caller-supplied critical list first so that
	// the game can start before the full set is synced.
	GamingPriority

	// BalancedAdaptive is the middle ground for fair and good connections:
	// a small pool, smallest files first for quick visible progress.
	BalancedAdaptive

	// FastOptimized saturates an excellent connection: a large pool,
	// biggest files first, huge files split into parallel range requests.
	FastOptimized
)

func (k Kind) String() string {
	switch k {
	case AdaptiveAuto:
		return "adaptive-auto"
	case StableSequential:
		return "stable-sequential"
	case GamingPriority:
		return "gaming-priority"
	case BalancedAdaptive:
		return "balanced-adaptive"
	case FastOptimized:
		return "fast-optimized"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind resolves a strategy name from configuration.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "", "auto", "adaptive-auto":
		return AdaptiveAuto, nil
	case "stable-sequential", "stable":
		return StableSequential, nil
	case "gaming-priority", "gaming":
		return GamingPriority, nil
	case "balanced-adaptive", "balanced":
		return BalancedAdaptive, nil
	case "fast-optimized", "fast":
		return FastOptimized, nil
	default:
		return AdaptiveAuto, fmt.Errorf("unknown strategy %q", name)
	}
}

// Order is the task ordering policy of a strategy.
type Order int

const (
	// FIFO keeps the manifest's iteration order.
	FIFO Order = iota

	// SizeAscending downloads small files first.
	SizeAscending

	// SizeDescending downloads large files first.
	SizeDescending

	// CriticalFirst puts the critical list up front, remainder by
	// ascending size.
	CriticalFirst
)

func (o Order) String() string {
	switch o {
	case SizeAscending:
		return "size-ascending"
	case SizeDescending:
		return "size-descending"
	case CriticalFirst:
		return "critical-first"
	default:
		return "fifo"
	}
}

// Retry and integrity defaults shared by all strategies.
const (
	DefaultMaxAttempts   = 5
	DefaultRetryBase     = time.Second
	DefaultRetryCap      = 30 * time.Second
	DefaultMismatchLimit = 2
	DefaultChunkSize     = 4 << 20
)

// Config is the immutable download plan for one sync session.
type Config struct {
	Kind    Kind
	Workers int
	Order   Order

	// Resume continues partial downloads from their current length instead
	// of restarting.
	Resume bool

	// ChunkParallel splits huge files into parallel range requests of
	// ChunkSize bytes each.
	ChunkParallel bool
	ChunkSize     int64

	// Critical is the file list ordered first under CriticalFirst.
	Critical []string

	MaxAttempts   int
	RetryBase     time.Duration
	RetryCap      time.Duration
	MismatchLimit int
}

// Histogram bucket boundaries.
const (
	tinyLimit   = 100 * 1024
	smallLimit  = 1 << 20
	mediumLimit = 10 << 20
)

// Histogram summarizes the size distribution of the pending file set.
type Histogram struct {
	Tiny   int // < 100 KB
	Small  int // 100 KB to 1 MB
	Medium int // 1 MB to 10 MB
	Huge   int // >= 10 MB

	TotalBytes int64
	HugeBytes  int64
}

// BuildHistogram buckets the pending files by size.
func BuildHistogram(sizes []int64) Histogram {
	var h Histogram
	for _, size := range sizes {
		h.TotalBytes += size
		switch {
		case size < tinyLimit:
			h.Tiny++
		case size < smallLimit:
			h.Small++
		case size < mediumLimit:
			h.Medium++
		default:
			h.Huge++
			h.HugeBytes += size
		}
	}
	return h
}

// Count returns the number of pending files.
func (h Histogram) Count() int {
	return h.Tiny + h.Small + h.Medium + h.Huge
}

// HugeDominated reports whether most of the pending bytes live in a few
// large files, in which case per-file chunked parallelism beats per-file
// concurrency.
func (h Histogram) HugeDominated() bool {
	if h.Huge == 0 || h.TotalBytes == 0 {
		return false
	}
	return h.HugeBytes*2 >= h.TotalBytes
}

// Options are the caller-side inputs to strategy selection.
type Options struct {
	// Kind forces a specific strategy. AdaptiveAuto (the zero value) lets
	// the profile decide.
	Kind Kind

	// FastStart requests GamingPriority regardless of tier.
	FastStart bool

	// Critical lists files to download first under GamingPriority.
	Critical []string

	// MaxWorkers caps the pool size from configuration. Zero means no cap.
	MaxWorkers int

	// MaxAttempts overrides the retry budget per file. Zero means the
	// default.
	MaxAttempts int

	// CPUCount is the machine's logical CPU count, passed in explicitly to
	// keep selection deterministic.
	CPUCount int

	// ChunkSize overrides the range-request size for chunked transfers.
	// Zero means the default.
	ChunkSize int64

	// Resume disables partial-download continuation when false and set
	// explicitly; nil means strategy default.
	Resume *bool
}

// Select maps a connection profile and pending-set histogram to a download
// plan. Pure and deterministic: same inputs, same output.
func Select(profile probe.Profile, hist Histogram, opts Options) Config {
	cfg := pick(profile, hist, opts)

	if opts.MaxWorkers > 0 && cfg.Workers > opts.MaxWorkers {
		cfg.Workers = opts.MaxWorkers
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if opts.ChunkSize > 0 {
		cfg.ChunkSize = opts.ChunkSize
	}
	if opts.Resume != nil {
		cfg.Resume = *opts.Resume
	}

	cfg.MaxAttempts = DefaultMaxAttempts
	if opts.MaxAttempts > 0 {
		cfg.MaxAttempts = opts.MaxAttempts
	}
	cfg.RetryBase = DefaultRetryBase
	cfg.RetryCap = DefaultRetryCap
	cfg.MismatchLimit = DefaultMismatchLimit
	return cfg
}

func pick(profile probe.Profile, hist Histogram, opts Options) Config {
	kind := opts.Kind
	if opts.FastStart {
		kind = GamingPriority
	}

	if kind == AdaptiveAuto {
		switch {
		case profile.Degraded || profile.Tier == probe.Poor:
			kind = StableSequential
		case profile.Tier == probe.Excellent || hist.HugeDominated():
			kind = FastOptimized
		default:
			kind = BalancedAdaptive
		}
	}

	switch kind {
	case StableSequential:
		return Config{
			Kind:      StableSequential,
			Workers:   1,
			Order:     FIFO,
			Resume:    true,
			ChunkSize: DefaultChunkSize,
		}
	case GamingPriority:
		return Config{
			Kind:      GamingPriority,
			Workers:   2,
			Order:     CriticalFirst,
			Resume:    true,
			Critical:  opts.Critical,
			ChunkSize: DefaultChunkSize,
		}
	case FastOptimized:
		return Config{
			Kind:          FastOptimized,
			Workers:       fastWorkers(opts.CPUCount),
			Order:         SizeDescending,
			Resume:        true,
			ChunkParallel: true,
			ChunkSize:     DefaultChunkSize,
		}
	default:
		return Config{
			Kind:      BalancedAdaptive,
			Workers:   balancedWorkers(opts.CPUCount),
			Order:     SizeAscending,
			Resume:    true,
			ChunkSize: DefaultChunkSize,
		}
	}
}

func balancedWorkers(cpus int) int {
	if cpus < 1 {
		cpus = 1
	}
	if cpus > 4 {
		return 4
	}
	return cpus
}

func fastWorkers(cpus int) int {
	if cpus < 1 {
		cpus = 1
	}
	workers := cpus * 2
	if workers > 8 {
		return 8
	}
	return workers
}
