// Package probe measures the quality of the connection to a modsync server
// before a sync session so that the download strategy can be matched to the
// link. A failed probe never fails the session: it degrades to the most
// conservative classification instead.
package probe

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/modsync/modsync/pkg/client"
)

// Tier is a coarse classification of measured connection performance.
type Tier int

const (
	Poor Tier = iota
	Fair
	Good
	Excellent
)

func (t Tier) String() string {
	switch t {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Fair:
		return "fair"
	default:
		return "poor"
	}
}

// Classification thresholds. Tunable, but deterministic: Classify is a pure
// function of the measurements.
const (
	ExcellentThroughput = 5 * 1024 * 1024 // bytes/sec
	GoodThroughput      = 1 * 1024 * 1024
	FairThroughput      = 200 * 1024

	ExcellentLatency = 50 * time.Millisecond
)

// Profile is the result of probing the connection. It is recomputed for
// every sync session and never persisted.
type Profile struct {
	// Latency is the smallest round-trip time of the liveness samples.
	Latency time.Duration

	// Throughput is the measured download rate in bytes per second.
	Throughput float64

	Tier Tier

	// Degraded is set when the probe itself failed and the profile is a
	// conservative guess rather than a measurement.
	Degraded bool
}

// Classify maps measurements to a quality tier.
func Classify(throughput float64, latency time.Duration) Tier {
	switch {
	case throughput >= ExcellentThroughput && latency < ExcellentLatency:
		return Excellent
	case throughput >= GoodThroughput:
		return Good
	case throughput >= FairThroughput:
		return Fair
	default:
		return Poor
	}
}

const (
	latencySamples = 3
	probeAttempts  = 3
	retryDelay     = time.Second
)

// Prober measures latency and throughput against one server.
type Prober struct {
	client      *client.Client
	clock       clockwork.Clock
	payloadSize int64
}

// New creates a Prober with the default payload size.
func New(c *client.Client) *Prober {
	return &Prober{
		client:      c,
		clock:       clockwork.NewRealClock(),
		payloadSize: 1 << 20,
	}
}

// Run probes the server and returns a Profile. It never returns an error:
// when the server can't be reached after a fixed number of attempts, the
// profile is Poor and flagged as degraded so the sync can still proceed
// conservatively.
func (p *Prober) Run(ctx context.Context) Profile {
	latency, ok := p.measureLatency(ctx)
	if !ok {
		log.Warn("Liveness probe failed. Assuming a poor connection.")
		return Profile{Tier: Poor, Degraded: true}
	}

	throughput, ok := p.measureThroughput(ctx)
	if !ok {
		log.Warn("Throughput probe failed. Assuming a poor connection.")
		return Profile{Latency: latency, Tier: Poor, Degraded: true}
	}

	profile := Profile{
		Latency:    latency,
		Throughput: throughput,
		Tier:       Classify(throughput, latency),
	}
	log.WithFields(log.Fields{
		"latency":    profile.Latency,
		"throughput": int64(profile.Throughput),
		"tier":       profile.Tier,
	}).Info("Probed connection")
	return profile
}

// measureLatency takes the smallest of several round-trip samples. The
// minimum is less sensitive to scheduling noise than the mean.
func (p *Prober) measureLatency(ctx context.Context) (time.Duration, bool) {
	var best time.Duration
	gotSample := false

	for i := 0; i < latencySamples; i++ {
		sample, err := withRetries(ctx, p.clock, func() (time.Duration, error) {
			return p.client.Ping(ctx)
		})
		if err != nil {
			continue
		}
		if !gotSample || sample < best {
			best = sample
			gotSample = true
		}
	}
	return best, gotSample
}

func (p *Prober) measureThroughput(ctx context.Context) (float64, bool) {
	throughput, err := withRetries(ctx, p.clock, func() (float64, error) {
		return p.client.SpeedTest(ctx, p.payloadSize)
	})
	return throughput, err == nil
}

func withRetries[T any](ctx context.Context, clock clockwork.Clock, f func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < probeAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := f()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < probeAttempts-1 {
			select {
			case <-ctx.Done():
			case <-clock.After(retryDelay):
			}
		}
	}
	return zero, lastErr
}
