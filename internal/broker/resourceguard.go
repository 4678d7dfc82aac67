package broker

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard samples system-wide CPU usage on a fixed interval and
// exposes a cheap, lock-free check the accept loop consults before
// admitting a new connection. It plays the role the teacher's cgroup
// memory-limit probe plays for connection sizing, but against a load
// signal that actually moves during the life of this process rather
// than a one-time container limit: CPU load, not memory headroom, is
// what a pull-style broker with unbounded retained buffers runs out of
// first.
type ResourceGuard struct {
	thresholdPercent float64
	sampleInterval   time.Duration
	logger           zerolog.Logger

	// last holds the most recent sample as a float64 bit pattern so Allow
	// never takes a lock on the connection-accept hot path.
	last atomic.Uint64
}

// NewResourceGuard builds a guard that rejects new connections once
// sampled CPU usage is at or above thresholdPercent (0, 100].
func NewResourceGuard(thresholdPercent float64, sampleInterval time.Duration, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{
		thresholdPercent: thresholdPercent,
		sampleInterval:   sampleInterval,
		logger:           logger,
	}
	g.store(0)
	return g
}

func (g *ResourceGuard) store(pct float64) {
	g.last.Store(math.Float64bits(pct))
}

func (g *ResourceGuard) load() float64 {
	return math.Float64frombits(g.last.Load())
}

// Run samples CPU usage every sampleInterval until ctx is cancelled.
// Meant to run in its own goroutine for the lifetime of the process.
func (g *ResourceGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(percents) == 0 {
				g.logger.Warn().Err(err).Msg("cpu sample failed")
				continue
			}
			g.store(percents[0])
		}
	}
}

// Allow reports whether a new connection may be admitted given the most
// recent CPU sample. It never blocks and never samples synchronously.
func (g *ResourceGuard) Allow() bool {
	return g.load() < g.thresholdPercent
}

// Current returns the most recently sampled CPU percentage, for
// logging and metrics.
func (g *ResourceGuard) Current() float64 {
	return g.load()
}
