// Package reaper implements the liveness sweep (C5): a periodic task,
// safe to co-locate with a worker process or run standalone, that calls
// Backend.ReapStale to reclaim jobs owned by workers whose heartbeat has
// gone quiet. Grounded on the teacher's startHeartbeat ticker pattern in
// internal/jobs/worker/worker.go, inverted from "emit my own heartbeat"
// to "periodically check everyone else's".
package reaper

import (
	"context"
	"time"

	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

// Config controls the reaper's sweep cadence and staleness threshold.
type Config struct {
	Interval    time.Duration // how often to sweep; default 30s
	StaleAfter  time.Duration // spec section 4.5 default: 5 minutes
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, StaleAfter: 5 * time.Minute}
}

// Reaper periodically reclaims jobs owned by stale workers.
type Reaper struct {
	cfg     Config
	backend queue.Backend
	log     *logger.Logger
}

// New constructs a Reaper.
func New(cfg Config, backend queue.Backend, log *logger.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Reaper{cfg: cfg, backend: backend, log: log.With("component", "reaper")}
}

// Run blocks, sweeping every Interval until ctx is cancelled. Two
// concurrent Reaper instances sweeping the same backend converge to the
// same state, since ReapStale itself must be idempotent per its
// contract.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.Info("reaper started", "interval", r.cfg.Interval, "stale_after", r.cfg.StaleAfter)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	reclaimed, err := r.backend.ReapStale(ctx, time.Now(), r.cfg.StaleAfter)
	if err != nil {
		r.log.Error("reap sweep failed", "error", err)
		return
	}
	if reclaimed > 0 {
		r.log.Warn("reclaimed jobs from stale workers", "count", reclaimed)
	} else {
		r.log.Debug("reap sweep found nothing stale")
	}
}
