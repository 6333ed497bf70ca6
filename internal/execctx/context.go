// Package execctx is the execution contract between the worker runtime
// and handler code: a capability-scoped handle for a single job
// execution. Adapted from the teacher's internal/jobs/runtime/context.go,
// generalized from a single gorm table to the queue.Backend interface so
// the same handler code runs unchanged against any of the four adapters.
package execctx

import (
	"context"
	"time"

	"github.com/quantdesk/marketjobs/internal/job"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

// Context wraps the cancellable Go context, the claimed job, and the
// only sanctioned ways a handler may report progress or terminate
// execution. Handlers never call the backend directly.
type Context struct {
	Ctx      context.Context
	Job      *job.Job
	WorkerID string

	backend queue.Backend
	log     *logger.Logger
	debounce *progressDebouncer
}

// New constructs an execution Context for a claimed job. progressInterval
// configures debouncing per spec section 4.4 (default 1s).
func New(ctx context.Context, backend queue.Backend, workerID string, j *job.Job, log *logger.Logger, progressInterval time.Duration) *Context {
	c := &Context{
		Ctx:      ctx,
		Job:      j,
		WorkerID: workerID,
		backend:  backend,
		log:      log,
	}
	c.debounce = newProgressDebouncer(progressInterval, func(pct int, msg string) {
		if err := backend.Progress(ctx, workerID, j.ID, pct, msg); err != nil && log != nil {
			log.Warn("progress update failed", "job_id", j.ID, "error", err)
		}
	})
	return c
}

// Param reads a single payload field; handlers validate their own
// parameters and should fail the job with a descriptive error on
// malformed input rather than panicking, per spec section 9.
func (c *Context) Param(key string) (any, bool) {
	if c.Job == nil || c.Job.Parameters == nil {
		return nil, false
	}
	v, ok := c.Job.Parameters[key]
	return v, ok
}

// ParamString is a convenience accessor for the common case of a string
// parameter, returning ("", false) on any type mismatch or absence.
func (c *Context) ParamString(key string) (string, bool) {
	v, ok := c.Param(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Progress reports a debounced non-terminal status update. pct is clamped
// to [0,100] per spec section 4.2; the most recent value always reaches
// the backend eventually even under heavy debouncing.
func (c *Context) Progress(pct int, msg string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	c.debounce.Update(pct, msg)
}

// Flush forces any pending debounced progress update through immediately.
// Handlers should call this before returning so a just-before-completion
// progress value is not lost to debounce coalescing.
func (c *Context) Flush() {
	c.debounce.Flush()
}

// Stop tears down the debounce goroutine. The worker runtime calls this
// once after a handler returns, regardless of outcome.
func (c *Context) Stop() {
	c.debounce.Stop()
}
