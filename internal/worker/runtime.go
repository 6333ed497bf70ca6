// Package worker implements the worker runtime (C4): a single-process
// main loop that registers itself, claims and executes jobs against any
// queue.Backend, and drains cleanly on shutdown. Adapted from the
// teacher's internal/jobs/worker/worker.go goroutine-per-claim model,
// generalized from a SQL-only claim/lease loop to the four-backend
// queue.Backend contract and from a fixed worker pool to a single main
// loop tracking bounded concurrent executions.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quantdesk/marketjobs/internal/execctx"
	"github.com/quantdesk/marketjobs/internal/job"
	"github.com/quantdesk/marketjobs/internal/observability"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
	"github.com/quantdesk/marketjobs/internal/registry"
)

// execution tracks one claimed job. Most fields are only ever read or
// written from the main loop goroutine. reported is the one field the
// execution goroutine and the main loop's forced-timeout path both race
// to set (whichever reports the job terminal first wins), so it is an
// atomic rather than a plain bool.
type execution struct {
	job        *job.Job
	cancel     context.CancelFunc
	startedAt  time.Time
	deadline   time.Time
	done       chan struct{} // closed by the execution goroutine when it returns
	reported   atomic.Bool   // true once a terminal backend call has been made for this job
	forceTimed bool          // true once the main loop has itself called Timeout
}

// claimReport returns true if the caller is the first to claim the
// right to report this execution terminal.
func (ex *execution) claimReport() bool {
	return ex.reported.CompareAndSwap(false, true)
}

// Runtime is the worker main loop. One Runtime instance corresponds to
// one worker record.
type Runtime struct {
	cfg      Config
	backend  queue.Backend
	registry *registry.Registry
	log      *logger.Logger
	metrics  *observability.Metrics

	executions map[string]*execution
	running    int
}

// New constructs a Runtime. metrics may be nil (every Metrics method is a
// nil-safe no-op).
func New(cfg Config, backend queue.Backend, reg *registry.Registry, log *logger.Logger, metrics *observability.Metrics) *Runtime {
	return &Runtime{
		cfg:        cfg,
		backend:    backend,
		registry:   reg,
		log:        log.With("component", "worker", "worker_id", cfg.WorkerID),
		metrics:    metrics,
		executions: make(map[string]*execution),
	}
}

// Run blocks until ctx is cancelled (SIGTERM/SIGINT via
// signal.NotifyContext upstream), then drains outstanding executions
// within ShutdownGrace before returning.
func (r *Runtime) Run(ctx context.Context) error {
	kinds := r.registry.Kinds()
	if len(r.cfg.Kinds) > 0 {
		kinds = intersect(kinds, r.cfg.Kinds)
	}
	// A kind whose handler declares capabilities is claimed only when the
	// worker's configured capabilities include every one of them.
	probe := job.WorkerRecord{Capabilities: r.cfg.Capabilities}
	var gated []string
	for _, k := range kinds {
		if probe.HasCapabilities(r.registry.RequiredCapabilities(k)) {
			gated = append(gated, k)
		}
	}
	kinds = gated

	record := &job.WorkerRecord{
		WorkerID:      r.cfg.WorkerID,
		Host:          r.cfg.Host,
		PID:           r.cfg.PID,
		Kinds:         kinds,
		Capabilities:  r.cfg.Capabilities,
		MaxConcurrent: r.cfg.MaxConcurrent,
		Status:        job.Starting,
		StartedAt:     timeNow(),
	}
	if err := r.backend.RegisterWorker(ctx, record); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	if err := r.backend.UpdateWorkerStatus(ctx, r.cfg.WorkerID, job.WRunning); err != nil {
		r.log.Warn("failed to mark worker running", "error", err)
	}
	r.log.Info("worker started", "kinds", kinds, "max_concurrent", r.cfg.MaxConcurrent)

	lastHeartbeat := time.Time{}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C:
			now := timeNow()
			if now.Sub(lastHeartbeat) >= r.cfg.HeartbeatInterval {
				if err := r.backend.Heartbeat(ctx, r.cfg.WorkerID, now); err != nil {
					r.log.Warn("heartbeat failed", "error", err)
				} else {
					lastHeartbeat = now
				}
			}

			r.reapFinished(ctx)
			r.enforceTimeouts(ctx)

			if r.running < r.cfg.MaxConcurrent {
				r.claimAndLaunch(ctx, kinds)
			}
		}
	}
}

// claimAndLaunch pulls up to the worker's spare capacity and starts one
// tracked goroutine per claimed job.
func (r *Runtime) claimAndLaunch(ctx context.Context, kinds []string) {
	spare := r.cfg.MaxConcurrent - r.running
	if spare <= 0 {
		return
	}
	claimStart := timeNow()
	jobs, err := r.backend.Claim(ctx, r.cfg.WorkerID, queue.ClaimFilter{Kinds: kinds, MaxN: spare}, timeNow())
	r.metrics.ObserveClaimDuration(time.Since(claimStart).Seconds())
	if err != nil {
		if queue.Retryable(err) {
			r.log.Warn("claim temporarily unavailable", "error", err)
			return
		}
		r.log.Error("claim failed", "error", err)
		return
	}
	byKind := map[string]int{}
	for _, j := range jobs {
		byKind[j.Kind]++
	}
	for kind, n := range byKind {
		r.metrics.ObserveClaim(kind, n)
	}
	for _, j := range jobs {
		r.launch(ctx, j)
	}
}

// launch starts a job under Start and an isolated execution goroutine
// with a panic-recovery firewall, per spec section 4.4's requirement
// that a crashing handler not tear down its worker.
func (r *Runtime) launch(ctx context.Context, j *job.Job) {
	now := timeNow()
	if err := r.backend.Start(ctx, r.cfg.WorkerID, j.ID, now); err != nil {
		r.log.Error("start failed", "job_id", j.ID, "kind", j.Kind, "error", err)
		return
	}
	r.log.Info("job started", "job_id", j.ID, "kind", j.Kind)
	r.metrics.IncInFlight()

	execCtx, cancel := context.WithCancel(ctx)
	ex := &execution{
		job:       j,
		cancel:    cancel,
		startedAt: now,
		deadline:  now.Add(r.cfg.JobTimeout),
		done:      make(chan struct{}),
	}
	r.executions[j.ID] = ex
	r.running++

	go r.execute(execCtx, ex)
}

// execute runs the job's handler to completion (or cancellation) and
// reports the outcome. It never panics past its own recover: a handler
// panic is converted into a Fail call, matching the teacher's worker
// goroutine firewall.
func (r *Runtime) execute(ctx context.Context, ex *execution) {
	defer close(ex.done)

	spanCtx, span := observability.JobSpan(ctx, ex.job.Kind, ex.job.ID, r.cfg.WorkerID)
	defer span.End()

	ec := execctx.New(spanCtx, r.backend, r.cfg.WorkerID, ex.job, r.log, r.cfg.ProgressInterval)
	defer ec.Stop()

	outcome := "completed"
	defer func() {
		r.metrics.DecInFlight()
		r.metrics.ObserveOutcome(ex.job.Kind, outcome, time.Since(ex.startedAt).Seconds())
	}()

	handler, ok := r.registry.Get(ex.job.Kind)
	if !ok {
		outcome = "failed"
		if ex.claimReport() {
			r.terminal(spanCtx, ex, func() error {
				return r.backend.Fail(spanCtx, r.cfg.WorkerID, ex.job.ID, fmt.Sprintf("no handler registered for kind=%s", ex.job.Kind), timeNow())
			}, "fail")
		}
		return
	}

	result, err := func() (res map[string]any, runErr error) {
		defer func() {
			if p := recover(); p != nil {
				runErr = fmt.Errorf("handler panic: %v", p)
			}
		}()
		return handler.Execute(ec)
	}()
	ec.Flush()

	if !ex.claimReport() {
		// The main loop already force-timed this execution out from
		// under us; our own terminal call would race a job the backend
		// has already retried or failed elsewhere.
		outcome = "timed_out"
		return
	}

	if err != nil {
		outcome = "failed"
		r.terminal(spanCtx, ex, func() error {
			return r.backend.Fail(spanCtx, r.cfg.WorkerID, ex.job.ID, err.Error(), timeNow())
		}, "fail")
		r.log.Warn("job failed", "job_id", ex.job.ID, "kind", ex.job.Kind, "error", err)
		return
	}

	r.terminal(spanCtx, ex, func() error {
		return r.backend.Complete(spanCtx, r.cfg.WorkerID, ex.job.ID, result, timeNow())
	}, "complete")
	r.log.Info("job completed", "job_id", ex.job.ID, "kind", ex.job.Kind)
}

// terminal applies a terminal backend call, logging failures but never
// panicking: the execution goroutine is about to exit either way.
func (r *Runtime) terminal(ctx context.Context, ex *execution, call func() error, verb string) {
	if err := call(); err != nil {
		r.log.Error("terminal transition failed", "job_id", ex.job.ID, "verb", verb, "error", err)
	}
}

// reapFinished removes executions whose goroutine has exited from the
// tracked map and decrements the running count, per spec section 4.4
// step 2 ("Reap locally-finished executions").
func (r *Runtime) reapFinished(ctx context.Context) {
	for id, ex := range r.executions {
		select {
		case <-ex.done:
			delete(r.executions, id)
			r.running--
		default:
		}
	}
}

// enforceTimeouts implements the two-phase forced timeout: the handler's
// context is cancelled once jobTimeout elapses, and if the handler has
// not returned within an additional CancelGrace window, the main loop
// itself calls Timeout and marks the execution reported so the handler's
// own eventual terminal call (if any) becomes a no-op.
func (r *Runtime) enforceTimeouts(ctx context.Context) {
	now := timeNow()
	for id, ex := range r.executions {
		select {
		case <-ex.done:
			continue
		default:
		}
		if now.Before(ex.deadline) {
			continue
		}
		if !ex.forceTimed {
			ex.cancel()
			ex.forceTimed = true
			r.log.Warn("job exceeded timeout, cancelling", "job_id", id, "kind", ex.job.Kind)
			continue
		}
		if now.Before(ex.deadline.Add(r.cfg.CancelGrace)) {
			continue
		}
		if !ex.claimReport() {
			continue
		}
		if err := r.backend.Timeout(ctx, r.cfg.WorkerID, id, now); err != nil {
			r.log.Error("timeout transition failed", "job_id", id, "error", err)
		} else {
			r.log.Warn("job forcibly timed out", "job_id", id, "kind", ex.job.Kind)
		}
	}
}

// shutdown drains running executions within ShutdownGrace, cancels
// survivors, fails them with "worker shutdown", then unregisters.
// Per the decided Open Question, a "worker shutdown" failure is
// retryable like any other Fail call: it goes through the backend's
// normal retry/backoff decision rather than forcing a terminal state.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	if err := r.backend.UpdateWorkerStatus(shutdownCtx, r.cfg.WorkerID, job.Draining); err != nil {
		r.log.Warn("failed to mark worker draining", "error", err)
	}
	r.log.Info("worker draining", "running", r.running)

	deadline := time.Now().Add(r.cfg.ShutdownGrace)
	for len(r.executions) > 0 && time.Now().Before(deadline) {
		r.reapFinished(shutdownCtx)
		if len(r.executions) == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	r.reapFinished(shutdownCtx)

	for id, ex := range r.executions {
		select {
		case <-ex.done:
			continue
		default:
		}
		ex.cancel()
		select {
		case <-ex.done:
		case <-shutdownCtx.Done():
			// Handler did not honor cancellation within the shutdown
			// bound; report it anyway and move on rather than hang
			// the process past the spec's shutdownGrace+5s ceiling.
		}
		if !ex.claimReport() {
			continue
		}
		if err := r.backend.Fail(shutdownCtx, r.cfg.WorkerID, id, "worker shutdown", timeNow()); err != nil {
			r.log.Error("shutdown fail transition failed", "job_id", id, "error", err)
		}
	}

	if err := r.backend.UnregisterWorker(shutdownCtx, r.cfg.WorkerID); err != nil {
		r.log.Error("unregister failed", "error", err)
	}
	r.log.Info("worker stopped")
}

func intersect(have, want []string) []string {
	if len(want) == 0 {
		return have
	}
	wantSet := make(map[string]struct{}, len(want))
	for _, w := range want {
		wantSet[w] = struct{}{}
	}
	out := make([]string, 0, len(have))
	for _, k := range have {
		if _, ok := wantSet[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func timeNow() time.Time { return time.Now() }
