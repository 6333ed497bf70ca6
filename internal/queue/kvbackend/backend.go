// Package kvbackend implements queue.Backend atop Redis, grounded on the
// teacher's internal/realtime/bus/redis_bus.go (client construction,
// ping-on-connect). Key layout follows spec section 6's "Observable wire
// surfaces (other backends)": per-priority FIFO lists, a per-job key, a
// worker set, and a per-worker key that each Heartbeat gives a TTL. Job
// and worker records are stored as JSON string values, not Redis hashes.
//
// Redis gives us no cross-key transaction isolation comparable to SQL's
// row locks, so the at-most-one-worker-per-job guarantee (spec section
// 4.2's closing sentence) is provided by RPOP's own atomicity: popping a
// job id off its priority list is a single atomic Redis command, so two
// concurrent Claim calls can never pop the same id. The popped id is then
// recorded in a per-worker claimed list (see claimedListKey) so ReapStale
// can find and requeue it if that worker goes stale before finishing.
package kvbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/quantdesk/marketjobs/internal/job"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

const (
	activeWorkersKey = "active_workers"
	deadLetterKey    = "deadletter"
)

// Backend implements queue.Backend atop a *redis.Client.
type Backend struct {
	rdb    *goredis.Client
	log    *logger.Logger
	policy queue.RetryPolicy
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New dials Redis, pings it once to fail fast on misconfiguration (per
// the teacher's NewRedisBus), and returns a ready Backend.
func New(ctx context.Context, opts Options, log *logger.Logger, policy queue.RetryPolicy) (*Backend, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("kvbackend: missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("kvbackend: redis ping: %w", err)
	}
	return &Backend{rdb: rdb, log: log.With("component", "kvbackend"), policy: policy}, nil
}

func jobListKey(priority job.Priority, kind string) string {
	return fmt.Sprintf("jobs:%s:%s", priority.String(), kind)
}
func jobHashKey(id string) string    { return "job:" + id }
func workerHashKey(id string) string { return "workers:" + id }
func claimedListKey(workerID string) string { return "claimed:" + workerID }

type jobFields struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Priority      int             `json:"priority"`
	Params        json.RawMessage `json:"params"`
	State         string          `json:"state"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	ClaimedBy     string          `json:"claimed_by,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	Progress      int             `json:"progress"`
	StatusMessage string          `json:"status_message,omitempty"`
}

func toJobFields(j *job.Job) *jobFields {
	params, _ := json.Marshal(j.Parameters)
	result, _ := json.Marshal(j.Result)
	scheduledAt := time.Now()
	if j.ScheduledAt != nil {
		scheduledAt = *j.ScheduledAt
	}
	return &jobFields{
		ID: j.ID, Kind: j.Kind, Priority: int(j.Priority), Params: params,
		State: string(j.State), Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
		ScheduledAt: scheduledAt, ClaimedBy: j.ClaimedBy,
		StartedAt: j.StartedAt, CompletedAt: j.CompletedAt, FailedAt: j.FailedAt,
		Result: result, LastError: j.LastError, Progress: j.Progress,
		StatusMessage: j.StatusMessage,
	}
}

func (f *jobFields) toJob() *job.Job {
	var params, result map[string]any
	_ = json.Unmarshal(f.Params, &params)
	_ = json.Unmarshal(f.Result, &result)
	j := &job.Job{
		ID: f.ID, Kind: f.Kind, Priority: job.Priority(f.Priority),
		Parameters: params, State: job.State(f.State), Attempts: f.Attempts,
		MaxAttempts: f.MaxAttempts, ClaimedBy: f.ClaimedBy,
		StartedAt: f.StartedAt, CompletedAt: f.CompletedAt, FailedAt: f.FailedAt,
		Result: result, LastError: f.LastError, Progress: f.Progress,
		StatusMessage: f.StatusMessage,
	}
	if !f.ScheduledAt.IsZero() {
		t := f.ScheduledAt
		j.ScheduledAt = &t
	}
	return j
}

func (b *Backend) saveJob(ctx context.Context, f *jobFields) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrSerialization, err)
	}
	return b.rdb.Set(ctx, jobHashKey(f.ID), raw, 0).Err()
}

func (b *Backend) loadJob(ctx context.Context, id string) (*jobFields, error) {
	raw, err := b.rdb.Get(ctx, jobHashKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: job %s", queue.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	var f jobFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrSerialization, err)
	}
	return &f, nil
}

func (b *Backend) RegisterWorker(ctx context.Context, w *job.WorkerRecord) error {
	now := time.Now()
	payload, _ := json.Marshal(map[string]any{
		"worker_id": w.WorkerID, "host": w.Host, "pid": w.PID,
		"kinds": w.Kinds, "capabilities": w.Capabilities,
		"max_concurrent": w.MaxConcurrent, "status": string(job.Starting),
		"started_at": now, "last_heartbeat": now,
	})
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, workerHashKey(w.WorkerID), payload, 0)
	pipe.SAdd(ctx, activeWorkersKey, w.WorkerID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	return nil
}

func (b *Backend) UpdateWorkerStatus(ctx context.Context, workerID string, status job.WorkerStatus) error {
	return b.mutateWorker(ctx, workerID, func(m map[string]any) {
		m["status"] = string(status)
	})
}

func (b *Backend) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	hbInterval := 10 * time.Second
	err := b.mutateWorker(ctx, workerID, func(m map[string]any) {
		m["last_heartbeat"] = now
	})
	if err != nil {
		return err
	}
	// TTL = heartbeatInterval x 10, per spec section 6.
	return b.rdb.Expire(ctx, workerHashKey(workerID), hbInterval*10).Err()
}

func (b *Backend) UnregisterWorker(ctx context.Context, workerID string) error {
	if err := b.UpdateWorkerStatus(ctx, workerID, job.Stopped); err != nil {
		return err
	}
	return b.rdb.SRem(ctx, activeWorkersKey, workerID).Err()
}

func (b *Backend) mutateWorker(ctx context.Context, workerID string, mutate func(map[string]any)) error {
	raw, err := b.rdb.Get(ctx, workerHashKey(workerID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("%w: worker %s", queue.ErrNotFound, workerID)
		}
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrSerialization, err)
	}
	mutate(m)
	out, _ := json.Marshal(m)
	return b.rdb.Set(ctx, workerHashKey(workerID), out, 0).Err()
}

func (b *Backend) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	if j.Kind == "" {
		return "", fmt.Errorf("%w: job kind is required", queue.ErrSerialization)
	}
	id := j.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = job.DefaultMaxAttempts
	}
	f := toJobFields(j)
	f.ID = id
	f.State = string(job.Pending)
	f.MaxAttempts = maxAttempts
	if err := b.saveJob(ctx, f); err != nil {
		return "", err
	}
	if err := b.rdb.LPush(ctx, jobListKey(j.Priority, j.Kind), id).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	return id, nil
}

// Claim pops from the highest-priority non-empty list first for each
// requested kind, honoring the ordering contract on a best-effort basis:
// priority across lists is exact (we drain High before Normal before Low
// for a given kind); id/scheduledAt tie-break within one priority+kind
// bucket falls out of FIFO list order, which is the best a plain list can
// offer without a secondary index.
func (b *Backend) Claim(ctx context.Context, workerID string, filter queue.ClaimFilter, now time.Time) ([]*job.Job, error) {
	var claimed []*job.Job
	for len(claimed) < filter.MaxN {
		id, ok, err := b.popOneEligible(ctx, filter.Kinds, now)
		if err != nil {
			return claimed, err
		}
		if !ok {
			break
		}
		f, err := b.loadJob(ctx, id)
		if err != nil {
			b.deadLetter(ctx, id, "job hash missing or corrupt at claim time")
			continue
		}
		if f.Attempts >= f.MaxAttempts {
			// Already exhausted: land it in its terminal state instead of
			// dropping it, so it stays reachable via Lookup/QueryStats.
			f.State = string(job.Failed)
			f.ClaimedBy = ""
			if f.LastError == "" {
				f.LastError = "attempts exhausted before claim"
			}
			if err := b.saveJob(ctx, f); err != nil {
				b.log.Error("failed to finalize exhausted job", "job_id", id, "error", err)
			}
			continue
		}
		f.State = string(job.Claimed)
		f.ClaimedBy = workerID
		f.Progress = 0
		if err := b.saveJob(ctx, f); err != nil {
			return claimed, err
		}
		if err := b.rdb.LPush(ctx, claimedListKey(workerID), id).Err(); err != nil {
			return claimed, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
		}
		claimed = append(claimed, f.toJob())
	}
	return claimed, nil
}

// deadLetter records a job id that was popped off its priority list but
// could not be carried forward (its hash is missing or unreadable), so the
// id is never simply discarded: an operator can inspect the deadletter
// list to see what was lost and why.
func (b *Backend) deadLetter(ctx context.Context, id, reason string) {
	entry, _ := json.Marshal(map[string]any{"id": id, "reason": reason, "at": time.Now()})
	if err := b.rdb.LPush(ctx, deadLetterKey, entry).Err(); err != nil {
		b.log.Error("failed to record deadletter entry", "job_id", id, "reason", reason, "error", err)
		return
	}
	b.log.Warn("job moved to deadletter list", "job_id", id, "reason", reason)
}

func (b *Backend) popOneEligible(ctx context.Context, kinds []string, now time.Time) (string, bool, error) {
	for _, p := range []job.Priority{job.High, job.Normal, job.Low} {
		for _, kind := range kinds {
			key := jobListKey(p, kind)
			id, err := b.rdb.RPop(ctx, key).Result()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return "", false, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
			}
			f, loadErr := b.loadJob(ctx, id)
			if loadErr != nil {
				b.deadLetter(ctx, id, "job hash missing or corrupt at pop time")
				continue
			}
			if f.State != string(job.Pending) {
				continue
			}
			if f.ScheduledAt.After(now) {
				// not yet runnable: push back to the tail for a later pass
				_ = b.rdb.LPush(ctx, key, id).Err()
				continue
			}
			return id, true, nil
		}
	}
	return "", false, nil
}

func (b *Backend) Start(ctx context.Context, workerID, jobID string, now time.Time) error {
	f, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if f.ClaimedBy != workerID || f.State != string(job.Claimed) {
		return fmt.Errorf("%w: job %s not claimed by %s", queue.ErrStateConflict, jobID, workerID)
	}
	f.State = string(job.Running)
	f.StartedAt = &now
	f.Progress = 0
	f.Attempts++
	return b.saveJob(ctx, f)
}

func (b *Backend) Progress(ctx context.Context, workerID, jobID string, pct int, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	f, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if f.ClaimedBy != workerID || f.State != string(job.Running) {
		return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
	}
	f.Progress = pct
	f.StatusMessage = message
	return b.saveJob(ctx, f)
}

func (b *Backend) Complete(ctx context.Context, workerID, jobID string, result map[string]any, now time.Time) error {
	f, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if f.ClaimedBy != workerID || f.State != string(job.Running) {
		return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
	}
	f.State = string(job.Completed)
	f.CompletedAt = &now
	f.Progress = 100
	res, _ := json.Marshal(result)
	f.Result = res
	f.ClaimedBy = ""
	if err := b.saveJob(ctx, f); err != nil {
		return err
	}
	return b.rdb.LRem(ctx, claimedListKey(workerID), 0, jobID).Err()
}

func (b *Backend) Fail(ctx context.Context, workerID, jobID, errorText string, now time.Time) error {
	return b.terminalOrRetry(ctx, workerID, jobID, errorText, now, string(job.Failed))
}

func (b *Backend) Timeout(ctx context.Context, workerID, jobID string, now time.Time) error {
	return b.terminalOrRetry(ctx, workerID, jobID, "job timed out", now, string(job.TimedOut))
}

func (b *Backend) terminalOrRetry(ctx context.Context, workerID, jobID, errorText string, now time.Time, terminalState string) error {
	f, err := b.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if f.ClaimedBy != workerID || f.State != string(job.Running) {
		return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
	}
	f.LastError = errorText
	failedAt := now
	f.FailedAt = &failedAt
	decision := queue.Decide(b.policy, f.Attempts, f.MaxAttempts, now)
	f.ClaimedBy = ""
	if decision.Retry {
		f.State = string(job.Pending)
		f.ScheduledAt = decision.ScheduledAt
		f.Progress = 0
		if err := b.saveJob(ctx, f); err != nil {
			return err
		}
		p := job.Priority(f.Priority)
		if err := b.rdb.LPush(ctx, jobListKey(p, f.Kind), jobID).Err(); err != nil {
			return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
		}
	} else {
		f.State = terminalState
		if err := b.saveJob(ctx, f); err != nil {
			return err
		}
	}
	return b.rdb.LRem(ctx, claimedListKey(workerID), 0, jobID).Err()
}

// ReapStale scans active_workers for stale heartbeats, marks them
// Stopped, and requeues jobs left in their claimed list. Since each
// reclaimed job is removed from the claimed list as part of reclaiming
// it, a second pass with the same `now` finds nothing left to reclaim:
// idempotent, per spec section 4.5.
func (b *Backend) ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	workerIDs, err := b.rdb.SMembers(ctx, activeWorkersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	reclaimed := 0
	for _, wid := range workerIDs {
		raw, err := b.rdb.Get(ctx, workerHashKey(wid)).Bytes()
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		status, _ := m["status"].(string)
		if status == string(job.Stopped) {
			continue
		}
		lastHB, ok := parseTimeField(m["last_heartbeat"])
		if !ok || !lastHB.Before(now.Add(-staleAfter)) {
			continue
		}
		m["status"] = string(job.Stopped)
		out, _ := json.Marshal(m)
		_ = b.rdb.Set(ctx, workerHashKey(wid), out, 0).Err()
		_ = b.rdb.SRem(ctx, activeWorkersKey, wid).Err()

		ids, err := b.rdb.LRange(ctx, claimedListKey(wid), 0, -1).Result()
		if err != nil {
			continue
		}
		for _, id := range ids {
			f, err := b.loadJob(ctx, id)
			if err != nil {
				continue
			}
			if f.State != string(job.Claimed) && f.State != string(job.Running) {
				continue
			}
			f.LastError = "worker lost"
			failedAt := now
			f.FailedAt = &failedAt
			decision := queue.Decide(b.policy, f.Attempts, f.MaxAttempts, now)
			f.ClaimedBy = ""
			if decision.Retry {
				f.State = string(job.Pending)
				f.ScheduledAt = decision.ScheduledAt
				f.Progress = 0
				_ = b.saveJob(ctx, f)
				_ = b.rdb.LPush(ctx, jobListKey(job.Priority(f.Priority), f.Kind), id).Err()
			} else {
				f.State = string(job.Failed)
				_ = b.saveJob(ctx, f)
			}
			reclaimed++
		}
		b.rdb.Del(ctx, claimedListKey(wid))
	}
	return reclaimed, nil
}

func parseTimeField(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (b *Backend) QueryStats(ctx context.Context, window queue.StatsWindow) (*queue.Stats, error) {
	stats := &queue.Stats{}
	workerIDs, err := b.rdb.SMembers(ctx, activeWorkersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	for _, wid := range workerIDs {
		raw, err := b.rdb.Get(ctx, workerHashKey(wid)).Bytes()
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		status, _ := m["status"].(string)
		lastHB, _ := parseTimeField(m["last_heartbeat"])
		running, _ := b.rdb.LLen(ctx, claimedListKey(wid)).Result()
		stats.ByWorker = append(stats.ByWorker, queue.WorkerStats{
			WorkerID: wid, CurrentRun: int(running),
			Status: job.WorkerStatus(status), LastHeartbeat: lastHB,
		})
	}
	counts := map[queue.KindState]int64{}
	iter := b.rdb.Scan(ctx, 0, jobHashKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		f, err := b.loadJob(ctx, strings.TrimPrefix(iter.Val(), jobHashKey("")))
		if err != nil || (!window.Since.IsZero() && f.ScheduledAt.Before(window.Since)) || (!window.Until.IsZero() && f.ScheduledAt.After(window.Until)) {
			continue
		}
		counts[queue.KindState{Kind: f.Kind, State: job.State(f.State)}]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
	}
	for ks, n := range counts {
		ks.Count = n
		stats.ByKindState = append(stats.ByKindState, ks)
	}
	return stats, nil
}

func (b *Backend) Lookup(ctx context.Context, jobID string) (*job.Job, error) {
	f, err := b.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return f.toJob(), nil
}

func (b *Backend) Close() error { return b.rdb.Close() }

var _ queue.Backend = (*Backend)(nil)
var _ queue.Lookup = (*Backend)(nil)
