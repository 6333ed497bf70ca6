package sqlbackend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/quantdesk/marketjobs/internal/job"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

// Backend implements queue.Backend atop a *gorm.DB (PostgreSQL in
// production; sqlite in tests/`setup-local`, per the teacher's go.mod
// carrying both drivers).
type Backend struct {
	db     *gorm.DB
	log    *logger.Logger
	policy queue.RetryPolicy
}

// New wires a sqlbackend.Backend. Callers are expected to have already
// run AutoMigrate (see Migrate) against db.
func New(db *gorm.DB, log *logger.Logger, policy queue.RetryPolicy) *Backend {
	return &Backend{db: db, log: log.With("component", "sqlbackend"), policy: policy}
}

// Migrate creates/updates the jobs and workers tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&jobRow{}, &workerRow{})
}

func wrapGormErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", queue.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", queue.ErrUnavailable, err)
}

func (b *Backend) RegisterWorker(ctx context.Context, w *job.WorkerRecord) error {
	if w.WorkerID == "" {
		return fmt.Errorf("sqlbackend: empty worker id")
	}
	now := time.Now()
	row := workerRow{
		WorkerID:      w.WorkerID,
		Name:          w.Host,
		Host:          w.Host,
		PID:           w.PID,
		MaxConcurrent: w.MaxConcurrent,
		Kinds:         encodeJSON(w.Kinds),
		Capabilities:  encodeJSON(w.Capabilities),
		Status:        string(job.Starting),
		StartedAt:     now,
		LastHeartbeat: now,
	}
	// Re-registration with the same workerId resets status/startedAt/
	// lastHeartbeat, per spec section 9's open question resolution.
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "host", "pid", "max_concurrent", "kinds", "capabilities",
			"status", "started_at", "last_heartbeat",
		}),
	}).Create(&row).Error
	return wrapGormErr(err)
}

func (b *Backend) UpdateWorkerStatus(ctx context.Context, workerID string, status job.WorkerStatus) error {
	res := b.db.WithContext(ctx).Model(&workerRow{}).
		Where("worker_id = ?", workerID).
		Update("status", string(status))
	if res.Error != nil {
		return wrapGormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: worker %s", queue.ErrNotFound, workerID)
	}
	return nil
}

func (b *Backend) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	res := b.db.WithContext(ctx).Model(&workerRow{}).
		Where("worker_id = ?", workerID).
		Update("last_heartbeat", now)
	if res.Error != nil {
		return wrapGormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: worker %s", queue.ErrNotFound, workerID)
	}
	return nil
}

func (b *Backend) UnregisterWorker(ctx context.Context, workerID string) error {
	return b.UpdateWorkerStatus(ctx, workerID, job.Stopped)
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
	scheduledAt := time.Now()
	if j.ScheduledAt != nil {
		scheduledAt = *j.ScheduledAt
	}
	row := jobRow{
		ID:          id,
		Kind:        j.Kind,
		Priority:    priorityToInt(j.Priority),
		Params:      encodeJSON(j.Parameters),
		State:       string(job.Pending),
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
	}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", wrapGormErr(err)
	}
	return id, nil
}

// Claim is the atomic critical section of the backend: it runs inside a
// single transaction, uses SELECT ... FOR UPDATE SKIP LOCKED so two
// concurrent Claim calls never select the same row, and orders results
// (priority DESC, scheduledAt ASC, id ASC) per spec section 4.2.
func (b *Backend) Claim(ctx context.Context, workerID string, filter queue.ClaimFilter, now time.Time) ([]*job.Job, error) {
	if filter.MaxN <= 0 {
		return nil, nil
	}
	if len(filter.Kinds) == 0 {
		return nil, nil
	}

	var out []*job.Job
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []jobRow
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND scheduled_at <= ? AND attempts < max_attempts AND kind IN ?",
				string(job.Pending), now, filter.Kinds).
			Order("priority DESC, scheduled_at ASC, id ASC").
			Limit(filter.MaxN)
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
		}
		claimedBy := workerID
		if err := tx.Model(&jobRow{}).Where("id IN ?", ids).Updates(map[string]any{
			"state":      string(job.Claimed),
			"claimed_by": claimedBy,
			"progress":   0,
		}).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].State = string(job.Claimed)
			cb := claimedBy
			rows[i].ClaimedBy = &cb
			out = append(out, rowToJob(&rows[i]))
		}
		return nil
	})
	if err != nil {
		return nil, wrapGormErr(err)
	}
	return out, nil
}

func (b *Backend) Start(ctx context.Context, workerID, jobID string, now time.Time) error {
	res := b.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND claimed_by = ? AND state = ?", jobID, workerID, string(job.Claimed)).
		Updates(map[string]any{
			"state":      string(job.Running),
			"started_at": now,
			"progress":   0,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return wrapGormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s not claimed by %s", queue.ErrStateConflict, jobID, workerID)
	}
	return nil
}

func (b *Backend) Progress(ctx context.Context, workerID, jobID string, pct int, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	res := b.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND claimed_by = ? AND state = ?", jobID, workerID, string(job.Running)).
		Updates(map[string]any{"progress": pct, "status_message": message})
	if res.Error != nil {
		return wrapGormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
	}
	return nil
}

func (b *Backend) Complete(ctx context.Context, workerID, jobID string, result map[string]any, now time.Time) error {
	res := b.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND claimed_by = ? AND state = ?", jobID, workerID, string(job.Running)).
		Updates(map[string]any{
			"state":        string(job.Completed),
			"completed_at": now,
			"progress":     100,
			"result":       encodeJSON(result),
			"claimed_by":   nil,
		})
	if res.Error != nil {
		return wrapGormErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
	}
	return nil
}

// Fail applies the retry rule (spec section 4.2): requeue with backoff if
// attempts remain, otherwise go terminal Failed.
func (b *Backend) Fail(ctx context.Context, workerID, jobID, errorText string, now time.Time) error {
	return b.terminalOrRetry(ctx, workerID, jobID, errorText, now, string(job.Failed))
}

// Timeout applies the retry rule after a forced cancellation, landing on
// TimedOut when attempts are exhausted instead of Failed.
func (b *Backend) Timeout(ctx context.Context, workerID, jobID string, now time.Time) error {
	return b.terminalOrRetry(ctx, workerID, jobID, "job timed out", now, string(job.TimedOut))
}

func (b *Backend) terminalOrRetry(ctx context.Context, workerID, jobID, errorText string, now time.Time, terminalState string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND claimed_by = ? AND state = ?", jobID, workerID, string(job.Running))
		if err := q.First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
			}
			return err
		}
		attemptsAfter := row.Attempts
		decision := queue.Decide(b.policy, attemptsAfter, row.MaxAttempts, now)
		updates := map[string]any{
			"last_error": errorText,
			"failed_at":  now,
		}
		if decision.Retry {
			updates["state"] = string(job.Pending)
			updates["claimed_by"] = nil
			updates["scheduled_at"] = decision.ScheduledAt
			updates["progress"] = 0
		} else {
			updates["state"] = terminalState
			updates["claimed_by"] = nil
		}
		return tx.Model(&jobRow{}).Where("id = ?", jobID).Updates(updates).Error
	})
}

// ReapStale marks workers whose heartbeat is older than staleAfter as
// Stopped and applies the retry rule to every job still owned by them.
// The whole pass runs in one transaction keyed off `now`, so a second
// call with the same `now` selects zero additional rows: idempotent by
// construction, per spec section 4.5.
func (b *Backend) ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	cutoff := now.Add(-staleAfter)
	reclaimed := 0
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var staleWorkers []workerRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status <> ? AND last_heartbeat < ?", string(job.Stopped), cutoff).
			Find(&staleWorkers).Error; err != nil {
			return err
		}
		if len(staleWorkers) == 0 {
			return nil
		}
		workerIDs := make([]string, 0, len(staleWorkers))
		for _, w := range staleWorkers {
			workerIDs = append(workerIDs, w.WorkerID)
		}
		if err := tx.Model(&workerRow{}).Where("worker_id IN ?", workerIDs).
			Update("status", string(job.Stopped)).Error; err != nil {
			return err
		}

		var orphans []jobRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("claimed_by IN ? AND state IN ?", workerIDs, []string{string(job.Claimed), string(job.Running)}).
			Find(&orphans).Error; err != nil {
			return err
		}
		for _, o := range orphans {
			decision := queue.Decide(b.policy, o.Attempts, o.MaxAttempts, now)
			updates := map[string]any{
				"last_error": "worker lost",
				"failed_at":  now,
				"claimed_by": nil,
			}
			if decision.Retry {
				updates["state"] = string(job.Pending)
				updates["scheduled_at"] = decision.ScheduledAt
				updates["progress"] = 0
			} else {
				updates["state"] = string(job.Failed)
			}
			if err := tx.Model(&jobRow{}).Where("id = ?", o.ID).Updates(updates).Error; err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, wrapGormErr(err)
	}
	return reclaimed, nil
}

func (b *Backend) QueryStats(ctx context.Context, window queue.StatsWindow) (*queue.Stats, error) {
	var kindStateRows []struct {
		Kind  string
		State string
		Count int64
	}
	q := b.db.WithContext(ctx).Model(&jobRow{}).
		Select("kind, state, count(*) as count")
	if !window.Since.IsZero() {
		q = q.Where("scheduled_at >= ?", window.Since)
	}
	if !window.Until.IsZero() {
		q = q.Where("scheduled_at <= ?", window.Until)
	}
	if err := q.Group("kind, state").Scan(&kindStateRows).Error; err != nil {
		return nil, wrapGormErr(err)
	}

	var workers []workerRow
	if err := b.db.WithContext(ctx).Find(&workers).Error; err != nil {
		return nil, wrapGormErr(err)
	}

	stats := &queue.Stats{}
	for _, r := range kindStateRows {
		stats.ByKindState = append(stats.ByKindState, queue.KindState{
			Kind: r.Kind, State: job.State(r.State), Count: r.Count,
		})
	}
	for _, w := range workers {
		var running int64
		b.db.WithContext(ctx).Model(&jobRow{}).
			Where("claimed_by = ? AND state = ?", w.WorkerID, string(job.Running)).
			Count(&running)
		stats.ByWorker = append(stats.ByWorker, queue.WorkerStats{
			WorkerID:      w.WorkerID,
			CurrentRun:    int(running),
			Status:        job.WorkerStatus(w.Status),
			LastHeartbeat: w.LastHeartbeat,
		})
	}
	return stats, nil
}

func (b *Backend) Lookup(ctx context.Context, jobID string) (*job.Job, error) {
	var row jobRow
	if err := b.db.WithContext(ctx).Where("id = ?", jobID).First(&row).Error; err != nil {
		return nil, wrapGormErr(err)
	}
	return rowToJob(&row), nil
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ queue.Backend = (*Backend)(nil)
var _ queue.Lookup = (*Backend)(nil)
