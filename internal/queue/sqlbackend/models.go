// Package sqlbackend implements queue.Backend atop PostgreSQL via gorm,
// grounded on the teacher's internal/data/repos/jobs/job_run.go
// ClaimNextRunnable: a `SELECT ... FOR UPDATE SKIP LOCKED` inside a single
// transaction is exactly the select-for-update claim discipline spec
// section 4.2 requires. Table layout matches spec section 6 verbatim.
package sqlbackend

import (
	"encoding/json"
	"time"

	"github.com/quantdesk/marketjobs/internal/job"
)

// jobRow is the `jobs` table row, per spec section 6.
type jobRow struct {
	ID            string     `gorm:"column:id;primaryKey"`
	Kind          string     `gorm:"column:kind;not null;index:idx_jobs_kind"`
	Priority      int        `gorm:"column:priority;not null;index:idx_jobs_state_priority_scheduled,priority:2,sort:desc"`
	Params        []byte     `gorm:"column:params"`
	State         string     `gorm:"column:state;not null;index:idx_jobs_state_priority_scheduled,priority:1"`
	Attempts      int        `gorm:"column:attempts;not null;default:0"`
	MaxAttempts   int        `gorm:"column:max_attempts;not null;default:3"`
	ScheduledAt   time.Time  `gorm:"column:scheduled_at;index:idx_jobs_state_priority_scheduled,priority:3"`
	ClaimedBy     *string    `gorm:"column:claimed_by;index:idx_jobs_claimed_by"`
	ClaimDeadline *time.Time `gorm:"column:claim_deadline"`
	StartedAt     *time.Time `gorm:"column:started_at"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	FailedAt      *time.Time `gorm:"column:failed_at"`
	Result        []byte     `gorm:"column:result"`
	LastError     string     `gorm:"column:last_error"`
	Progress      int        `gorm:"column:progress;not null;default:0"`
	StatusMessage string     `gorm:"column:status_message"`
}

func (jobRow) TableName() string { return "jobs" }

// workerRow is the `workers` table row, per spec section 6.
type workerRow struct {
	WorkerID      string    `gorm:"column:worker_id;primaryKey"`
	Name          string    `gorm:"column:name"`
	Host          string    `gorm:"column:host"`
	PID           int       `gorm:"column:pid"`
	MaxConcurrent int       `gorm:"column:max_concurrent"`
	Kinds         []byte    `gorm:"column:kinds"` // JSON array
	Capabilities  []byte    `gorm:"column:capabilities"` // JSON array
	Status        string    `gorm:"column:status"`
	StartedAt     time.Time `gorm:"column:started_at"`
	LastHeartbeat time.Time `gorm:"column:last_heartbeat"`
}

func (workerRow) TableName() string { return "workers" }

func priorityToInt(p job.Priority) int { return int(p) }
func intToPriority(i int) job.Priority { return job.Priority(i) }

func encodeJSON(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func decodeParams(b []byte) map[string]any {
	if len(b) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func decodeStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var s []string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	return s
}

func rowToJob(r *jobRow) *job.Job {
	j := &job.Job{
		ID:            r.ID,
		Kind:          r.Kind,
		Priority:      intToPriority(r.Priority),
		Parameters:    decodeParams(r.Params),
		State:         job.State(r.State),
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		FailedAt:      r.FailedAt,
		Result:        decodeParams(r.Result),
		LastError:     r.LastError,
		Progress:      r.Progress,
		StatusMessage: r.StatusMessage,
		ClaimDeadline: r.ClaimDeadline,
	}
	if !r.ScheduledAt.IsZero() {
		t := r.ScheduledAt
		j.ScheduledAt = &t
	}
	if r.ClaimedBy != nil {
		j.ClaimedBy = *r.ClaimedBy
	}
	return j
}
