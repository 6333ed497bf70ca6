// Package queue defines the backend contract shared by every durable
// queue implementation (sqlbackend, kvbackend, amqpbackend, pubsubbackend).
// Shared retry/backoff and eligibility logic lives here, above the
// adapter line, per the teacher's "four parallel backend classes"
// redesign note: one interface, four adapters, no duplicated policy.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/quantdesk/marketjobs/internal/job"
)

// Sentinel error kinds, per spec section 4.2. NotFound and StateConflict
// are non-retryable; Unavailable is retryable by the worker main loop;
// Serialization indicates a payload the caller must fix before retrying.
var (
	ErrNotFound      = errors.New("queue: not found")
	ErrStateConflict = errors.New("queue: state conflict")
	ErrUnavailable   = errors.New("queue: backend unavailable")
	ErrSerialization = errors.New("queue: serialization error")
)

// Retryable reports whether the worker main loop should retry the backend
// call itself (as opposed to retrying the job).
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// ClaimFilter narrows Claim to the jobs a worker is willing and able to run.
type ClaimFilter struct {
	Kinds        []string
	Capabilities []string
	MaxN         int
}

// StatsWindow bounds a QueryStats call.
type StatsWindow struct {
	Since time.Time
	Until time.Time
}

// KindState is one row of the QueryStats counts-by-kind/state breakdown.
type KindState struct {
	Kind  string
	State job.State
	Count int64
}

// WorkerStats is one row of the QueryStats per-worker breakdown.
type WorkerStats struct {
	WorkerID      string
	CurrentRun    int
	Status        job.WorkerStatus
	LastHeartbeat time.Time
}

// Stats is the QueryStats result, per spec section 4.2.
type Stats struct {
	ByKindState []KindState
	ByWorker    []WorkerStats
}

// Backend is the durable queue + worker registry contract every adapter
// implements identically. See spec section 4.2 for the full semantics;
// each method below documents only adapter-relevant nuance.
type Backend interface {
	RegisterWorker(ctx context.Context, w *job.WorkerRecord) error
	UpdateWorkerStatus(ctx context.Context, workerID string, status job.WorkerStatus) error
	Heartbeat(ctx context.Context, workerID string, now time.Time) error
	UnregisterWorker(ctx context.Context, workerID string) error

	Enqueue(ctx context.Context, j *job.Job) (string, error)

	// Claim returns up to filter.MaxN eligible jobs, each atomically
	// transitioned Pending->Claimed, ordered (priority DESC,
	// scheduledAt ASC, id ASC). Any given Pending job is returned to at
	// most one caller across all concurrent Claim invocations.
	Claim(ctx context.Context, workerID string, filter ClaimFilter, now time.Time) ([]*job.Job, error)

	Start(ctx context.Context, workerID, jobID string, now time.Time) error
	Progress(ctx context.Context, workerID, jobID string, pct int, message string) error
	Complete(ctx context.Context, workerID, jobID string, result map[string]any, now time.Time) error
	Fail(ctx context.Context, workerID, jobID, errorText string, now time.Time) error
	Timeout(ctx context.Context, workerID, jobID string, now time.Time) error

	// ReapStale marks workers with lastHeartbeat older than staleAfter as
	// Stopped and applies the retry rule to every job they still owned.
	// Must be idempotent: two passes with the same `now` converge.
	ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (reclaimed int, err error)

	QueryStats(ctx context.Context, window StatsWindow) (*Stats, error)

	Close() error
}

// Lookup is an optional capability some backends (sqlbackend, kvbackend)
// support for round-trip tests and monitoring surfaces; AMQP/pub-sub
// brokers have no addressable read path for a single message once
// delivered, so they do not implement it.
type Lookup interface {
	Lookup(ctx context.Context, jobID string) (*job.Job, error)
}
