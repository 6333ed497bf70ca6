package job

import "time"

// WorkerStatus is the closed set of states a worker record may occupy.
type WorkerStatus string

const (
	Starting WorkerStatus = "starting"
	WRunning WorkerStatus = "running"
	Draining WorkerStatus = "draining"
	Stopped  WorkerStatus = "stopped"
)

// WorkerRecord mirrors spec section 3: created on startup, mutated only by
// its own worker (heartbeat/status) or the reaper (stale marking), and
// retained after shutdown as a historical row.
type WorkerRecord struct {
	WorkerID       string
	Host           string
	PID            int
	Kinds          []string
	Capabilities   []string
	MaxConcurrent  int
	CurrentRunning int
	Status         WorkerStatus
	StartedAt      time.Time
	LastHeartbeat  time.Time
}

// AcceptsKind reports whether this worker declared the given job kind.
func (w *WorkerRecord) AcceptsKind(kind string) bool {
	for _, k := range w.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether every required tag is present in the
// worker's declared capability set, per spec section 4.2 eligibility.
func (w *WorkerRecord) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}
