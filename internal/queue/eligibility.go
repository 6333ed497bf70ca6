package queue

import (
	"time"

	"github.com/quantdesk/marketjobs/internal/job"
)

// Eligible reports whether j may be claimed by a worker declaring kinds
// and capabilities at time now, per spec section 4.2:
//
//	state = Pending AND scheduledAt <= now AND attempts < maxAttempts
//	AND kind in worker.kinds AND every required capability present.
//
// requiredCapabilities is the handler-declared capability set for j.Kind
// (see registry.Handler.DeclaredCapabilities); the job itself carries no
// capability requirement of its own.
func Eligible(j *job.Job, kinds, capabilities, requiredCapabilities []string, now time.Time) bool {
	if j == nil || j.State != job.Pending {
		return false
	}
	if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
		return false
	}
	if j.Attempts >= j.MaxAttempts {
		return false
	}
	if !containsString(kinds, j.Kind) {
		return false
	}
	return hasAll(capabilities, requiredCapabilities)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func hasAll(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	idx := make(map[string]struct{}, len(have))
	for _, h := range have {
		idx[h] = struct{}{}
	}
	for _, r := range required {
		if _, ok := idx[r]; !ok {
			return false
		}
	}
	return true
}
