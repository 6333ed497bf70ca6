package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantdesk/marketjobs/internal/job"
)

func baseJob() *job.Job {
	return &job.Job{
		ID: "j1", Kind: "technical_analysis", State: job.Pending,
		Attempts: 0, MaxAttempts: 3,
	}
}

func TestEligibleHappyPath(t *testing.T) {
	j := baseJob()
	require.True(t, Eligible(j, []string{"technical_analysis"}, nil, nil, time.Now()))
}

func TestEligibleRejectsWrongState(t *testing.T) {
	j := baseJob()
	j.State = job.Running
	require.False(t, Eligible(j, []string{"technical_analysis"}, nil, nil, time.Now()))
}

func TestEligibleRejectsFutureSchedule(t *testing.T) {
	j := baseJob()
	future := time.Now().Add(time.Hour)
	j.ScheduledAt = &future
	require.False(t, Eligible(j, []string{"technical_analysis"}, nil, nil, time.Now()))
}

func TestEligibleRejectsExhaustedAttempts(t *testing.T) {
	j := baseJob()
	j.Attempts = 3
	require.False(t, Eligible(j, []string{"technical_analysis"}, nil, nil, time.Now()))
}

func TestEligibleRejectsUnlistedKind(t *testing.T) {
	j := baseJob()
	require.False(t, Eligible(j, []string{"price_update"}, nil, nil, time.Now()))
}

func TestEligibleRequiresCapabilities(t *testing.T) {
	j := baseJob()
	j.Kind = "data_import"
	require.False(t, Eligible(j, []string{"data_import"}, []string{"other"}, []string{"bulk_import"}, time.Now()))
	require.True(t, Eligible(j, []string{"data_import"}, []string{"bulk_import"}, []string{"bulk_import"}, time.Now()))
}
