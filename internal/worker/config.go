package worker

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/quantdesk/marketjobs/internal/config"
)

// Config is the runtime-facing view of the `worker` section of the
// loaded configuration document, with an explicit cancellation grace
// window that spec section 5 names but does not surface as a config key
// ("a bounded grace window (default 5 s)").
type Config struct {
	WorkerID          string
	Name              string
	Host              string
	PID               int
	Kinds             []string // narrows the registry's kinds, if non-empty
	Capabilities      []string
	MaxConcurrent     int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	ShutdownGrace     time.Duration
	CancelGrace       time.Duration
	ProgressInterval  time.Duration
}

// FromAppConfig builds a worker.Config from the loaded document,
// assigning a random workerId and reading host/pid from the OS when the
// config leaves worker.id unset, per spec section 6.
func FromAppConfig(c *config.Config) Config {
	wc := c.Worker
	id := wc.ID
	if id == "" {
		id = uuid.NewString()
	}
	host, _ := os.Hostname()
	return Config{
		WorkerID:          id,
		Name:              wc.Name,
		Host:              host,
		PID:               os.Getpid(),
		Kinds:             wc.Kinds,
		Capabilities:      wc.Capabilities,
		MaxConcurrent:     wc.MaxConcurrent,
		PollInterval:      wc.PollInterval(),
		HeartbeatInterval: wc.HeartbeatInterval(),
		JobTimeout:        wc.JobTimeout(),
		ShutdownGrace:     wc.ShutdownGrace(),
		CancelGrace:       5 * time.Second,
		ProgressInterval:  time.Second,
	}
}
