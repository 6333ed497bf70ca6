// Package pubsubbackend implements queue.Backend atop an MQTT broker via
// github.com/eclipse/paho.mqtt.golang, per spec section 6's pub/sub wire
// layout: topics `jobs/queue/{priority}/{kind}` at QoS1, `workers/register`
// (retained), `workers/heartbeat/{id}`, `workers/unregister`,
// `jobs/assign/{workerId}`, `jobs/completed/{id}`, `jobs/failed/{id}`.
//
// Job-queue topics are subscribed to as MQTT5 shared subscriptions
// (`$share/marketjobs/jobs/queue/...`, see sharedQueueTopic): plain MQTT
// delivery is fan-out, so without a shared subscription every worker
// process would receive and claim the same message independently. A
// shared subscription makes the broker itself hand each message to exactly
// one subscriber, satisfying the at-most-one-worker-per-job requirement
// without a separate claim-token store.
//
// MQTT, like AMQP, has no addressable read path once a message is
// delivered and no query surface at all: this adapter keeps the same
// in-process inflight/worker tables as amqpbackend, for the same reason —
// see DESIGN.md. ReapStale therefore requeues only jobs claimed through
// this Backend value; a reaper in another process reclaims none of them.
package pubsubbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/quantdesk/marketjobs/internal/job"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
)

const (
	qos1 = byte(1)
)

// Options configures the MQTT connection.
type Options struct {
	BrokerURL string // tcp://host:port
	ClientID  string
}

type pendingMsg struct {
	j        *job.Job
	workerID string
}

// Backend implements queue.Backend atop a single long-lived MQTT client
// subscribed to every (priority, kind) job-queue topic it has seen.
type Backend struct {
	client mqtt.Client
	log    *logger.Logger
	policy queue.RetryPolicy

	mu          sync.Mutex
	subscribed  map[string]bool
	incoming    map[string]chan mqtt.Message // topic -> buffered delivery channel
	inflightJ   map[string]*pendingMsg
	workers     map[string]*job.WorkerRecord
}

// New connects to the broker and wires the `workers/*` subscriptions used
// to maintain the in-process worker registry snapshot.
func New(opts Options, log *logger.Logger, policy queue.RetryPolicy) (*Backend, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("pubsubbackend: missing broker url")
	}
	b := &Backend{
		log: log.With("component", "pubsubbackend"), policy: policy,
		subscribed: make(map[string]bool),
		incoming:   make(map[string]chan mqtt.Message),
		inflightJ:  make(map[string]*pendingMsg),
		workers:    make(map[string]*job.WorkerRecord),
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("marketjobs-%d", time.Now().UnixNano())
	}
	connOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(false)
	b.client = mqtt.NewClient(connOpts)
	if tok := b.client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("%w: connect: %v", queue.ErrUnavailable, tok.Error())
	}
	if err := b.subscribeWorkerTopics(); err != nil {
		return nil, err
	}
	return b, nil
}

func queueTopic(p job.Priority, kind string) string {
	return fmt.Sprintf("jobs/queue/%s/%s", p.String(), kind)
}

func (b *Backend) subscribeWorkerTopics() error {
	topics := []string{"workers/register", "workers/heartbeat/+", "workers/unregister"}
	for _, t := range topics {
		if tok := b.client.Subscribe(t, qos1, b.onWorkerMessage); tok.Wait() && tok.Error() != nil {
			return fmt.Errorf("%w: subscribe %s: %v", queue.ErrUnavailable, t, tok.Error())
		}
	}
	return nil
}

func (b *Backend) onWorkerMessage(_ mqtt.Client, msg mqtt.Message) {
	var evt struct {
		Event  string            `json:"event"`
		Worker *job.WorkerRecord `json:"worker"`
	}
	if err := json.Unmarshal(msg.Payload(), &evt); err != nil || evt.Worker == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch evt.Event {
	case "unregister":
		if w, ok := b.workers[evt.Worker.WorkerID]; ok {
			w.Status = job.Stopped
		}
	default:
		b.workers[evt.Worker.WorkerID] = evt.Worker
	}
}

// sharedGroup is the MQTT5 shared-subscription group every worker process
// joins for job-queue topics, so the broker load-balances one delivery per
// message across subscribers instead of fanning the same message out to
// every subscribed process (spec section 6's at-most-one-worker-per-job
// requirement for the pub/sub adapter).
const sharedGroup = "marketjobs"

func sharedQueueTopic(topic string) string {
	return fmt.Sprintf("$share/%s/%s", sharedGroup, topic)
}

// ensureQueueSubscription subscribes, on first use, to a (priority, kind)
// topic via a shared subscription and buffers deliveries into a per-topic
// channel so Claim can drain them non-blockingly. Publishers still publish
// to the plain topic; the `$share/...` prefix only applies to subscribing,
// per the MQTT5 shared-subscription wire convention.
func (b *Backend) ensureQueueSubscription(p job.Priority, kind string) (string, error) {
	topic := queueTopic(p, kind)
	b.mu.Lock()
	if b.subscribed[topic] {
		b.mu.Unlock()
		return topic, nil
	}
	ch := make(chan mqtt.Message, 1024)
	b.incoming[topic] = ch
	b.subscribed[topic] = true
	b.mu.Unlock()

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case ch <- msg:
		default:
			b.log.Warn("pubsub queue buffer full, dropping delivery", "topic", topic)
		}
	}
	if tok := b.client.Subscribe(sharedQueueTopic(topic), qos1, handler); tok.Wait() && tok.Error() != nil {
		return "", fmt.Errorf("%w: subscribe %s: %v", queue.ErrUnavailable, topic, tok.Error())
	}
	return topic, nil
}

type wireJob struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Priority    int            `json:"priority"`
	Params      map[string]any `json:"params"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
}

func (b *Backend) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	if j.Kind == "" {
		return "", fmt.Errorf("%w: job kind is required", queue.ErrSerialization)
	}
	id := j.ID
	if id == "" {
		id = newID()
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = job.DefaultMaxAttempts
	}
	if _, err := b.ensureQueueSubscription(j.Priority, j.Kind); err != nil {
		return "", err
	}
	wj := wireJob{ID: id, Kind: j.Kind, Priority: int(j.Priority), Params: j.Parameters, Attempts: 0, MaxAttempts: maxAttempts}
	body, err := json.Marshal(wj)
	if err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrSerialization, err)
	}

	delay := time.Duration(0)
	if j.ScheduledAt != nil {
		delay = time.Until(*j.ScheduledAt)
	}
	if delay > 0 {
		go b.publishAfter(queueTopic(j.Priority, j.Kind), body, delay)
		return id, nil
	}
	topic := queueTopic(j.Priority, j.Kind)
	if tok := b.client.Publish(topic, qos1, false, body); tok.Wait() && tok.Error() != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrUnavailable, tok.Error())
	}
	return id, nil
}

// publishAfter implements scheduling for a broker with no native delayed
// delivery: hold the message in-process and publish once the delay
// elapses. The held message exists only in this process's memory and is
// lost if the process exits before the delay elapses.
func (b *Backend) publishAfter(topic string, body []byte, delay time.Duration) {
	timer := time.NewTimer(delay)
	<-timer.C
	tok := b.client.Publish(topic, qos1, false, body)
	tok.Wait()
}

// Claim drains up to filter.MaxN buffered deliveries across the requested
// kinds, priority High before Normal before Low, mirroring amqpbackend's
// non-blocking claim strategy.
func (b *Backend) Claim(ctx context.Context, workerID string, filter queue.ClaimFilter, now time.Time) ([]*job.Job, error) {
	var out []*job.Job
pass:
	for len(out) < filter.MaxN {
		got := false
		for _, p := range []job.Priority{job.High, job.Normal, job.Low} {
			for _, kind := range filter.Kinds {
				topic, err := b.ensureQueueSubscription(p, kind)
				if err != nil {
					return out, err
				}
				b.mu.Lock()
				ch := b.incoming[topic]
				b.mu.Unlock()
				select {
				case msg := <-ch:
					var wj wireJob
					if err := json.Unmarshal(msg.Payload(), &wj); err != nil {
						continue
					}
					j := &job.Job{
						ID: wj.ID, Kind: wj.Kind, Priority: job.Priority(wj.Priority),
						Parameters: wj.Params, State: job.Claimed, Attempts: wj.Attempts,
						MaxAttempts: wj.MaxAttempts, ClaimedBy: workerID,
					}
					b.mu.Lock()
					b.inflightJ[j.ID] = &pendingMsg{j: j, workerID: workerID}
					b.mu.Unlock()
					out = append(out, j)
					got = true
					b.publishAssign(workerID, j.ID)
					if len(out) >= filter.MaxN {
						return out, nil
					}
					// Restart from High so a lower priority is only
					// reached once every higher-priority buffer is empty.
					continue pass
				default:
				}
			}
		}
		if !got {
			break
		}
	}
	return out, nil
}

func (b *Backend) publishAssign(workerID, jobID string) {
	topic := fmt.Sprintf("jobs/assign/%s", workerID)
	body, _ := json.Marshal(map[string]string{"job_id": jobID})
	b.client.Publish(topic, qos1, false, body)
}

func (b *Backend) get(jobID string) (*pendingMsg, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.inflightJ[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", queue.ErrNotFound, jobID)
	}
	return p, nil
}

func (b *Backend) Start(ctx context.Context, workerID, jobID string, now time.Time) error {
	p, err := b.get(jobID)
	if err != nil {
		return err
	}
	if p.workerID != workerID || p.j.State != job.Claimed {
		return fmt.Errorf("%w: job %s not claimed by %s", queue.ErrStateConflict, jobID, workerID)
	}
	p.j.State = job.Running
	p.j.StartedAt = &now
	p.j.Attempts++
	p.j.Progress = 0
	return nil
}

func (b *Backend) Progress(ctx context.Context, workerID, jobID string, pct int, message string) error {
	p, err := b.get(jobID)
	if err != nil {
		return err
	}
	if p.workerID != workerID || p.j.State != job.Running {
		return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	p.j.Progress = pct
	p.j.StatusMessage = message
	return nil
}

func (b *Backend) Complete(ctx context.Context, workerID, jobID string, result map[string]any, now time.Time) error {
	p, err := b.get(jobID)
	if err != nil {
		return err
	}
	if p.workerID != workerID || p.j.State != job.Running {
		return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
	}
	body, _ := json.Marshal(map[string]any{"job_id": jobID, "result": result})
	topic := fmt.Sprintf("jobs/completed/%s", jobID)
	if tok := b.client.Publish(topic, qos1, false, body); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, tok.Error())
	}
	b.mu.Lock()
	delete(b.inflightJ, jobID)
	b.mu.Unlock()
	p.j.State = job.Completed
	p.j.CompletedAt = &now
	p.j.Progress = 100
	p.j.Result = result
	return nil
}

func (b *Backend) Fail(ctx context.Context, workerID, jobID, errorText string, now time.Time) error {
	return b.terminalOrRetry(ctx, workerID, jobID, errorText, now, job.Failed)
}

func (b *Backend) Timeout(ctx context.Context, workerID, jobID string, now time.Time) error {
	return b.terminalOrRetry(ctx, workerID, jobID, "job timed out", now, job.TimedOut)
}

func (b *Backend) terminalOrRetry(ctx context.Context, workerID, jobID, errorText string, now time.Time, terminalState job.State) error {
	p, err := b.get(jobID)
	if err != nil {
		return err
	}
	if p.workerID != workerID || p.j.State != job.Running {
		return fmt.Errorf("%w: job %s not running under %s", queue.ErrStateConflict, jobID, workerID)
	}
	decision := queue.Decide(b.policy, p.j.Attempts, p.j.MaxAttempts, now)

	body, _ := json.Marshal(map[string]string{"job_id": jobID, "error": errorText})
	topic := fmt.Sprintf("jobs/failed/%s", jobID)
	if tok := b.client.Publish(topic, qos1, false, body); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, tok.Error())
	}
	b.mu.Lock()
	delete(b.inflightJ, jobID)
	b.mu.Unlock()

	p.j.LastError = errorText
	p.j.FailedAt = &now
	p.j.ClaimedBy = ""
	if decision.Retry {
		p.j.State = job.Pending
		p.j.Progress = 0
		wj := wireJob{ID: p.j.ID, Kind: p.j.Kind, Priority: int(p.j.Priority),
			Params: p.j.Parameters, Attempts: p.j.Attempts, MaxAttempts: p.j.MaxAttempts}
		retryBody, _ := json.Marshal(wj)
		delay := time.Until(decision.ScheduledAt)
		if delay < 0 {
			delay = 0
		}
		if delay == 0 {
			topic := queueTopic(p.j.Priority, p.j.Kind)
			if tok := b.client.Publish(topic, qos1, false, retryBody); tok.Wait() && tok.Error() != nil {
				return fmt.Errorf("%w: %v", queue.ErrUnavailable, tok.Error())
			}
			return nil
		}
		go b.publishAfter(queueTopic(p.j.Priority, p.j.Kind), retryBody, delay)
		return nil
	}
	p.j.State = terminalState
	return nil
}

func (b *Backend) RegisterWorker(ctx context.Context, w *job.WorkerRecord) error {
	b.mu.Lock()
	rec := *w
	rec.Status = job.Starting
	rec.StartedAt = time.Now()
	rec.LastHeartbeat = rec.StartedAt
	b.workers[w.WorkerID] = &rec
	b.mu.Unlock()
	body, _ := json.Marshal(map[string]any{"event": "register", "worker": &rec})
	if tok := b.client.Publish("workers/register", qos1, true, body); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, tok.Error())
	}
	return nil
}

func (b *Backend) UpdateWorkerStatus(ctx context.Context, workerID string, status job.WorkerStatus) error {
	b.mu.Lock()
	w, ok := b.workers[workerID]
	if ok {
		w.Status = status
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: worker %s", queue.ErrNotFound, workerID)
	}
	body, _ := json.Marshal(map[string]any{"event": "status", "worker": w})
	topic := fmt.Sprintf("workers/heartbeat/%s", workerID)
	if tok := b.client.Publish(topic, qos1, false, body); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, tok.Error())
	}
	return nil
}

func (b *Backend) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	b.mu.Lock()
	w, ok := b.workers[workerID]
	if ok {
		w.LastHeartbeat = now
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: worker %s", queue.ErrNotFound, workerID)
	}
	body, _ := json.Marshal(map[string]any{"event": "heartbeat", "worker": w})
	topic := fmt.Sprintf("workers/heartbeat/%s", workerID)
	if tok := b.client.Publish(topic, qos1, false, body); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, tok.Error())
	}
	return nil
}

func (b *Backend) UnregisterWorker(ctx context.Context, workerID string) error {
	if err := b.UpdateWorkerStatus(ctx, workerID, job.Stopped); err != nil {
		return err
	}
	b.mu.Lock()
	w := b.workers[workerID]
	b.mu.Unlock()
	body, _ := json.Marshal(map[string]any{"event": "unregister", "worker": w})
	if tok := b.client.Publish("workers/unregister", qos1, false, body); tok.Wait() && tok.Error() != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnavailable, tok.Error())
	}
	return nil
}

func (b *Backend) ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	cutoff := now.Add(-staleAfter)
	var staleIDs []string
	b.mu.Lock()
	for id, w := range b.workers {
		if w.Status != job.Stopped && w.LastHeartbeat.Before(cutoff) {
			staleIDs = append(staleIDs, id)
			w.Status = job.Stopped
		}
	}
	b.mu.Unlock()

	reclaimed := 0
	for _, wid := range staleIDs {
		var jobIDs []string
		b.mu.Lock()
		for id, p := range b.inflightJ {
			if p.workerID == wid {
				jobIDs = append(jobIDs, id)
			}
		}
		b.mu.Unlock()
		for _, id := range jobIDs {
			if err := b.terminalOrRetry(ctx, wid, id, "worker lost", now, job.Failed); err == nil {
				reclaimed++
			}
		}
	}
	return reclaimed, nil
}

func (b *Backend) QueryStats(ctx context.Context, window queue.StatsWindow) (*queue.Stats, error) {
	stats := &queue.Stats{}
	b.mu.Lock()
	defer b.mu.Unlock()
	running := map[string]int{}
	for _, p := range b.inflightJ {
		if p.j.State == job.Running {
			running[p.workerID]++
		}
	}
	for id, w := range b.workers {
		stats.ByWorker = append(stats.ByWorker, queue.WorkerStats{
			WorkerID: id, CurrentRun: running[id], Status: w.Status, LastHeartbeat: w.LastHeartbeat,
		})
	}
	return stats, nil
}

func (b *Backend) Close() error {
	b.client.Disconnect(250)
	return nil
}

var _ queue.Backend = (*Backend)(nil)

func newID() string {
	return fmt.Sprintf("job-%d", time.Now().UnixNano())
}
