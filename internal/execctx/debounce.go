package execctx

import (
	"sync"
	"time"
)

// progressDebouncer coalesces Update calls so the backend is invoked at
// most once per interval per job, per spec section 4.4, while guaranteeing
// the most recent (pct, msg) pair is eventually delivered.
type progressDebouncer struct {
	interval time.Duration
	emit     func(pct int, msg string)

	mu      sync.Mutex
	pending bool
	pct     int
	msg     string
	lastRun time.Time
	timer   *time.Timer
	stopped bool
}

func newProgressDebouncer(interval time.Duration, emit func(pct int, msg string)) *progressDebouncer {
	if interval <= 0 {
		interval = time.Second
	}
	return &progressDebouncer{interval: interval, emit: emit, lastRun: time.Now()}
}

// Update records the latest value and schedules an emit if one isn't
// already pending within the debounce window.
func (d *progressDebouncer) Update(pct int, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pct, d.msg, d.pending = pct, msg, true

	since := time.Since(d.lastRun)
	if since >= d.interval {
		d.emitLocked()
		return
	}
	if d.timer == nil {
		wait := d.interval - since
		d.timer = time.AfterFunc(wait, d.fire)
	}
}

func (d *progressDebouncer) fire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || !d.pending {
		d.timer = nil
		return
	}
	d.emitLocked()
	d.timer = nil
}

func (d *progressDebouncer) emitLocked() {
	pct, msg := d.pct, d.msg
	d.pending = false
	d.lastRun = time.Now()
	emit := d.emit
	go emit(pct, msg)
}

// Flush forces any pending update through synchronously.
func (d *progressDebouncer) Flush() {
	d.mu.Lock()
	if d.stopped || !d.pending {
		d.mu.Unlock()
		return
	}
	pct, msg := d.pct, d.msg
	d.pending = false
	d.lastRun = time.Now()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.emit(pct, msg)
}

// Stop disables further emits.
func (d *progressDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
