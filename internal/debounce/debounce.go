// Package debounce coalesces bursts of calls into a single trailing call.
package debounce

import (
	"sync"
	"time"
)

// DefaultWindow is the quiet period used when none is configured.
const DefaultWindow = 300 * time.Millisecond

// Debouncer runs the most recently triggered func once the window has
// passed without another trigger. Last write wins: a pending func is
// discarded, never run, when a newer one is triggered.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending func()
	stopped bool
}

// New creates a debouncer. A non-positive window uses DefaultWindow.
func New(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{window: window}
}

// Window returns the configured quiet period.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Trigger cancels any pending call and schedules fn after the window.
// Triggers after Stop are dropped.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.gen++
	gen := d.gen
	d.pending = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
}

// fire runs the pending func only if no newer trigger, flush or stop
// happened since generation gen was scheduled.
func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.mu.Unlock()

	fn()
}

// Flush runs the pending func immediately on the calling goroutine and
// reports whether there was one.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	fn := d.pending
	d.cancelLocked()
	d.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Cancel discards the pending call without running it.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	d.cancelLocked()
	d.mu.Unlock()
}

// Stop cancels the pending call and rejects further triggers. Idempotent.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.cancelLocked()
	d.mu.Unlock()
}

func (d *Debouncer) cancelLocked() {
	d.gen++
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
