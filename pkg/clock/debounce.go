package clock

import (
	"sync"
	"time"
)

// Debouncer runs fn once after a quiet period of delay following the last
// Trigger. Stop cancels a pending run; after Stop, Trigger is a no-op.
type Debouncer struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *Timer
	pending bool
	stopped bool
}

func NewDebouncer(c Clock, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: OrReal(c), delay: delay, fn: fn}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = true
	if d.timer != nil {
		d.timer.Reset(d.delay)
		return
	}
	d.timer = d.clock.AfterFunc(d.delay, d.fire)
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Cancel drops a scheduled run without disabling the debouncer.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Flush runs fn immediately if a run was scheduled. It reports whether fn
// ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return false
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.fn()
	return true
}

// Stop cancels any scheduled run and disables further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.fn()
}
