package cloud

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// debouncer runs fn once per idle window: each Arm restarts the delay, so a
// burst of signals produces a single firing after the burst settles. The
// timer handle is stored and explicitly cancelled on re-arm and on Close, so
// no leaked callback can fire after teardown.
type debouncer struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu     sync.Mutex
	timer  clockwork.Timer
	cancel chan struct{}
	closed bool
}

func newDebouncer(clock Clock, delay time.Duration, fn func()) *debouncer {
	return &debouncer{clock: clock, delay: delay, fn: fn}
}

// Arm (re)starts the delay window.
func (d *debouncer) Arm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.cancelLocked()

	timer := d.clock.NewTimer(d.delay)
	cancel := make(chan struct{})
	d.timer = timer
	d.cancel = cancel

	go func() {
		select {
		case <-timer.Chan():
		case <-cancel:
			return
		}
		d.mu.Lock()
		live := !d.closed && d.timer == timer
		if live {
			d.timer = nil
			d.cancel = nil
		}
		d.mu.Unlock()
		if live {
			d.fn()
		}
	}()
}

// Close cancels any pending firing.
func (d *debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cancelLocked()
}

func (d *debouncer) cancelLocked() {
	if d.timer != nil {
		stopAndDrainTimer(d.timer)
		d.timer = nil
	}
	if d.cancel != nil {
		close(d.cancel)
		d.cancel = nil
	}
}

// stopAndDrainTimer safely stops a timer and drains its channel to prevent
// goroutine leaks, per the time.Timer.Stop() documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
