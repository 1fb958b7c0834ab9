package device

import "time"

// watchdog is a single-slot deadline expecting a confirming state update.
//
// States: idle (armed == false), armed, and fired. Fired is transient: the
// expiry callback moves straight back to idle before reporting unreachable.
// Every arm bumps the generation so a stale expiry can be told apart from
// the current one.
//
// The owning Device's mutex guards all fields.
type watchdog struct {
	sched  Scheduler
	handle Handle
	gen    uint64
	armed  bool
}

// arm starts a new deadline, cancelling any previous one.
// fire is called with the generation of this arm when the deadline passes.
func (w *watchdog) arm(timeout time.Duration, fire func(gen uint64)) {
	w.cancelLocked()
	w.gen++
	w.armed = true
	gen := w.gen
	w.handle = w.sched.AfterFunc(timeout, func() { fire(gen) })
}

// confirm disarms the watchdog because an update arrived.
// Returns true if it was armed.
func (w *watchdog) confirm() bool {
	if !w.armed {
		return false
	}
	w.cancelLocked()
	w.armed = false
	return true
}

// expire reports whether an expiry for gen should mark the device unreachable,
// moving the watchdog back to idle if so.
func (w *watchdog) expire(gen uint64) bool {
	if !w.armed || gen != w.gen {
		return false
	}
	w.armed = false
	w.handle = nil
	return true
}

// stop cancels any pending deadline without a state transition.
func (w *watchdog) stop() {
	w.cancelLocked()
	w.armed = false
}

func (w *watchdog) cancelLocked() {
	if w.handle != nil {
		w.handle.Cancel()
		w.handle = nil
	}
}
