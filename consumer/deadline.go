package consumer

import (
	"sync/atomic"
	"time"
)

// deadline arms a one-shot timer for a single in-flight message. If the
// timer fires before Cancel is called, Fired reports true from then on, so
// a caller can tell whether its own completion raced the deadline or lost
// to it.
//
// A tiny typed wrapper around a stdlib timer, keyed to one message instead
// of a map, since only one deadline is ever outstanding per in-flight
// message.
type deadline struct {
	timer *time.Timer
	fired atomic.Bool
}

// armDeadline starts a timer that invokes onExpire if it fires before
// Cancel is called. A zero or negative d means no deadline (armDeadline
// returns nil).
func armDeadline(d time.Duration, onExpire func()) *deadline {
	if d <= 0 {
		return nil
	}

	dl := &deadline{}
	dl.timer = time.AfterFunc(d, func() {
		dl.fired.Store(true)
		onExpire()
	})
	return dl
}

// Cancel stops the timer. If the timer already fired, Cancel is a no-op;
// the return value tells the caller which happened.
func (dl *deadline) Cancel() (stoppedBeforeFiring bool) {
	if dl == nil {
		return true
	}
	return dl.timer.Stop()
}

// Fired reports whether the deadline has already expired.
func (dl *deadline) Fired() bool {
	if dl == nil {
		return false
	}
	return dl.fired.Load()
}
