package consumer

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// touchInterval is the cadence at which an in-flight message is touched to
// extend its broker-side visibility lease (H1). Fixed per spec.
const touchInterval = 30 * time.Second

// heartbeat touches a single in-flight message on a fixed cadence until
// stopped. One heartbeat exists per message currently being handled; it
// never outlives the message.
type heartbeat struct {
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// startHeartbeat begins ticking immediately and returns a handle whose Stop
// method blocks until the ticking goroutine has exited. onTouchErr is called
// for any touch failure that isn't the broker's "not in flight" class, which
// is swallowed because it just means the message already completed through
// some other path.
func startHeartbeat(ctx context.Context, msg Message, onTouchErr func(error)) *heartbeat {
	h := &heartbeat{stop: make(chan struct{}), done: make(chan struct{})}
	h.running.Store(true)

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(touchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := msg.Touch(); err != nil && !isNotInFlight(err) && onTouchErr != nil {
					onTouchErr(err)
				}
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return h
}

// Stop halts the ticker and waits for the goroutine to exit. Safe to call
// more than once or on a nil heartbeat.
func (h *heartbeat) Stop() {
	if h == nil {
		return
	}
	if h.running.CompareAndSwap(true, false) {
		close(h.stop)
	}
	<-h.done
}

// notInFlight is the narrow capability a broker-client error may implement
// to say "this message isn't in flight anymore" without the framework
// needing to know the client library's concrete error types.
type notInFlight interface{ NotInFlight() bool }

// isNotInFlight reports whether err means the touch lost a race against the
// message's own completion (finish/requeue/deadline) — swallow exactly
// that one class of error, surface the rest.
func isNotInFlight(err error) bool {
	if err == nil {
		return false
	}
	if nif, ok := err.(notInFlight); ok {
		return nif.NotInFlight()
	}
	return strings.Contains(strings.ToLower(err.Error()), "not in flight")
}
