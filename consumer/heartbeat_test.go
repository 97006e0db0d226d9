package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeNotInFlightErr struct{}

func (fakeNotInFlightErr) Error() string     { return "E_TOUCH_FAILED id not in flight" }
func (fakeNotInFlightErr) NotInFlight() bool { return true }

func TestIsNotInFlight(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed marker", fakeNotInFlightErr{}, true},
		{"string marker", errors.New("E_TOUCH_FAILED TOUCH 1191daa35f6d9000 failed ID not in flight"), true},
		{"other error", errors.New("some other error"), false},
	}

	for _, tt := range tests {
		if got := isNotInFlight(tt.err); got != tt.want {
			t.Errorf("isNotInFlight(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestHeartbeatStopIsIdempotentAndSafeOnNil(t *testing.T) {
	var h *heartbeat
	h.Stop() // must not panic

	ctx := context.Background()
	h2 := startHeartbeat(ctx, &fakeMessage{}, nil)
	h2.Stop()
	h2.Stop() // calling twice must not deadlock or panic
}

func TestHeartbeatExitsOnContextCancellation(t *testing.T) {
	// touchInterval is a package constant (30s) so we can't wait it out in a
	// unit test; instead verify the ticking goroutine actually exits on
	// context cancellation and that a normal Touch() is never reported as
	// an error through onTouchErr.
	msg := &fakeMessage{}
	ctx, cancel := context.WithCancel(context.Background())

	var errCount atomic.Int32
	h := startHeartbeat(ctx, msg, func(error) { errCount.Add(1) })
	cancel()

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat goroutine did not exit after context cancellation")
	}

	if errCount.Load() != 0 {
		t.Errorf("onTouchErr called %d times, want 0", errCount.Load())
	}
}

// fakeMessage is a minimal Message for tests across the consumer package.
type fakeMessage struct {
	id          string
	body        []byte
	attempts    uint16
	responded   atomic.Bool
	touchErr    error
	finishErr   error
	requeueErr  error
	touchCount  atomic.Int32
	finishCount atomic.Int32
	requeueWith time.Duration
}

func (m *fakeMessage) ID() string          { return m.id }
func (m *fakeMessage) Body() []byte        { return m.body }
func (m *fakeMessage) Attempts() uint16    { return m.attempts }
func (m *fakeMessage) HasResponded() bool  { return m.responded.Load() }
func (m *fakeMessage) Touch() error        { m.touchCount.Add(1); return m.touchErr }
func (m *fakeMessage) Finish() error {
	m.finishCount.Add(1)
	m.responded.Store(true)
	return m.finishErr
}
func (m *fakeMessage) Requeue(delay time.Duration) error {
	m.requeueWith = delay
	m.responded.Store(true)
	return m.requeueErr
}
