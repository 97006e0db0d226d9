package writer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProducer struct {
	publishCalls         atomic.Int32
	multiPublishCalls    atomic.Int32
	deferredPublishCalls atomic.Int32
	lastDelay            time.Duration
	failFirstN           int32
	stopped              atomic.Bool
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	n := f.publishCalls.Add(1)
	if n <= f.failFirstN {
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeProducer) MultiPublish(topic string, bodies [][]byte) error {
	n := f.multiPublishCalls.Add(1)
	if n <= f.failFirstN {
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeProducer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	n := f.deferredPublishCalls.Add(1)
	f.lastDelay = delay
	if n <= f.failFirstN {
		return errors.New("connection reset")
	}
	return nil
}

func (f *fakeProducer) Stop() { f.stopped.Store(true) }

func TestSendSucceedsFirstTry(t *testing.T) {
	p := &fakeProducer{}
	w := New(p)

	if err := w.Send(context.Background(), "orders", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if p.publishCalls.Load() != 1 {
		t.Errorf("publishCalls = %d, want 1", p.publishCalls.Load())
	}
}

func TestSendRetriesOnceAfterFailure(t *testing.T) {
	p := &fakeProducer{failFirstN: 1}
	w := New(p)

	if err := w.Send(context.Background(), "orders", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if p.publishCalls.Load() != 2 {
		t.Errorf("publishCalls = %d, want 2 (initial + one retry)", p.publishCalls.Load())
	}
}

func TestSendGivesUpAfterOneRetry(t *testing.T) {
	p := &fakeProducer{failFirstN: 2}
	w := New(p)

	err := w.Send(context.Background(), "orders", map[string]string{"id": "1"})
	if err == nil {
		t.Fatal("expected error after retry also fails")
	}
	if p.publishCalls.Load() != 2 {
		t.Errorf("publishCalls = %d, want 2", p.publishCalls.Load())
	}
}

func TestSendRejectsOversizedBody(t *testing.T) {
	p := &fakeProducer{}
	w := New(p)

	huge := strings.Repeat("x", MaxBodyBytes+1)
	if err := w.Send(context.Background(), "orders", huge); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("Send with oversized body = %v, want ErrBodyTooLarge", err)
	}
}

func TestSendWithDelayUsesDeferredPublish(t *testing.T) {
	p := &fakeProducer{}
	w := New(p)

	if err := w.Send(context.Background(), "orders.recovery", map[string]string{"id": "1"}, 2*time.Second); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if p.publishCalls.Load() != 0 {
		t.Errorf("publishCalls = %d, want 0 (should use deferred publish)", p.publishCalls.Load())
	}
	if p.deferredPublishCalls.Load() != 1 {
		t.Errorf("deferredPublishCalls = %d, want 1", p.deferredPublishCalls.Load())
	}
	if p.lastDelay != 2*time.Second {
		t.Errorf("lastDelay = %v, want 2s", p.lastDelay)
	}
}

func TestSendManyPublishesBatch(t *testing.T) {
	p := &fakeProducer{}
	w := New(p)

	err := w.SendMany(context.Background(), "orders", []any{
		map[string]string{"id": "1"},
		map[string]string{"id": "2"},
	})
	if err != nil {
		t.Fatalf("SendMany: %v", err)
	}
	if p.multiPublishCalls.Load() != 1 {
		t.Errorf("multiPublishCalls = %d, want 1", p.multiPublishCalls.Load())
	}
}

func TestDisabledWriterIsNoop(t *testing.T) {
	w := Disabled(nil)
	if err := w.Send(context.Background(), "orders", map[string]string{"id": "1"}); err != nil {
		t.Errorf("Send on disabled writer = %v, want nil", err)
	}
	if err := w.SendMany(context.Background(), "orders", []any{1, 2}); err != nil {
		t.Errorf("SendMany on disabled writer = %v, want nil", err)
	}
}

func TestStopDelegatesToProducer(t *testing.T) {
	p := &fakeProducer{}
	w := New(p)
	w.Stop()
	if !p.stopped.Load() {
		t.Error("Stop did not call producer.Stop")
	}
}
