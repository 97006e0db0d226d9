package consumer

import (
	"time"

	"github.com/nsqio/go-nsq"
)

// nsqMessage adapts *nsq.Message to the Message interface.
type nsqMessage struct {
	m *nsq.Message
}

func (w nsqMessage) ID() string         { return string(w.m.ID[:]) }
func (w nsqMessage) Body() []byte       { return w.m.Body }
func (w nsqMessage) Attempts() uint16   { return w.m.Attempts }
func (w nsqMessage) HasResponded() bool { return w.m.HasResponded() }
func (w nsqMessage) Touch() error       { w.m.Touch(); return nil }
func (w nsqMessage) Finish() error      { w.m.Finish(); return nil }
func (w nsqMessage) Requeue(delay time.Duration) error {
	w.m.RequeueWithoutBackoff(delay)
	return nil
}

// nsqSubscription adapts *nsq.Consumer to Subscription.
type nsqSubscription struct {
	consumer *nsq.Consumer
}

// NewNSQSubscription connects an *nsq.Consumer already configured with
// topic/channel (but not yet subscribed to a handler) into the pool's
// Subscription contract.
func NewNSQSubscription(c *nsq.Consumer) Subscription {
	return &nsqSubscription{consumer: c}
}

func (s *nsqSubscription) SetHandler(handle func(Message)) {
	s.consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse()
		handle(nsqMessage{m: m})
		return nil
	}))
}

func (s *nsqSubscription) Stop() {
	s.consumer.Stop()
	<-s.consumer.StopChan
}
