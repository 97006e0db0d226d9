package consumer

import "time"

// Message is the minimal broker-delivered message contract the worker pool
// depends on. It mirrors nsq.Message's control surface (opaque bytes body,
// attempt counter, unique id, has-responded flag, touch/finish/requeue)
// without binding the rest of the framework to go-nsq's concrete type, so
// routes, locks, and tests can all work against a fake.
type Message interface {
	ID() string
	Body() []byte
	Attempts() uint16
	HasResponded() bool
	Touch() error
	Finish() error
	Requeue(delay time.Duration) error
}
