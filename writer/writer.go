// Package writer publishes messages back onto NSQ — used both for
// application-level fan-out and for the recovery-message republish a
// failed handler triggers.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"
)

// MaxBodyBytes bounds a single published message's encoded size. NSQ
// itself enforces a server-side limit; this catches oversized payloads
// before they leave the process.
const MaxBodyBytes = 1024 * 1024

// ErrBodyTooLarge is returned by Send/SendMany for any payload exceeding
// MaxBodyBytes once encoded.
var ErrBodyTooLarge = errors.New("writer: message body exceeds maximum size")

// publishRetryDelay is how long Send waits before retrying once after a
// publish fails, mirroring finish_pub's single retry-after-1s.
const publishRetryDelay = time.Second

// Producer is the narrow surface of *nsq.Producer the Writer depends on.
type Producer interface {
	Publish(topic string, body []byte) error
	MultiPublish(topic string, bodies [][]byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
	Stop()
}

// Writer publishes JSON-encodable values to NSQ topics, retrying a failed
// publish exactly once after a short delay before giving up.
type Writer struct {
	producer Producer
	logger   *slog.Logger
	disabled bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// New wraps an *nsq.Producer (or any compatible Producer, for tests).
func New(p Producer, opts ...Option) *Writer {
	w := &Writer{producer: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Disabled returns a Writer whose Send/SendMany are no-ops that log and
// return nil — used when a deployment runs consumer-only and never
// publishes, so callers don't need a nil check at every call site.
func Disabled(logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{logger: logger, disabled: true}
}

func encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return json.Marshal(v)
}

// Send publishes a single message to topic, retrying once after
// publishRetryDelay if the first attempt fails. An optional delay makes
// the publish go through the broker's delayed-publish verb instead of an
// immediate one (spec.md §4.3's "send(topic, payload, delay?)") — passing
// more than one delay is a programming error and only the first is used.
func (w *Writer) Send(ctx context.Context, topic string, v any, delay ...time.Duration) error {
	if w.disabled {
		w.logger.Debug("writer disabled, dropping message", slog.String("topic", topic))
		return nil
	}

	body, err := encode(v)
	if err != nil {
		return fmt.Errorf("writer: encode message for %q: %w", topic, err)
	}
	if len(body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}

	d := effectiveDelay(delay)
	publish := func() error {
		if d > 0 {
			return w.producer.DeferredPublish(topic, d, body)
		}
		return w.producer.Publish(topic, body)
	}

	if err := publish(); err != nil {
		w.logger.Warn("publish failed, retrying once", slog.String("topic", topic), slog.Any("err", err))
		select {
		case <-time.After(publishRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := publish(); err != nil {
			return fmt.Errorf("writer: publish to %q: %w", topic, err)
		}
	}
	return nil
}

func effectiveDelay(delay []time.Duration) time.Duration {
	if len(delay) == 0 {
		return 0
	}
	return delay[0]
}

// SendMany publishes a batch of messages to topic in a single round trip,
// falling back to the same retry-once policy as Send.
func (w *Writer) SendMany(ctx context.Context, topic string, vs []any) error {
	if w.disabled {
		w.logger.Debug("writer disabled, dropping batch", slog.String("topic", topic), slog.Int("count", len(vs)))
		return nil
	}

	bodies := make([][]byte, len(vs))
	for i, v := range vs {
		body, err := encode(v)
		if err != nil {
			return fmt.Errorf("writer: encode message %d for %q: %w", i, topic, err)
		}
		if len(body) > MaxBodyBytes {
			return fmt.Errorf("writer: message %d for %q: %w", i, topic, ErrBodyTooLarge)
		}
		bodies[i] = body
	}

	if err := w.producer.MultiPublish(topic, bodies); err != nil {
		w.logger.Warn("multi-publish failed, retrying once", slog.String("topic", topic), slog.Any("err", err))
		select {
		case <-time.After(publishRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := w.producer.MultiPublish(topic, bodies); err != nil {
			return fmt.Errorf("writer: multi-publish to %q: %w", topic, err)
		}
	}
	return nil
}

// Stop releases the underlying producer's connection.
func (w *Writer) Stop() {
	if w.producer != nil {
		w.producer.Stop()
	}
}

var _ Producer = (*nsq.Producer)(nil)
