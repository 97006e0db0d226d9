package consumer

import (
	"log/slog"
	"time"

	"github.com/flowmesh/nsqpipe/health"
)

// Config is a worker pool's tunables: concurrency, max_in_flight, timeout,
// service_name. max_in_flight is clamped to concurrency by New — a pool
// can never have more messages in flight than it has workers to run them.
type Config struct {
	Concurrency int
	MaxInFlight int
	Timeout     time.Duration
	ServiceName string
}

// Handler is invoked once per delivered message, already wrapped in the
// heartbeat/deadline machinery. The router and lifecycle packages bind
// their per-route dispatch here.
type Handler func(msg Message)

// ExceptionHandler receives a *TimeoutError when a deadline fires, and any
// panic recovered from a Handler invocation. One slot covers both, the way
// the original threaded worker and its NSQ handler shared one.
type ExceptionHandler func(msg Message, err error)

type options struct {
	logger  *slog.Logger
	onError ExceptionHandler
	health  *health.Monitor
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithExceptionHandler(h ExceptionHandler) Option {
	return func(o *options) { o.onError = h }
}

// WithHealthMonitor wires a health.Monitor so every handled message records
// activity on it.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(o *options) { o.health = m }
}
