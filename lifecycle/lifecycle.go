// Package lifecycle binds together persistence gating, locking, retry, and
// failure persistence around a single business handler, exposed through
// Lifecycle.Handle, which takes a consumer.Message. A matched route's
// router.HandlerFunc calls Handle; it is the glue each route is ultimately
// wired through.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowmesh/nsqpipe/consumer"
	"github.com/flowmesh/nsqpipe/lock"
	"github.com/flowmesh/nsqpipe/metrics"
	"github.com/flowmesh/nsqpipe/store"
	"github.com/flowmesh/nsqpipe/writer"
)

// BusinessHandler processes a decoded message body. An error return marks
// the message failed, triggering the retry/persist branch.
type BusinessHandler func(ctx context.Context, body []byte) error

// LockKeyFunc derives the resource to lock for a message body. ok is false
// when the body carries no resource id at all (e.g. the configured path is
// absent) — distinct from the resource existing but currently held by
// someone else, which Acquire itself reports.
type LockKeyFunc func(body []byte) (resource string, ok bool)

// ExceptionHandler is invoked for a handler failure that never gets retried
// or persisted silently: a mandatory lock that couldn't be acquired, or a
// handler failure once it's been recorded via the failed-message store.
type ExceptionHandler func(msg consumer.Message, err error)

// LockOptions wires the lock a route requires around its handler.
// Mandatory controls what happens when the resource id is missing or the
// lock can't be acquired: mandatory fails the invocation outright, optional
// downgrades to running the handler unlocked.
type LockOptions struct {
	Client    *lock.Client
	KeyFunc   LockKeyFunc
	Mandatory bool
}

// ErrMissingResourceID is the error produced when a mandatory lock's KeyFunc
// reports no resource id for the message.
var ErrMissingResourceID = errors.New("lifecycle: mandatory lock's key function found no resource id for this message")

// ErrLockNotAcquired is the error produced when a mandatory lock is
// contended and stays that way through its blocking-timeout budget.
var ErrLockNotAcquired = errors.New("lifecycle: mandatory lock was not acquired before its blocking timeout")

// Config tunes a Lifecycle's gating, retry, and persistence behavior.
type Config struct {
	Topic   string
	Channel string
	// RouteName identifies this route for persistence gating (store's
	// recipients[channel] membership check) and for the recipients entry
	// written into a republished recovery message.
	RouteName string
	// Idempotent marks this route safe to re-invoke with the same logical
	// input, making it eligible for recovery-message republish instead of
	// failing straight to the store on its first error.
	Idempotent bool
	// MaxAttempts bounds how many times an idempotent route's recovery
	// message gets republished (retry_count) before it's persisted instead.
	MaxAttempts int
	// RetryBackoff is the linear-backoff unit: a recovery message
	// republished with retry_count N is delayed N*RetryBackoff.
	RetryBackoff time.Duration
}

// Lifecycle runs BusinessHandler for every selected message under an
// optional gate and lock, classifies the outcome, and on failure either
// republishes a recovery message or persists the message to the
// failed-message store once MaxAttempts is exhausted.
type Lifecycle struct {
	cfg    Config
	handle BusinessHandler

	lockOpts *LockOptions

	store            *store.Store
	writer           *writer.Writer
	metrics          *metrics.Metrics
	logger           *slog.Logger
	exceptionHandler ExceptionHandler
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithLock wires a LockOptions. Without this option, messages run unlocked.
func WithLock(opts LockOptions) Option {
	return func(l *Lifecycle) { l.lockOpts = &opts }
}

// WithStore wires the failed-message store. Without it, exhausted
// messages are simply logged and dropped.
func WithStore(s *store.Store) Option {
	return func(l *Lifecycle) { l.store = s }
}

// WithWriter wires the writer used to republish recovery messages.
// Without it, a failed idempotent message goes straight to the store.
func WithWriter(w *writer.Writer) Option {
	return func(l *Lifecycle) { l.writer = w }
}

// WithMetrics wires a metrics.Metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Lifecycle) { l.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithExceptionHandler wires a callback invoked whenever a message's
// failure becomes user-visible: a mandatory lock failure, or a handler
// failure once persisted (non-idempotent, an idempotent route that
// exhausted its retries, or a recovery republish that could not be made).
func WithExceptionHandler(h ExceptionHandler) Option {
	return func(l *Lifecycle) { l.exceptionHandler = h }
}

// New builds a Lifecycle. MaxAttempts is raised to 1 if unset, which still
// allows an idempotent route one recovery republish.
func New(cfg Config, handle BusinessHandler, opts ...Option) *Lifecycle {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	l := &Lifecycle{cfg: cfg, handle: handle, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handle adapts the Lifecycle to consumer.Handler. It never returns an
// error directly: a message skipped by persistence gating returns without
// running the handler, a mandatory-lock-failed message is requeued so the
// broker redelivers it, and every other outcome is reported through
// metrics, logging, and the optional ExceptionHandler instead.
func (l *Lifecycle) Handle(msg consumer.Message) {
	ctx := context.Background()
	body := msg.Body()
	doc, isJSON := decodeDoc(body)

	if isJSON && store.IsPersistedMessage(doc) && !store.IsRouteForChannel(doc, l.cfg.Channel, l.cfg.RouteName) {
		l.logger.Debug("lifecycle: route not named in persisted redelivery recipients, skipping",
			slog.String("message_id", msg.ID()), slog.String("route", l.cfg.RouteName))
		return
	}

	held, lockErr := l.acquireLock(ctx, body)
	if lockErr != nil {
		l.logger.Warn("lifecycle: mandatory lock failed, requeueing",
			slog.String("message_id", msg.ID()), slog.Any("err", lockErr))
		if l.metrics != nil {
			l.metrics.IncLockContention(l.cfg.Topic)
		}
		if l.exceptionHandler != nil {
			l.exceptionHandler(msg, lockErr)
		}
		_ = msg.Requeue(l.cfg.RetryBackoff)
		return
	}
	if held != nil {
		defer func() {
			if relErr := held.Release(ctx); relErr != nil {
				l.logger.Warn("lifecycle: lock release failed", slog.Any("err", relErr))
			}
		}()
	}

	start := time.Now()
	err := l.handle(ctx, body)
	duration := time.Since(start)

	if l.metrics != nil {
		l.metrics.ObserveHandlerDuration(l.cfg.Topic, duration)
	}

	if err == nil {
		if l.metrics != nil {
			l.metrics.IncHandled(l.cfg.Topic, "success")
		}
		return
	}

	l.logger.Error("lifecycle: handler failed",
		slog.String("message_id", msg.ID()), slog.Any("err", err))
	if l.metrics != nil {
		l.metrics.IncHandled(l.cfg.Topic, "failure")
	}

	retryCount := 0
	if isJSON {
		retryCount = extractRetryCount(doc)
	}

	if l.cfg.Idempotent && isJSON && retryCount < l.cfg.MaxAttempts {
		l.retry(ctx, msg, doc, retryCount, err)
		return
	}

	l.persist(ctx, msg.ID(), retryCount, body, err)
	if l.exceptionHandler != nil {
		l.exceptionHandler(msg, err)
	}
}

// acquireLock implements spec's lock-path branching: a nil, nil return
// means "run unlocked", whether because no lock is configured at all or
// because an optional lock's resource id/acquisition failed and downgrades
// instead of failing. A non-nil error means a mandatory lock's gate
// failed and the invocation must not proceed.
func (l *Lifecycle) acquireLock(ctx context.Context, body []byte) (*lock.Lock, error) {
	if l.lockOpts == nil {
		return nil, nil
	}

	resource, ok := l.lockOpts.KeyFunc(body)
	if !ok {
		if l.lockOpts.Mandatory {
			return nil, ErrMissingResourceID
		}
		return nil, nil
	}

	held, err := l.lockOpts.Client.Acquire(ctx, resource)
	if err == nil {
		return held, nil
	}
	if !l.lockOpts.Mandatory {
		return nil, nil
	}
	if errors.Is(err, lock.ErrAcquireTimeout) {
		return nil, ErrLockNotAcquired
	}
	return nil, fmt.Errorf("lifecycle: mandatory lock acquisition for %q: %w", resource, err)
}

// decodeDoc parses body as a JSON object, reporting ok=false for anything
// else — gating, retry-count extraction, and recovery-message construction
// all only apply to JSON payloads.
func decodeDoc(body []byte) (doc map[string]any, ok bool) {
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// extractRetryCount reads doc's retry_count field, defaulting to 0 for a
// fresh message that has never been republished.
func extractRetryCount(doc map[string]any) int {
	v, ok := doc["retry_count"]
	if !ok {
		return 0
	}
	n, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(n)
}

func cloneDoc(doc map[string]any) map[string]any {
	clone := make(map[string]any, len(doc)+2)
	for k, v := range doc {
		clone[k] = v
	}
	return clone
}

// retry clones doc, stamps it as a recovery message targeting only this
// route on this channel, and republishes it to the original topic with
// linear backoff — the broker will redeliver it like any other message, so
// no separate recovery topic or subscription is needed.
func (l *Lifecycle) retry(ctx context.Context, msg consumer.Message, doc map[string]any, retryCount int, cause error) {
	if l.writer == nil {
		l.persist(ctx, msg.ID(), retryCount, mustMarshal(doc), cause)
		if l.exceptionHandler != nil {
			l.exceptionHandler(msg, cause)
		}
		return
	}

	newCount := retryCount + 1
	recovery := cloneDoc(doc)
	recovery["recipients"] = map[string][]string{l.cfg.Channel: {l.cfg.RouteName}}
	recovery["retry_count"] = newCount

	delay := time.Duration(newCount) * l.cfg.RetryBackoff

	if err := l.writer.Send(ctx, l.cfg.Topic, recovery, delay); err != nil {
		l.logger.Error("lifecycle: recovery republish failed",
			slog.String("message_id", msg.ID()), slog.Any("err", err))
		failure := fmt.Errorf("recovery republish failed after %w: %v", cause, err)
		l.persist(ctx, msg.ID(), retryCount, mustMarshal(recovery), failure)
		if l.exceptionHandler != nil {
			l.exceptionHandler(msg, failure)
		}
		return
	}
	if l.metrics != nil {
		l.metrics.IncRecoveryPublished(l.cfg.Topic)
	}
}

func mustMarshal(doc map[string]any) []byte {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return body
}

func (l *Lifecycle) persist(ctx context.Context, id string, attempt int, body []byte, cause error) {
	if l.store == nil || !l.store.Enabled() {
		l.logger.Error("lifecycle: message exhausted retries, no store configured, dropping",
			slog.String("message_id", id), slog.Int("attempt", attempt))
		return
	}
	if err := l.store.Persist(ctx, l.cfg.Topic, l.cfg.Channel, id, uint16(attempt), body, cause); err != nil {
		l.logger.Error("lifecycle: failed to persist exhausted message", slog.String("message_id", id), slog.Any("err", err))
	}
	if l.metrics != nil {
		l.metrics.IncPersisted(l.cfg.Topic)
	}
}
