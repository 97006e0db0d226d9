package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmesh/nsqpipe/health"
)

// Subscription is the narrow surface of a broker client the pool depends
// on; an adapter binds this to a concrete client library (see
// app/consumer's go-nsq wiring).
type Subscription interface {
	// SetHandler installs the callback invoked for each delivered message.
	// Implementations must call it from a single goroutine — the "loop" —
	// never concurrently, so the pool's own concurrency bound is the only
	// place message handling fans out.
	SetHandler(func(Message))
	// Stop unsubscribes and releases broker-side resources.
	Stop()
}

// Pool is the worker pool: it owns a fixed-size goroutine pool, a
// heartbeat per in-flight message, and an optional per-message deadline.
// Broker I/O (touch, finish) always runs from the worker that currently
// owns the message — there's no separate writer-loop goroutine to post to,
// since go-nsq's Message methods are already goroutine-safe from any
// caller.
type Pool struct {
	cfg     Config
	handle  Handler
	logger  *slog.Logger
	onError ExceptionHandler
	health  *health.Monitor

	sub      Subscription
	workChan chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds and starts a worker pool of cfg.Concurrency goroutines
// subscribed through sub, dispatching each message to handle.
func New(sub Subscription, cfg Config, handle Handler, opts ...Option) (*Pool, error) {
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("consumer: concurrency must be >= 1, got %d", cfg.Concurrency)
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = cfg.Concurrency
	}
	if cfg.MaxInFlight > cfg.Concurrency {
		cfg.MaxInFlight = cfg.Concurrency
	}

	o := &options{logger: slog.Default()}
	for _, fn := range opts {
		fn(o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		handle:   handle,
		logger:   o.logger,
		onError:  o.onError,
		health:   o.health,
		sub:      sub,
		workChan: make(chan Message, cfg.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
	}

	p.startWorkers()
	sub.SetHandler(p.enqueue)

	p.logger.Info("consumer pool started",
		slog.String("service", cfg.ServiceName),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Int("max_in_flight", cfg.MaxInFlight))

	return p, nil
}

// enqueue is called from the subscription's single loop goroutine for every
// delivered message. It hands the message to a work queue buffered to
// Concurrency and blocks only while that queue is full, which is the
// framework's only backpressure mechanism beyond the broker's own
// max_in_flight credits.
func (p *Pool) enqueue(msg Message) {
	select {
	case p.workChan <- msg:
	case <-p.ctx.Done():
	}
}

func (p *Pool) startWorkers() {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case msg, ok := <-p.workChan:
					if !ok {
						return
					}
					p.processMessage(msg)
				case <-p.ctx.Done():
					return
				}
			}
		}()
	}
}

// processMessage runs the full per-message lifecycle: heartbeat while
// handling, an optional deadline, the handler itself (never allowed to
// panic past this frame), and exactly one terminal finish call — unless
// the handler already responded itself (for example with a requeue).
func (p *Pool) processMessage(msg Message) {
	hb := startHeartbeat(p.ctx, msg, func(err error) {
		p.logger.Warn("touch failed", slog.String("message_id", msg.ID()), slog.Any("err", err))
	})

	var dl *deadline
	if p.cfg.Timeout > 0 {
		dl = armDeadline(p.cfg.Timeout, func() {
			hb.Stop()
			p.logger.Error("handler timeout",
				slog.String("message_id", msg.ID()),
				slog.Duration("timeout", p.cfg.Timeout))
			if p.health != nil {
				p.health.RecordTimeout()
			}
			if p.onError != nil {
				p.onError(msg, &TimeoutError{
					Handler:   p.cfg.ServiceName,
					MessageID: msg.ID(),
					Timeout:   p.cfg.Timeout.String(),
				})
			}
		})
	}

	p.invokeHandler(msg)

	hb.Stop()
	dl.Cancel()

	if p.health != nil {
		p.health.RecordActivity()
	}

	if !msg.HasResponded() {
		if err := msg.Finish(); err != nil {
			p.logger.Error("finish failed", slog.String("message_id", msg.ID()), slog.Any("err", err))
		}
	}
}

// invokeHandler tolerates a handler that panics — it's converted into the
// same exception-handler path a timeout takes, never left to crash the
// worker goroutine.
func (p *Pool) invokeHandler(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", slog.String("message_id", msg.ID()), slog.Any("recover", r))
			if p.onError != nil {
				p.onError(msg, fmt.Errorf("handler panic: %v", r))
			}
		}
	}()
	p.handle(msg)
}

// Stop cancels the event loop and waits for every worker to drain its
// current message, up to the given grace period.
func (p *Pool) Stop(grace time.Duration) {
	p.sub.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("consumer pool stop timed out, forcing shutdown")
	}
}
