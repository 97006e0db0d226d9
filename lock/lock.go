// Package lock implements the Redis-backed distributed lock handler
// bindings use to serialize work on a shared resource across consumer
// processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long an acquired lock is held before Redis expires
	// it on its own, the backstop against a crashed holder.
	DefaultTTL = 10 * time.Second
	// DefaultTimeout bounds how long Acquire will keep retrying before
	// giving up.
	DefaultTimeout = 10 * time.Second
	// DefaultRetries bounds the number of acquisition attempts when
	// Timeout isn't hit first.
	DefaultRetries = 3
	// lockedRetryDelay is how long Acquire waits between attempts when the
	// resource is currently held by someone else.
	lockedRetryDelay = 20 * time.Millisecond
	// errRetryDelay is how long Acquire waits between attempts after a
	// transient Redis error.
	errRetryDelay = 50 * time.Millisecond
)

// ErrNotHeld is returned by Release when the calling session no longer
// owns the lock (it expired, or something else is wrong).
var ErrNotHeld = errors.New("lock: not held by this session")

// ErrAcquireTimeout is returned by Acquire when the resource is contended —
// held by someone else — and stays that way through the configured
// blocking_timeout/retry budget. Contention is not a service failure (spec.md
// §7): callers distinguish it from ServiceError to tell "someone else has
// it" from "the lock backend itself is misbehaving".
var ErrAcquireTimeout = errors.New("lock: could not acquire before timeout")

// ServiceError reports that Acquire gave up after retries exhausted against
// transient Redis errors (spec.md §4.1's LockServiceError) — distinct from
// ErrAcquireTimeout, which means the resource was simply held by someone
// else the whole time.
type ServiceError struct {
	Resource string
	Err      error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("lock: service error acquiring %q after retries: %v", e.Resource, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// releaseScript only deletes the key if it's still held by the session
// that set it — compare-and-delete, so releasing a lock you no longer own
// (because it expired and was re-acquired by someone else) is a no-op
// instead of stealing it back.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Client acquires and releases named locks backed by a Redis key per
// resource.
type Client struct {
	rdb         *redis.Client
	serviceName string
	ttl         time.Duration
	timeout     time.Duration
	retries     int
}

// Option configures a Client.
type Option func(*Client)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Client) { c.ttl = d }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetries overrides DefaultRetries.
func WithRetries(n int) Option {
	return func(c *Client) { c.retries = n }
}

// New builds a lock Client scoped to serviceName, used as a key
// namespace so two services never collide over identically named
// resources.
func New(rdb *redis.Client, serviceName string, opts ...Option) *Client {
	c := &Client{
		rdb:         rdb,
		serviceName: serviceName,
		ttl:         DefaultTTL,
		timeout:     DefaultTimeout,
		retries:     DefaultRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lock is a held lock session; Release gives it up.
type Lock struct {
	client   *Client
	key      string
	token    string
	acquired time.Time
}

// key sanitizes a resource name into a namespaced Redis key. Whitespace is
// stripped from the resource, matching the original locker's key format,
// since a resource name padded with whitespace and one without must
// collide on the same lock.
func (c *Client) key(resource string) string {
	clean := strings.Join(strings.Fields(resource), "")
	return fmt.Sprintf("%s:lock:%s", c.serviceName, clean)
}

// Acquire blocks until the lock on resource is obtained, the configured
// timeout elapses, or ctx is cancelled — whichever comes first. It retries
// on both "already locked" (lockedRetryDelay) and transient Redis errors
// (errRetryDelay), up to c.retries attempts, within c.timeout overall.
func (c *Client) Acquire(ctx context.Context, resource string) (*Lock, error) {
	key := c.key(resource)
	token := uuid.NewString()

	deadline := time.Now().Add(c.timeout)
	attempts := 0

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		ok, err := c.rdb.SetNX(ctx, key, token, c.ttl).Result()
		if err != nil {
			attempts++
			if attempts >= c.retries || time.Now().After(deadline) {
				return nil, &ServiceError{Resource: resource, Err: err}
			}
			if !sleepOrDone(ctx, errRetryDelay) {
				return nil, ctx.Err()
			}
			continue
		}
		if ok {
			return &Lock{client: c, key: key, token: token, acquired: time.Now()}, nil
		}

		attempts++
		if attempts >= c.retries || time.Now().After(deadline) {
			return nil, ErrAcquireTimeout
		}
		if !sleepOrDone(ctx, lockedRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release gives up the lock if this session still holds it. It's safe to
// call with a context independent of the one Acquire used, so a handler
// can still release its lock during shutdown after its own context was
// cancelled.
func (l *Lock) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", l.key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Expiry reports when the underlying Redis key is due to expire, useful
// for bounding how long a handler can safely run while holding the lock.
func (l *Lock) Expiry() time.Time {
	return l.acquired.Add(l.client.ttl)
}
