// Package router dispatches a raw message body to every registered
// route whose predicate matches it, in registration order. It has no
// broker dependency: it works against raw bytes, so it can sit in front
// of any Subscription-delivered message.
package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// ErrRoutingClosed is returned by Register once the router has started
// dispatching. Routes are registered once at startup and never mutated
// again — adding one mid-stream would mean two goroutines could observe a
// different route set for the same message.
var ErrRoutingClosed = errors.New("router: cannot register routes after dispatch has started")

// Matcher decides whether a raw message body should be handled by a route.
// It's a pure function of the bytes: a JSON-based matcher decodes the body
// itself and returns false on a decode failure, rather than the router
// deciding up front that a non-JSON body matches nothing — a raw-body
// matcher like Always or BodyMatches never needs JSON at all. It never
// mutates the message.
type Matcher func(body []byte) bool

// Message is the narrow surface Dispatch needs: the raw bytes to decode
// and route. Any richer message type (consumer.Message included) already
// satisfies this by having a Body method, so the router never needs to
// import the consumer package to work against real broker messages.
type Message interface {
	Body() []byte
}

// HandlerFunc processes a message once its route matched. Handlers that
// need more than the raw body (broker identity, attempt count, the
// ability to requeue) type-assert msg to their richer type.
type HandlerFunc func(msg Message) error

type route struct {
	name    string
	matcher Matcher
	handle  HandlerFunc
}

// Router holds an ordered, append-only list of routes (R1). A message can
// match more than one route; every match is invoked, in registration
// order, same as the original sequential handler loop.
type Router struct {
	mu        sync.RWMutex
	routes    []route
	dispatched bool
}

// New returns an empty Router.
func New() *Router {
	return &Router{}
}

// Register adds a named route. It panics on a duplicate name — that's a
// programming error caught at startup, not a runtime condition to handle.
// It returns ErrRoutingClosed if called after the first Dispatch.
func (r *Router) Register(name string, matcher Matcher, handle HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dispatched {
		return ErrRoutingClosed
	}
	for _, existing := range r.routes {
		if existing.name == name {
			panic(fmt.Sprintf("router: route %q already registered", name))
		}
	}
	r.routes = append(r.routes, route{name: name, matcher: matcher, handle: handle})
	return nil
}

// Dispatch invokes every route whose matcher returns true against msg's raw
// body, in registration order. Each matcher independently decides whether
// it matches a non-JSON body — Dispatch never decodes or rejects the body
// itself, so a raw-body matcher like Always still fires regardless of
// whether the body happens to be valid JSON.
func (r *Router) Dispatch(msg Message) error {
	r.mu.Lock()
	r.dispatched = true
	routes := r.routes
	r.mu.Unlock()

	body := msg.Body()
	matched := lo.Filter(routes, func(rt route, _ int) bool {
		return rt.matcher(body)
	})

	var firstErr error
	for _, rt := range matched {
		if err := rt.handle(msg); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("router: route %q: %w", rt.name, err)
		}
	}
	return firstErr
}

// Routes returns the registered route names, in registration order. Useful
// for diagnostics and tests.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.routes))
	for i, rt := range r.routes {
		names[i] = rt.name
	}
	return names
}
