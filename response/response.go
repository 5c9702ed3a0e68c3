// Package response carries terminal invocation outcomes from guests to the
// surrounding server.
package response

import (
	"context"
	"errors"
	"sync"
)

// ErrRouteInUse is returned by Router.Expect when the route already has a
// waiter.
var ErrRouteInUse = errors.New("response: route already has a waiter")

// DefaultCapacity is the channel bound used by the launcher.
const DefaultCapacity = 32

// Kind is the terminal outcome reported by a guest or observed by the host.
type Kind int

const (
	Success Kind = iota
	Failure
	Exited
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Exited:
		return "exited"
	}
	return "unknown"
}

// Status is one published outcome.
type Status struct {
	RequestID string
	Body      []byte
	Kind      Kind
	Code      int

	// route is set by a Router's Sender and is independent of RequestID,
	// which callers may reuse.
	route string
}

// NewSuccess builds a Success status.
func NewSuccess(body []byte, requestID string) Status {
	return Status{Kind: Success, Body: body, RequestID: requestID}
}

// NewFailure builds a Failure status.
func NewFailure(body []byte, requestID string) Status {
	return Status{Kind: Failure, Body: body, RequestID: requestID}
}

// NewExited builds an Exited status carrying the guest exit code.
func NewExited(code int, requestID string) Status {
	return Status{Kind: Exited, Code: code, RequestID: requestID}
}

// Sender publishes statuses.
type Sender interface {
	Send(ctx context.Context, s Status) error
}

// Channel is a bounded, blocking-send queue of statuses.
type Channel struct {
	ch chan Status
}

// New creates a Channel holding at most capacity unreceived statuses.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{ch: make(chan Status, capacity)}
}

// Send blocks while the channel is full, until ctx is done.
func (c *Channel) Send(ctx context.Context, s Status) error {
	select {
	case c.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next status, blocking until one arrives or ctx is done.
func (c *Channel) Receive(ctx context.Context) (Status, error) {
	select {
	case s := <-c.ch:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// TryReceive returns the next status without blocking.
func (c *Channel) TryReceive() (Status, bool) {
	select {
	case s := <-c.ch:
		return s, true
	default:
		return Status{}, false
	}
}

// Len returns the number of queued statuses.
func (c *Channel) Len() int {
	return len(c.ch)
}

// First keeps the first status sent to it and drops the rest. Send never
// blocks.
type First struct {
	status Status
	mu     sync.Mutex
	set    bool
}

// Send records s unless a status was already recorded.
func (f *First) Send(_ context.Context, s Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		f.status, f.set = s, true
	}
	return nil
}

// Status returns the recorded status, if any.
func (f *First) Status() (Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.set
}

// Router fans statuses from one Channel out to per-route waiters. Routes
// are private keys minted by the server, one per invocation.
type Router struct {
	src     *Channel
	waiters map[string]chan Status
	mu      sync.Mutex
}

// NewRouter creates a Router reading from src. Call Run to start it.
func NewRouter(src *Channel) *Router {
	return &Router{src: src, waiters: make(map[string]chan Status)}
}

// Expect registers interest in route and returns a channel that receives
// the first status sent through Sender(route). Cancel releases the
// registration. A route that already has a waiter is refused.
func (r *Router) Expect(route string) (<-chan Status, func(), error) {
	ch := make(chan Status, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waiters[route]; ok {
		return nil, nil, ErrRouteInUse
	}
	r.waiters[route] = ch
	return ch, func() {
		r.mu.Lock()
		if r.waiters[route] == ch {
			delete(r.waiters, route)
		}
		r.mu.Unlock()
	}, nil
}

// Sender returns a Sender whose statuses are delivered to the waiter of
// route.
func (r *Router) Sender(route string) Sender {
	return routedSender{src: r.src, route: route}
}

type routedSender struct {
	src   *Channel
	route string
}

func (s routedSender) Send(ctx context.Context, st Status) error {
	st.route = s.route
	return s.src.Send(ctx, st)
}

// Run delivers statuses until ctx is done. Statuses nobody waits for are
// dropped.
func (r *Router) Run(ctx context.Context) error {
	for {
		s, err := r.src.Receive(ctx)
		if err != nil {
			return err
		}
		r.mu.Lock()
		ch, ok := r.waiters[s.route]
		if ok {
			delete(r.waiters, s.route)
		}
		r.mu.Unlock()
		if ok {
			s.route = ""
			ch <- s
		}
	}
}
