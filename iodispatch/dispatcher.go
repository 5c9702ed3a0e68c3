package iodispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/fnhost/metrics"
)

// IOID correlates one asynchronous IOmod request with its result. 0 is
// never issued.
type IOID uint64

var (
	ErrCoordsNotFound = errors.New("iodispatch: coordinates not found")
	ErrInvalidCoords  = errors.New("iodispatch: invalid coordinates")
	ErrInvalidIOID    = errors.New("iodispatch: invalid ioid")
	ErrNotReady       = errors.New("iodispatch: result not ready")
	ErrClosed         = errors.New("iodispatch: dispatcher closed")
)

// Coords address an IOmod as organization.namespace.name.
type Coords struct {
	Org       string
	Namespace string
	Name      string
}

func (c Coords) String() string {
	return c.Org + "." + c.Namespace + "." + c.Name
}

// ParseCoords parses "org.namespace.name".
func ParseCoords(s string) (Coords, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || anyEmpty(parts) {
		return Coords{}, ErrInvalidCoords
	}
	return Coords{Org: parts[0], Namespace: parts[1], Name: parts[2]}, nil
}

// ParsePath splits "org.namespace.name.method" into coordinates and method.
func ParsePath(path string) (Coords, string, error) {
	parts := strings.Split(path, ".")
	if len(parts) != 4 || anyEmpty(parts) {
		return Coords{}, "", ErrInvalidCoords
	}
	return Coords{Org: parts[0], Namespace: parts[1], Name: parts[2]}, parts[3], nil
}

func anyEmpty(parts []string) bool {
	for _, p := range parts {
		if p == "" {
			return true
		}
	}
	return false
}

// Request is one IOmod call handed to a Transport.
type Request struct {
	Coords  Coords
	Method  string
	Payload []byte
	IOID    IOID
}

// Responder deposits the result of a submitted request.
type Responder func(result []byte)

// Transport carries requests to IOmods. Submit must not block on the
// IOmod's work; the result arrives later through respond.
type Transport interface {
	Resolve(c Coords) bool
	Submit(ctx context.Context, req Request, respond Responder) error
}

// Dispatcher mints IOIDs, submits requests and holds results until they
// are polled. One Dispatcher is shared by every invocation in a process.
type Dispatcher struct {
	transport Transport
	results   *resultTable
	next      atomic.Uint64
}

// New creates a Dispatcher over t.
func New(t Transport) *Dispatcher {
	return &Dispatcher{
		transport: t,
		results:   newResultTable(),
	}
}

// Invoke submits payload to the IOmod method at path and returns its IOID
// without waiting for the result.
func (d *Dispatcher) Invoke(ctx context.Context, path string, payload []byte) (IOID, error) {
	coords, method, err := ParsePath(path)
	if err != nil {
		return 0, err
	}
	if !d.transport.Resolve(coords) {
		return 0, ErrCoordsNotFound
	}

	id := IOID(d.next.Add(1))
	if !d.results.open(id) {
		return 0, ErrClosed
	}

	req := Request{
		IOID:    id,
		Coords:  coords,
		Method:  method,
		Payload: payload,
	}
	respond := func(result []byte) {
		if err := d.Deliver(id, result); err != nil {
			Logger().Debug("result dropped", zap.Uint64("ioid", uint64(id)), zap.Error(err))
		}
	}
	if err := d.transport.Submit(ctx, req, respond); err != nil {
		d.results.drop(id)
		return 0, err
	}

	metrics.RecordIOID("minted")
	Logger().Debug("invoke",
		zap.Uint64("ioid", uint64(id)),
		zap.String("coords", coords.String()),
		zap.String("method", method))
	return id, nil
}

// Deliver stores the result for id. Each issued IOID accepts exactly one
// result.
func (d *Dispatcher) Deliver(id IOID, result []byte) error {
	if err := d.results.fill(id, result); err != nil {
		return err
	}
	metrics.RecordIOID("delivered")
	metrics.SetPending(d.results.Len())
	return nil
}

// Poll returns the result for id and consumes it. ErrNotReady means the
// request is still outstanding. ErrInvalidIOID means id was never issued
// or its result was already consumed.
func (d *Dispatcher) Poll(id IOID) ([]byte, error) {
	if id == 0 || uint64(id) > d.next.Load() {
		return nil, ErrInvalidIOID
	}
	result, err := d.results.take(id)
	if err != nil {
		return nil, err
	}
	metrics.RecordIOID("polled")
	metrics.SetPending(d.results.Len())
	return result, nil
}

// Forget drops outstanding or unpolled entries. Called when the owning
// invocation ends.
func (d *Dispatcher) Forget(ids ...IOID) {
	for _, id := range ids {
		if d.results.drop(id) {
			metrics.RecordIOID("dropped")
		}
	}
	metrics.SetPending(d.results.Len())
}

// Last returns the most recently minted IOID, or 0.
func (d *Dispatcher) Last() IOID {
	return IOID(d.next.Load())
}

// Pending returns the number of delivered results awaiting a poll.
func (d *Dispatcher) Pending() int {
	return d.results.Len()
}

// Outstanding returns the number of issued IOIDs still awaiting a result.
func (d *Dispatcher) Outstanding() int {
	return d.results.Outstanding()
}

// Close stops accepting invokes and drops every entry.
func (d *Dispatcher) Close() error {
	return d.results.Close()
}
