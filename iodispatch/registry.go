package iodispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler executes one IOmod method.
type Handler func(ctx context.Context, method string, payload []byte) ([]byte, error)

// Registry is an in-process Transport that routes requests to registered
// handlers on their own goroutines.
type Registry struct {
	modules map[Coords]Handler
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[Coords]Handler),
	}
}

// Register binds h to "org.namespace.name".
func (r *Registry) Register(coords string, h Handler) error {
	c, err := ParseCoords(coords)
	if err != nil {
		return fmt.Errorf("register %q: %w", coords, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[c] = h
	return nil
}

// Resolve reports whether c has a handler.
func (r *Registry) Resolve(c Coords) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[c]
	return ok
}

// Submit runs the handler asynchronously. A handler error is delivered as
// a JSON error envelope so the guest always gets a result for its IOID.
func (r *Registry) Submit(ctx context.Context, req Request, respond Responder) error {
	r.mu.RLock()
	h, ok := r.modules[req.Coords]
	r.mu.RUnlock()
	if !ok {
		return ErrCoordsNotFound
	}

	hctx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		out, err := h(hctx, req.Method, req.Payload)
		if err != nil {
			Logger().Debug("iomod call failed",
				zap.Uint64("ioid", uint64(req.IOID)),
				zap.String("coords", req.Coords.String()),
				zap.String("method", req.Method),
				zap.Error(err))
			out = ErrorEnvelope(err)
		}
		respond(out)
	}()
	return nil
}

// Wait blocks until every submitted handler has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// ErrorEnvelope renders err as the JSON document guests receive when an
// IOmod call fails.
func ErrorEnvelope(err error) []byte {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
	return b
}
