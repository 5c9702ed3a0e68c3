package iodispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/fnhost/internal/codec"
)

// DefaultRegistryAddr is where an out-of-process registry listens.
const DefaultRegistryAddr = "127.0.0.1:13555"

// Envelope payload types.
const (
	PayloadRequest  = "IOMOD_REQUEST"
	PayloadResponse = "IOMOD_RESPONSE"
	PayloadError    = "IOMOD_ERROR"
)

// MaxFrameSize bounds a single envelope on the wire.
const MaxFrameSize = 16 << 20

// Envelope is one registry message.
type Envelope struct {
	Coords      string `cbor:"coords"`
	Method      string `cbor:"method"`
	PayloadType string `cbor:"payload_type"`
	Payload     []byte `cbor:"payload"`
	IOID        uint64 `cbor:"ioid"`
}

// WriteFrame writes env as a u32 big-endian length followed by CBOR.
func WriteFrame(w io.Writer, env Envelope) error {
	frame, err := encodeFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func encodeFrame(env Envelope) ([]byte, error) {
	body, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("envelope of %d bytes exceeds frame limit", len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// ReadFrame reads one envelope written by WriteFrame.
func ReadFrame(r io.Reader) (Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return Envelope{}, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// SocketTransport forwards requests to an out-of-process registry over a
// stream connection and delivers responses as they arrive.
type SocketTransport struct {
	conn    net.Conn
	allow   map[Coords]struct{}
	pending map[IOID]Responder
	done    chan struct{}
	wmu     sync.Mutex
	pmu     sync.Mutex
	closed  bool
}

// Dial connects to the registry at addr. When allow is non-empty only
// those coordinates resolve; otherwise every well-formed address does and
// the registry reports unknown ones as errors.
func Dial(ctx context.Context, addr string, allow []string) (*SocketTransport, error) {
	coords := make([]Coords, 0, len(allow))
	for _, a := range allow {
		c, err := ParseCoords(a)
		if err != nil {
			return nil, fmt.Errorf("allow %q: %w", a, err)
		}
		coords = append(coords, c)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial registry %s: %w", addr, err)
	}
	return NewSocketTransport(conn, coords), nil
}

// NewSocketTransport wraps an established connection.
func NewSocketTransport(conn net.Conn, allow []Coords) *SocketTransport {
	t := &SocketTransport{
		conn:    conn,
		allow:   make(map[Coords]struct{}, len(allow)),
		pending: make(map[IOID]Responder),
		done:    make(chan struct{}),
	}
	for _, c := range allow {
		t.allow[c] = struct{}{}
	}
	go t.readLoop()
	return t
}

// Resolve reports whether c may be sent to the registry.
func (t *SocketTransport) Resolve(c Coords) bool {
	t.pmu.Lock()
	closed := t.closed
	t.pmu.Unlock()
	if closed {
		return false
	}
	if len(t.allow) == 0 {
		return true
	}
	_, ok := t.allow[c]
	return ok
}

// Submit writes the request frame and returns.
func (t *SocketTransport) Submit(ctx context.Context, req Request, respond Responder) error {
	t.pmu.Lock()
	if t.closed {
		t.pmu.Unlock()
		return ErrClosed
	}
	t.pending[req.IOID] = respond
	t.pmu.Unlock()

	env := Envelope{
		IOID:        uint64(req.IOID),
		Coords:      req.Coords.String(),
		Method:      req.Method,
		PayloadType: PayloadRequest,
		Payload:     req.Payload,
	}

	frame, err := encodeFrame(env)
	if err == nil {
		err = t.write(ctx, frame)
	}
	if err != nil {
		t.pmu.Lock()
		delete(t.pending, req.IOID)
		t.pmu.Unlock()
		return fmt.Errorf("submit to registry: %w", err)
	}
	return nil
}

// write sends one frame under ctx's deadline, or none. A frame cut short
// leaves the stream unframed, so the transport is shut down.
func (t *SocketTransport) write(ctx context.Context, frame []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = t.conn.SetWriteDeadline(deadline)
	n, err := t.conn.Write(frame)
	if err != nil && n > 0 {
		Logger().Warn("partial frame written, closing registry connection", zap.Int("written", n), zap.Error(err))
		t.shutdown()
		_ = t.conn.Close()
	}
	return err
}

func (t *SocketTransport) readLoop() {
	defer close(t.done)
	for {
		env, err := ReadFrame(t.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				Logger().Warn("registry connection lost", zap.Error(err))
			}
			t.shutdown()
			return
		}

		id := IOID(env.IOID)
		t.pmu.Lock()
		respond, ok := t.pending[id]
		delete(t.pending, id)
		t.pmu.Unlock()
		if !ok {
			Logger().Debug("response for unknown ioid", zap.Uint64("ioid", env.IOID))
			continue
		}

		switch env.PayloadType {
		case PayloadError:
			respond(ErrorEnvelope(errors.New(string(env.Payload))))
		default:
			respond(env.Payload)
		}
	}
}

func (t *SocketTransport) shutdown() {
	t.pmu.Lock()
	defer t.pmu.Unlock()
	t.closed = true
	t.pending = make(map[IOID]Responder)
}

// Close closes the connection. Outstanding requests never resolve.
func (t *SocketTransport) Close() error {
	err := t.conn.Close()
	<-t.done
	return err
}

// Serve answers registry frames on ln with handlers from reg until ctx is
// done or ln fails.
func Serve(ctx context.Context, ln net.Listener, reg *Registry) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, reg)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, reg *Registry) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var wmu sync.Mutex
	reply := func(env Envelope) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := WriteFrame(conn, env); err != nil {
			Logger().Debug("registry reply failed", zap.Uint64("ioid", env.IOID), zap.Error(err))
		}
	}

	for {
		env, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if env.PayloadType != PayloadRequest {
			continue
		}

		reqEnv := env
		fail := func(err error) {
			reply(Envelope{IOID: reqEnv.IOID, Coords: reqEnv.Coords, Method: reqEnv.Method, PayloadType: PayloadError, Payload: []byte(err.Error())})
		}

		coords, err := ParseCoords(env.Coords)
		if err != nil {
			fail(err)
			continue
		}
		req := Request{IOID: IOID(env.IOID), Coords: coords, Method: env.Method, Payload: env.Payload}
		err = reg.Submit(ctx, req, func(result []byte) {
			reply(Envelope{IOID: reqEnv.IOID, Coords: reqEnv.Coords, Method: reqEnv.Method, PayloadType: PayloadResponse, Payload: result})
		})
		if err != nil {
			fail(err)
		}
	}
}
