// Package launcher serves component invocations over HTTP.
//
// Each POST /invoke/{function} becomes one invocation. The HTTP request is
// encoded as a JSON Request and handed to the guest as its input; the
// guest's published outcome becomes the response:
//
//	Success                   200, guest body
//	Failure, entry failure    500, guest body
//	trap, load or link error  500, "internal error"
//	no outcome                500
package launcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"io"
	"io/fs"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/fnhost/config"
	"github.com/wippyai/fnhost/errors"
	"github.com/wippyai/fnhost/iodispatch"
	"github.com/wippyai/fnhost/linker"
	"github.com/wippyai/fnhost/metrics"
	"github.com/wippyai/fnhost/response"
	"github.com/wippyai/fnhost/runtime"
)

// RequestIDHeader carries the invocation request id in both directions.
const RequestIDHeader = "X-Request-Id"

// BodyEncoding is the only encoding Request.Body uses.
const BodyEncoding = "base64"

const (
	maxBodyBytes    = 6 << 20
	shutdownTimeout = 10 * time.Second
	internalError   = "internal error"
)

// Request is the guest input built from one HTTP request.
type Request struct {
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	BodyEncoding string            `json:"body_encoding"`
	Body         string            `json:"body"`
}

// Options configures a Server.
type Options struct {
	Config config.LauncherConfig

	// Functions maps function names to component paths. Names not listed
	// resolve to <FunctionsDir>/<name>.wasm.
	Functions  map[string]string
	Dispatcher *iodispatch.Dispatcher
	Flavor     runtime.Flavor
}

// Server is the HTTP front end of a Host.
type Server struct {
	host    *runtime.Host
	opts    Options
	channel *response.Channel
	router  *response.Router
	limiter *limiter
	handler http.Handler
}

// New creates a Server. Call Serve, or mount Handler and run Route.
func New(host *runtime.Host, opts Options) *Server {
	metrics.Register()

	ch := response.New(response.DefaultCapacity)
	s := &Server{
		host:    host,
		opts:    opts,
		channel: ch,
		router:  response.NewRouter(ch),
		limiter: newLimiter(opts.Config.Rate, opts.Config.Burst),
	}

	r := mux.NewRouter()
	invoke := http.Handler(http.HandlerFunc(s.handleInvoke))
	if s.limiter != nil {
		invoke = s.limiter.middleware(invoke)
	}
	r.Handle("/invoke/{function:[A-Za-z0-9_-]+}", invoke).Methods(http.MethodPost)
	r.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.handler = r
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Route delivers published outcomes to waiting requests until ctx is done.
func (s *Server) Route(ctx context.Context) error {
	if s.limiter != nil {
		go s.limiter.sweep(ctx)
	}
	err := s.router.Run(ctx)
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Route(gctx)
	})
	g.Go(func() error {
		Logger().Info("serving", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// componentPath resolves a function name to its component file.
func (s *Server) componentPath(name string) string {
	if p, ok := s.opts.Functions[name]; ok {
		return p
	}
	return filepath.Join(s.opts.Config.FunctionsDir, name+runtime.ExtWasm)
}

// EncodeRequest builds the guest input for r.
func EncodeRequest(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[http.CanonicalHeaderKey(k)] = r.Header.Get(k)
	}
	return json.Marshal(Request{
		Method:       r.Method,
		Headers:      headers,
		BodyEncoding: BodyEncoding,
		Body:         base64.StdEncoding.EncodeToString(body),
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["function"]
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)
	log := Logger().With(zap.String("function", name), zap.String("request_id", requestID))

	input, err := EncodeRequest(r)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if s.opts.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Config.Timeout)
		defer cancel()
	}

	comp, err := s.host.Load(ctx, s.componentPath(name), runtime.LoadOptions{})
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			http.Error(w, "unknown function", http.StatusNotFound)
			return
		}
		log.Error("load component", zap.Error(err))
		http.Error(w, internalError, http.StatusInternalServerError)
		return
	}

	// Callers may reuse request ids, so outcomes are routed on a key minted
	// here.
	route := uuid.NewString()
	waiter, cancel, err := s.router.Expect(route)
	if err != nil {
		log.Error("register outcome route", zap.Error(err))
		http.Error(w, internalError, http.StatusInternalServerError)
		return
	}
	defer cancel()

	st, err := s.host.Invoke(ctx, comp, input, runtime.LinkOptions{
		Dispatcher: s.opts.Dispatcher,
		Sender:     s.router.Sender(route),
		RequestID:  requestID,
		Flavor:     s.opts.Flavor,
	})
	if err != nil && !errors.IsEntryFailure(err) {
		log.Error("invocation failed", zap.Error(err))
		http.Error(w, internalError, http.StatusInternalServerError)
		return
	}

	status, ok := s.await(ctx, st, waiter)
	if !ok {
		log.Warn("no outcome published", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	log.Debug("invocation finished", zap.Stringer("outcome", status.Kind))
	writeStatus(w, status)
}

// await returns the routed status once st reports that one was published.
func (s *Server) await(ctx context.Context, st *linker.State, waiter <-chan response.Status) (response.Status, bool) {
	if st == nil {
		return response.Status{}, false
	}
	if _, ok := st.Outcome(); !ok {
		return response.Status{}, false
	}
	select {
	case status := <-waiter:
		return status, true
	case <-ctx.Done():
		return response.Status{}, false
	}
}

func writeStatus(w http.ResponseWriter, s response.Status) {
	code := http.StatusInternalServerError
	if s.Kind == response.Success {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	if len(s.Body) > 0 {
		_, _ = w.Write(s.Body)
	}
}
