package runtime

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/engine"
	"github.com/wippyai/fnhost/errors"
	"github.com/wippyai/fnhost/iodispatch"
	"github.com/wippyai/fnhost/linker"
	"github.com/wippyai/fnhost/metrics"
	"github.com/wippyai/fnhost/response"
)

// EntryPoint is the export Run calls.
const EntryPoint = "_start"

// Phase is the lifecycle position of an invocation.
type Phase int

const (
	PhaseLoaded Phase = iota
	PhaseLinked
	PhaseInstantiated
	PhaseRunning
	PhaseCompleted
	PhaseEntryFailure
	PhaseTrapped
)

func (p Phase) String() string {
	switch p {
	case PhaseLoaded:
		return "loaded"
	case PhaseLinked:
		return "linked"
	case PhaseInstantiated:
		return "instantiated"
	case PhaseRunning:
		return "running"
	case PhaseCompleted:
		return "completed"
	case PhaseEntryFailure:
		return "entry_failure"
	case PhaseTrapped:
		return "trapped"
	}
	return "unknown"
}

// Terminal reports whether p ends the invocation.
func (p Phase) Terminal() bool {
	return p >= PhaseCompleted
}

// LinkOptions configures one invocation.
type LinkOptions struct {
	Dispatcher *iodispatch.Dispatcher
	Sender     response.Sender
	Stdout     io.Writer
	Stderr     io.Writer
	RequestID  string

	// Env is the host environment EnvPrefix entries are taken from. Nil
	// means os.Environ.
	Env []string

	// Args are appended to the flavor's arguments.
	Args   []string
	Flavor Flavor
}

// Instance is one linked, instantiated component. Not safe for concurrent
// Run calls; a terminal instance refuses to run again.
type Instance struct {
	module api.Module
	state  *linker.State
	comp   *Component
	phase  Phase
	mu     sync.Mutex
	closed bool
}

// Link builds fresh invocation state, audits the component's imports and
// instantiates it without running its entry point.
func (h *Host) Link(ctx context.Context, comp *Component, opts LinkOptions) (*Instance, *linker.State, error) {
	if !comp.Runnable() {
		return nil, nil, errors.New(errors.PhaseLink, errors.KindUnsupported).
			Path(comp.Path).
			Detail("component compiled for %s cannot run on %s", comp.Target, engine.HostTarget()).
			Build()
	}
	if _, ok := comp.compiled.ExportedFunctions()[EntryPoint]; !ok {
		return nil, nil, errors.NotFound(errors.PhaseLink, "export", EntryPoint)
	}
	if err := comp.profile.linker.Audit(comp.compiled); err != nil {
		return nil, nil, err
	}

	cfg, err := h.moduleConfig(opts)
	if err != nil {
		return nil, nil, err
	}

	st := linker.NewState(h.shared, opts.Dispatcher, opts.Sender, opts.RequestID)
	inst := &Instance{state: st, comp: comp, phase: PhaseLinked}

	mod, err := comp.profile.engine.Runtime().InstantiateModule(linker.WithState(ctx, st), comp.compiled, cfg)
	if err != nil {
		st.Release()
		return nil, nil, errors.Instantiation(err)
	}
	inst.module = mod
	inst.phase = PhaseInstantiated
	return inst, st, nil
}

func (h *Host) moduleConfig(opts LinkOptions) (wazero.ModuleConfig, error) {
	surface := opts.Flavor.Surface(h.scratch)

	fs := wazero.NewFSConfig()
	for _, p := range surface.Preopens {
		info, err := os.Stat(p.Host)
		if err == nil && !info.IsDir() {
			err = fmt.Errorf("%s is not a directory", p.Host)
		}
		if err != nil {
			return nil, errors.MissingPreopen(p.Host, p.Guest, err)
		}
		if p.ReadOnly {
			fs = fs.WithReadOnlyDirMount(p.Host, p.Guest)
		} else {
			fs = fs.WithDirMount(p.Host, p.Guest)
		}
	}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithFSConfig(fs).
		WithArgs(append(surface.Args, opts.Args...)...).
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithOsyield(goruntime.Gosched)

	environ := opts.Env
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range surface.Env {
		cfg = cfg.WithEnv(kv[0], kv[1])
	}
	for _, kv := range GuestEnv(environ) {
		cfg = cfg.WithEnv(kv[0], kv[1])
	}
	if opts.Stdout != nil {
		cfg = cfg.WithStdout(opts.Stdout)
	}
	if opts.Stderr != nil {
		cfg = cfg.WithStderr(opts.Stderr)
	}
	return cfg, nil
}

// Phase returns the current lifecycle phase.
func (i *Instance) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

// State returns the invocation state.
func (i *Instance) State() *linker.State {
	return i.state
}

// SetInput replaces the input buffer the guest reads through get-input.
func (i *Instance) SetInput(b []byte) {
	i.state.SetInput(b)
}

// Run calls the entry point. A normal return or exit code 0 completes; a
// non-zero exit is an EntryFailure; anything else is a trap.
func (i *Instance) Run(ctx context.Context) error {
	i.mu.Lock()
	if i.phase != PhaseInstantiated || i.closed {
		phase := i.phase
		i.mu.Unlock()
		return errors.InvalidState(errors.PhaseRun, "instance is "+phase.String())
	}
	i.phase = PhaseRunning
	i.mu.Unlock()

	began := time.Now()
	_, callErr := i.module.ExportedFunction(EntryPoint).Call(linker.WithState(ctx, i.state))
	phase, err := classify(callErr)
	if code, ok := errors.ExitCode(err); ok {
		i.state.Exit(ctx, int(code))
	}

	i.mu.Lock()
	i.phase = phase
	i.mu.Unlock()

	metrics.RecordInvocation(phase.String(), time.Since(began))
	log := Logger().With(
		zap.String("request_id", i.state.RequestID()),
		zap.String("component", i.comp.Path),
		zap.Stringer("phase", phase),
		zap.Duration("elapsed", time.Since(began)))
	if err != nil {
		log.Debug("invocation failed", zap.Error(err))
	} else {
		log.Debug("invocation completed")
	}
	return err
}

func classify(err error) (Phase, error) {
	if err == nil {
		return PhaseCompleted, nil
	}
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		if exit.ExitCode() == 0 {
			return PhaseCompleted, nil
		}
		return PhaseEntryFailure, errors.EntryFailure(exit.ExitCode())
	}
	return PhaseTrapped, errors.Trap(err)
}

// Close releases the instance and forgets results it never polled.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	i.state.Release()
	if err := i.module.Close(ctx); err != nil {
		return fmt.Errorf("close instance: %w", err)
	}
	return nil
}

// Invoke links comp, runs it once with input and closes it. The returned
// state carries the published outcome.
func (h *Host) Invoke(ctx context.Context, comp *Component, input []byte, opts LinkOptions) (*linker.State, error) {
	inst, st, err := h.Link(ctx, comp, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := inst.Close(ctx); cerr != nil {
			Logger().Warn("close instance", zap.Error(cerr))
		}
	}()
	inst.SetInput(input)
	return st, inst.Run(ctx)
}
