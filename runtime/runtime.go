package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/fnhost/cache"
	"github.com/wippyai/fnhost/engine"
	"github.com/wippyai/fnhost/errors"
	"github.com/wippyai/fnhost/linker"
)

const componentCacheName = "components"

// Options configures a Host.
type Options struct {
	// Shared is the cross-invocation capability state. Nil creates one with
	// no secret store.
	Shared *linker.Shared

	// Engine is the base engine configuration. Target and CompatMode may be
	// overridden per Load.
	Engine engine.Config

	// Linker selects the capability groups guests may import.
	Linker linker.Options

	// ScratchDir is the host root of flavor scratch directories. Empty
	// means /tmp.
	ScratchDir string

	// ComponentTTL expires cached components. 0 keeps them until Close.
	ComponentTTL time.Duration

	// ComponentCacheSize bounds the component cache. 0 means unbounded.
	ComponentCacheSize int
}

// DefaultOptions enables every capability group with the host engine
// profile read from the environment.
func DefaultOptions() Options {
	return Options{
		Engine: engine.Config{CompatMode: engine.CompatModeFromEnv()},
		Linker: linker.DefaultOptions(),
	}
}

// profile is one engine with its capability surface installed.
type profile struct {
	engine *engine.WazeroEngine
	linker *linker.Linker
}

// Host loads components and runs invocations against them. Safe for
// concurrent use; every invocation gets its own instance and state.
type Host struct {
	shared     *linker.Shared
	components *cache.Cache[*Component]
	profiles   map[engine.Config]*profile
	opts       Options
	scratch    string
	mu         sync.Mutex
	closed     bool
}

// New creates a Host. The scratch tmp directory is created if missing.
func New(ctx context.Context, opts Options) (*Host, error) {
	if opts.Linker.Groups == nil {
		opts.Linker = linker.DefaultOptions()
	}
	shared := opts.Shared
	if shared == nil {
		shared = linker.NewShared(linker.SharedConfig{})
	}
	scratch := opts.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	if err := os.MkdirAll(filepath.Join(scratch, scratchTmp), 0o755); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "create scratch directory")
	}

	h := &Host{
		shared: shared,
		components: cache.New[*Component](cache.Options{
			Name: componentCacheName,
			Size: opts.ComponentCacheSize,
			TTL:  opts.ComponentTTL,
		}),
		profiles: make(map[engine.Config]*profile),
		opts:     opts,
		scratch:  scratch,
	}
	if _, err := h.profile(ctx, opts.Engine); err != nil {
		return nil, err
	}
	Logger().Debug("host created",
		zap.String("scratch", scratch),
		zap.String("target", engine.HostTarget()),
		zap.String("compat_mode", string(opts.Engine.CompatMode)))
	return h, nil
}

// Shared returns the cross-invocation capability state.
func (h *Host) Shared() *linker.Shared {
	return h.shared
}

// ScratchDir returns the host root of flavor scratch directories.
func (h *Host) ScratchDir() string {
	return h.scratch
}

// resolve fills the target and mode of cfg from the host defaults.
func (h *Host) resolve(target string, mode engine.CompatMode) engine.Config {
	cfg := h.opts.Engine
	if target != "" {
		cfg.Target = target
	}
	if mode != "" {
		cfg.CompatMode = mode
	}
	if cfg.Target == "" {
		cfg.Target = engine.HostTarget()
	}
	cfg.CompatMode = engine.ParseCompatMode(string(cfg.CompatMode))
	return cfg
}

// profile returns the engine for cfg, creating it on first use. Native
// engines get WASI and the capability host modules; foreign ones only
// validate.
func (h *Host) profile(ctx context.Context, cfg engine.Config) (*profile, error) {
	cfg = h.resolve(cfg.Target, cfg.CompatMode)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.InvalidState(errors.PhaseLoad, "host closed")
	}
	if p, ok := h.profiles[cfg]; ok {
		return p, nil
	}

	eng, err := engine.NewWazeroEngine(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	p := &profile{engine: eng}
	if cfg.Native() {
		if err := eng.InitWASI(ctx); err != nil {
			_ = eng.Close(ctx)
			return nil, err
		}
		p.linker = linker.New(eng.Runtime(), h.opts.Linker)
		if err := p.linker.Install(ctx); err != nil {
			_ = eng.Close(ctx)
			return nil, err
		}
	}
	h.profiles[cfg] = p
	return p, nil
}

// Close releases every engine and the components compiled on them.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.components.Purge()

	var first error
	for cfg, p := range h.profiles {
		if err := p.engine.Close(ctx); err != nil && first == nil {
			first = fmt.Errorf("close %s/%s: %w", cfg.Target, cfg.CompatMode, err)
		}
	}
	clear(h.profiles)
	return first
}
