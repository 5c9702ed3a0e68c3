package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/errors"
)

const wasiModuleName = wasi_snapshot_preview1.ModuleName

// WazeroEngine owns one wazero runtime configured for a target and
// compatibility mode.
type WazeroEngine struct {
	runtime      wazero.Runtime
	cache        wazero.CompilationCache
	cfg          Config
	wasiInitMu   sync.Mutex
	wasiInitDone atomic.Bool
}

// NewWazeroEngine creates an engine for cfg. A nil cfg means the host
// target in CompatDefault mode.
func NewWazeroEngine(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.Target = c.target()
	c.CompatMode = c.mode()

	var runtimeCfg wazero.RuntimeConfig
	if c.Native() {
		runtimeCfg = wazero.NewRuntimeConfig()
	} else {
		// No code generator for a foreign target; validate only.
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	}
	runtimeCfg = runtimeCfg.WithCoreFeatures(coreFeatures(c.CompatMode))
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}

	e := &WazeroEngine{cfg: c}
	if c.CacheDir != "" && c.Native() {
		cache, err := wazero.NewCompilationCacheWithDir(c.CacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "compilation cache")
		}
		e.cache = cache
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}

	e.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	Logger().Debug("engine created",
		zap.String("target", c.Target),
		zap.String("compat_mode", string(c.CompatMode)),
		zap.Uint32("memory_limit_pages", c.MemoryLimitPages),
		zap.String("cache_dir", c.CacheDir))
	return e, nil
}

func coreFeatures(mode CompatMode) api.CoreFeatures {
	if mode == CompatDefault {
		return api.CoreFeaturesV2
	}
	return api.CoreFeaturesV2 &^ api.CoreFeatureSIMD
}

// Runtime returns the underlying wazero runtime.
func (e *WazeroEngine) Runtime() wazero.Runtime {
	return e.runtime
}

// Config returns the resolved configuration.
func (e *WazeroEngine) Config() Config {
	return e.cfg
}

// Compile validates and compiles raw wasm bytes.
func (e *WazeroEngine) Compile(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	return compiled, nil
}

// InitWASI instantiates the WASI singleton for this engine's runtime.
// Safe for concurrent calls from multiple modules sharing the same engine.
func (e *WazeroEngine) InitWASI(ctx context.Context) error {
	if e.wasiInitDone.Load() {
		return nil
	}

	e.wasiInitMu.Lock()
	defer e.wasiInitMu.Unlock()

	if e.wasiInitDone.Load() {
		return nil
	}

	if e.runtime.Module(wasiModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			return errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate WASI")
		}
	}

	e.wasiInitDone.Store(true)
	return nil
}

// Close releases the runtime and its compilation cache.
func (e *WazeroEngine) Close(ctx context.Context) error {
	err := e.runtime.Close(ctx)
	if e.cache != nil {
		if cerr := e.cache.Close(ctx); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}
