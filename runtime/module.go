package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/engine"
	"github.com/wippyai/fnhost/errors"
)

// Artifact file extensions.
const (
	ExtWasm       = ".wasm"
	ExtPrecompile = ".cwasm"
	ExtWasmBin    = ".wasm.bin"
)

// Component is a validated, compiled module. Immutable and shared by every
// invocation of it.
type Component struct {
	compiled wazero.CompiledModule
	profile  *profile
	Path     string
	Target   string
	Mode     engine.CompatMode
}

// Runnable reports whether the component was compiled for this host.
func (c *Component) Runnable() bool {
	return c.profile != nil && c.profile.linker != nil
}

// Exports lists the component's exported function names.
func (c *Component) Exports() []string {
	defs := c.compiled.ExportedFunctions()
	out := make([]string, 0, len(defs))
	for name := range defs {
		out = append(out, name)
	}
	return out
}

// LoadOptions selects the engine a raw module is compiled for.
type LoadOptions struct {
	Target string
	Mode   engine.CompatMode
}

// ArtifactKind classifies path by extension.
func ArtifactKind(path string) (precompiled bool, ok bool) {
	switch {
	case strings.HasSuffix(path, ExtWasmBin), strings.HasSuffix(path, ExtPrecompile):
		return true, true
	case strings.HasSuffix(path, ExtWasm):
		return false, true
	}
	return false, false
}

// Load reads and compiles the component at path, choosing the strategy
// from its extension. Components are cached per path, target and mode.
func (h *Host) Load(ctx context.Context, path string, opts LoadOptions) (*Component, error) {
	precompiled, ok := ArtifactKind(path)
	if !ok {
		return nil, errors.UnsupportedArtifact(path)
	}
	cfg := h.resolve(opts.Target, opts.Mode)
	key := filepath.Clean(path) + "|" + cfg.Target + "|" + string(cfg.CompatMode)

	return h.components.GetOrPopulate(ctx, key, func(ctx context.Context) (*Component, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Load("read "+path, err)
		}
		if precompiled {
			return h.loadPrecompiled(ctx, path, data)
		}
		return h.loadRaw(ctx, path, data, cfg)
	})
}

// LoadBytes compiles raw module bytes for the host engine without caching.
func (h *Host) LoadBytes(ctx context.Context, name string, wasm []byte) (*Component, error) {
	return h.loadRaw(ctx, name, wasm, h.resolve("", ""))
}

func (h *Host) loadRaw(ctx context.Context, path string, wasm []byte, cfg engine.Config) (*Component, error) {
	p, err := h.profile(ctx, cfg)
	if err != nil {
		return nil, err
	}
	compiled, err := p.engine.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	Logger().Debug("component loaded",
		zap.String("path", path),
		zap.String("target", cfg.Target),
		zap.String("compat_mode", string(cfg.CompatMode)),
		zap.Bool("runnable", p.linker != nil))
	return &Component{compiled: compiled, profile: p, Path: path, Target: cfg.Target, Mode: cfg.CompatMode}, nil
}

func (h *Host) loadPrecompiled(ctx context.Context, path string, data []byte) (*Component, error) {
	a, err := engine.DecodeArtifact(data)
	if err != nil {
		return nil, err
	}
	if a.Header.Target != engine.HostTarget() {
		return nil, errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Path(path).
			Detail("artifact built for %s, host is %s", a.Header.Target, engine.HostTarget()).
			Value(a.Header.Target).Build()
	}
	mode := engine.ParseCompatMode(a.Header.CompatMode)
	p, err := h.profile(ctx, engine.Config{Target: a.Header.Target, CompatMode: mode})
	if err != nil {
		return nil, err
	}
	compiled, err := p.engine.CompileArtifact(ctx, a)
	if err != nil {
		return nil, err
	}
	Logger().Debug("precompiled component loaded",
		zap.String("path", path),
		zap.String("compat_mode", string(mode)),
		zap.String("wazero_version", a.Header.WazeroVersion))
	return &Component{compiled: compiled, profile: p, Path: path, Target: a.Header.Target, Mode: mode}, nil
}

// Precompile reads the raw module at path and packages it for target and
// mode. The result is what Load accepts from a .cwasm file.
func (h *Host) Precompile(ctx context.Context, path, target string, mode engine.CompatMode) ([]byte, error) {
	if precompiled, ok := ArtifactKind(path); !ok || precompiled {
		return nil, errors.UnsupportedArtifact(path)
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Load("read "+path, err)
	}
	cfg := h.resolve(target, mode)
	cfg.CacheDir = ""
	return engine.Precompile(ctx, wasm, cfg)
}

// PrecompiledPath derives the artifact path written next to a raw module.
func PrecompiledPath(path string) string {
	return strings.TrimSuffix(path, ExtWasm) + ExtPrecompile
}
