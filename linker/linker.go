package linker

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/errors"
)

// Options configures linker behavior.
type Options struct {
	// Groups lists the capability groups guests may import. Imports of a
	// disabled group fail the audit.
	Groups []Group

	// AllowWASI admits wasi_snapshot_preview1 imports.
	AllowWASI bool
}

// DefaultOptions enables every capability group and WASI.
func DefaultOptions() Options {
	return Options{
		Groups:    AllGroups(),
		AllowWASI: true,
	}
}

// Linker binds the capability table into a wazero runtime and audits guest
// imports against it. Thread-safe.
type Linker struct {
	runtime   wazero.Runtime
	funcs     map[string]*FuncDef
	options   Options
	installed bool
	mu        sync.Mutex
}

// New creates a Linker for rt.
func New(rt wazero.Runtime, opts Options) *Linker {
	l := &Linker{
		runtime: rt,
		funcs:   make(map[string]*FuncDef),
		options: opts,
	}
	for _, f := range capabilities() {
		if l.enabled(f.Group) {
			l.funcs[f.Path()] = f
		}
	}
	return l
}

// NewWithDefaults creates a Linker with DefaultOptions.
func NewWithDefaults(rt wazero.Runtime) *Linker {
	return New(rt, DefaultOptions())
}

// Runtime returns the wazero runtime.
func (l *Linker) Runtime() wazero.Runtime {
	return l.runtime
}

// Options returns the configuration.
func (l *Linker) Options() Options {
	return l.options
}

func (l *Linker) enabled(g Group) bool {
	return slices.Contains(l.options.Groups, g)
}

// Resolve looks up an enabled host function by import module and name.
func (l *Linker) Resolve(module, name string) *FuncDef {
	return l.funcs[module+"#"+name]
}

// Functions returns the enabled host functions in table order.
func (l *Linker) Functions() []*FuncDef {
	var out []*FuncDef
	for _, f := range capabilities() {
		if def, ok := l.funcs[f.Path()]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Install instantiates one host module per enabled group. Modules already
// present in the runtime are left alone, so Install may be called again.
func (l *Linker) Install(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.installed {
		return nil
	}

	byGroup := make(map[Group][]*FuncDef)
	for _, f := range l.Functions() {
		byGroup[f.Group] = append(byGroup[f.Group], f)
	}
	for _, g := range AllGroups() {
		funcs := byGroup[g]
		if len(funcs) == 0 || l.runtime.Module(g.Module()) != nil {
			continue
		}
		builder := l.runtime.NewHostModuleBuilder(g.Module())
		for _, f := range funcs {
			params, results := f.CoreTypes()
			builder.NewFunctionBuilder().
				WithGoModuleFunction(f.Handler, params, results).
				Export(f.Name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			return errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err,
				fmt.Sprintf("host module %s", g.Module()))
		}
		Logger().Debug("capability group installed",
			zap.String("group", g.String()),
			zap.String("module", g.Module()),
			zap.Int("functions", len(funcs)))
	}
	l.installed = true
	return nil
}

// Audit checks every import of compiled against the enabled capability
// table. All unresolved imports are reported together.
func (l *Linker) Audit(compiled wazero.CompiledModule) error {
	var missing *errors.MissingImportsError
	add := func(module, name, reason string) {
		if missing == nil {
			missing = errors.NewMissingImportsError(nil)
		}
		missing.Add(module, name, reason)
	}

	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if module == wasi_snapshot_preview1.ModuleName {
			if !l.options.AllowWASI {
				add(module, name, "wasi disabled")
			}
			continue
		}

		f := l.Resolve(module, name)
		if f == nil {
			switch g, ok := groupOf(module); {
			case ok && !l.enabled(g):
				add(module, name, "capability group disabled")
			default:
				add(module, name, "not provided")
			}
			continue
		}

		params, results := f.CoreTypes()
		if !slices.Equal(params, def.ParamTypes()) || !slices.Equal(results, def.ResultTypes()) {
			add(module, name, fmt.Sprintf("signature mismatch: want %s, have %s",
				signature(params, results), signature(def.ParamTypes(), def.ResultTypes())))
		}
	}

	if missing != nil {
		return missing
	}
	return nil
}

func signature(params, results []api.ValueType) string {
	name := func(ts []api.ValueType) string {
		out := "("
		for i, t := range ts {
			if i > 0 {
				out += " "
			}
			out += api.ValueTypeName(t)
		}
		return out + ")"
	}
	return name(params) + "->" + name(results)
}
