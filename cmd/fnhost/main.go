// fnhost runs serverless components: as an HTTP launcher, once from the
// command line, or in an interactive console.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/cache"
	"github.com/wippyai/fnhost/config"
	"github.com/wippyai/fnhost/engine"
	"github.com/wippyai/fnhost/iodispatch"
	"github.com/wippyai/fnhost/jwt"
	"github.com/wippyai/fnhost/launcher"
	"github.com/wippyai/fnhost/linker"
	"github.com/wippyai/fnhost/policy"
	"github.com/wippyai/fnhost/runtime"
	"github.com/wippyai/fnhost/secrets"
)

type command struct {
	run   func(args []string) error
	usage string
}

var commands = map[string]command{
	"serve":      {run: serveCmd, usage: "serve [--addr :5543] [--functions-dir dir]"},
	"run":        {run: runCmd, usage: "run <module> [--input file|-] [--request-id id]"},
	"precompile": {run: precompileCmd, usage: "precompile <module.wasm> [--target os/arch] [--mode default|high|cpu:core2quad]"},
	"console":    {run: consoleCmd, usage: "console <module>"},
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err := cmd.run(os.Args[2:]); err != nil {
		var exit exitError
		if stderrors.As(err, &exit) {
			os.Exit(exit.code)
		}
		if stderrors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(os.Stderr, "Usage:")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  fnhost %s\n", commands[name].usage)
	}
	fmt.Fprintln(os.Stderr, "\nEvery command accepts --config file.toml and --log-level.")
}

// globalFlags are accepted by every command.
type globalFlags struct {
	config   string
	logLevel string
}

func (g *globalFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&g.config, "config", "c", os.Getenv("FNHOST_CONFIG"), "TOML configuration file")
	fs.StringVar(&g.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.config)
	if err != nil {
		return config.Config{}, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func installLogger(l *zap.Logger) {
	cache.SetLogger(l.Named("cache"))
	engine.SetLogger(l.Named("engine"))
	iodispatch.SetLogger(l.Named("dispatch"))
	jwt.SetLogger(l.Named("jwt"))
	launcher.SetLogger(l.Named("launcher"))
	linker.SetLogger(l.Named("linker"))
	policy.SetLogger(l.Named("policy"))
	runtime.SetLogger(l.Named("runtime"))
}

// app is the host wiring shared by every command.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	host       *runtime.Host
	dispatcher *iodispatch.Dispatcher
	registry   *iodispatch.Registry
	remote     *iodispatch.SocketTransport
}

// setup builds the host from cfg. log may be nil to keep package loggers
// silent.
func setup(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	if log == nil {
		log = zap.NewNop()
	} else {
		installLogger(log)
	}

	store, err := secretStore(cfg.Secrets)
	if err != nil {
		return nil, err
	}
	shared := linker.NewShared(linker.SharedConfig{
		Secrets:         store,
		KeySetTTL:       cfg.JWT.KeySetTTL,
		RefreshInterval: cfg.JWT.RefreshInterval,
	})

	a := &app{cfg: cfg, log: log}
	var transport iodispatch.Transport
	if cfg.Registry.Addr != "" {
		a.remote, err = iodispatch.Dial(ctx, cfg.Registry.Addr, cfg.Registry.Allow)
		if err != nil {
			return nil, err
		}
		transport = a.remote
		log.Info("using remote registry", zap.String("addr", cfg.Registry.Addr))
	} else {
		a.registry = iodispatch.NewRegistry()
		transport = a.registry
	}
	a.dispatcher = iodispatch.New(transport)

	opts := runtime.DefaultOptions()
	opts.Shared = shared
	opts.Engine = engine.Config{
		CompatMode:       cfg.CompatMode(),
		CacheDir:         cfg.Engine.CacheDir,
		MemoryLimitPages: cfg.Engine.MemoryLimitPages,
	}
	opts.ScratchDir = cfg.Host.ScratchDir
	opts.ComponentTTL = cfg.Host.ComponentTTL

	a.host, err = runtime.New(ctx, opts)
	if err != nil {
		a.closeTransport()
		return nil, err
	}
	return a, nil
}

func secretStore(cfg config.SecretsConfig) (secrets.Store, error) {
	mem, err := secrets.NewMemoryStore()
	if err != nil {
		return nil, err
	}
	if cfg.AgeIdentity == "" {
		return mem, nil
	}
	identity := cfg.AgeIdentity
	if !isAgeIdentity(identity) {
		data, err := os.ReadFile(identity)
		if err != nil {
			return nil, fmt.Errorf("read age identity: %w", err)
		}
		identity = firstIdentity(string(data))
	}
	return secrets.NewAgeStore(mem, identity)
}

func (a *app) flavor() runtime.Flavor {
	return runtime.ParseFlavor(a.cfg.Host.Flavor)
}

func (a *app) closeTransport() {
	if a.dispatcher != nil {
		_ = a.dispatcher.Close()
	}
	if a.remote != nil {
		_ = a.remote.Close()
	}
}

func (a *app) Close(ctx context.Context) {
	if err := a.host.Close(ctx); err != nil {
		a.log.Warn("close host", zap.Error(err))
	}
	a.closeTransport()
	if a.registry != nil {
		a.registry.Wait()
	}
	_ = a.log.Sync()
}
