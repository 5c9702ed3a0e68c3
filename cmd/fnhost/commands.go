package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/engine"
	"github.com/wippyai/fnhost/errors"
	"github.com/wippyai/fnhost/launcher"
	"github.com/wippyai/fnhost/response"
	"github.com/wippyai/fnhost/runtime"
)

const ageIdentityPrefix = "AGE-SECRET-KEY-1"

func isAgeIdentity(s string) bool {
	return strings.HasPrefix(s, ageIdentityPrefix)
}

// firstIdentity returns the first identity line of an age key file.
func firstIdentity(data string) string {
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); isAgeIdentity(line) {
			return line
		}
	}
	return ""
}

func serveCmd(args []string) error {
	var (
		g            globalFlags
		addr         string
		functionsDir string
	)
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	g.add(fs)
	fs.StringVar(&addr, "addr", "", "listen address (default from launcher.addr)")
	fs.StringVar(&functionsDir, "functions-dir", "", "directory of <name>.wasm components")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Launcher.Addr = addr
	}
	if functionsDir != "" {
		cfg.Launcher.FunctionsDir = functionsDir
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	srv := launcher.New(a.host, launcher.Options{
		Config:     cfg.Launcher,
		Functions:  cfg.Functions,
		Dispatcher: a.dispatcher,
		Flavor:     a.flavor(),
	})
	log.Info("launcher starting",
		zap.String("addr", cfg.Launcher.Addr),
		zap.String("functions_dir", cfg.Launcher.FunctionsDir),
		zap.Stringer("flavor", a.flavor()))
	return srv.ListenAndServe(ctx)
}

func runCmd(args []string) error {
	var (
		g         globalFlags
		input     string
		requestID string
		mode      string
	)
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	g.add(fs)
	fs.StringVarP(&input, "input", "i", "", "file holding the guest input, - for stdin")
	fs.StringVar(&requestID, "request-id", "", "request id (default: random uuid)")
	fs.StringVar(&mode, "mode", "", "CPU compatibility mode override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fnhost %s", commands["run"].usage)
	}
	path := fs.Arg(0)

	cfg, err := g.load()
	if err != nil {
		return err
	}
	data, err := readInput(input)
	if err != nil {
		return err
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var log *zap.Logger
	if g.logLevel != "" {
		if log, err = newLogger(cfg.Log); err != nil {
			return err
		}
	}

	ctx := context.Background()
	a, err := setup(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	comp, err := a.host.Load(ctx, path, runtime.LoadOptions{Mode: engine.CompatMode(mode)})
	if err != nil {
		return err
	}

	var outcome response.First
	_, runErr := a.host.Invoke(ctx, comp, data, runtime.LinkOptions{
		Dispatcher: a.dispatcher,
		Sender:     &outcome,
		RequestID:  requestID,
		Stdout:     os.Stderr,
		Stderr:     os.Stderr,
		Flavor:     a.flavor(),
	})

	status, ok := outcome.Status()
	switch {
	case ok:
		printStatus(os.Stdout, status)
	case runErr == nil:
		fmt.Fprintln(os.Stderr, "no outcome published")
	}
	if runErr != nil {
		if code, ok := errors.ExitCode(runErr); ok {
			return exitError{code: int(code)}
		}
		return runErr
	}
	if !ok || status.Kind != response.Success {
		return exitError{code: 1}
	}
	return nil
}

func readInput(input string) ([]byte, error) {
	switch input {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(input)
}

func printStatus(w io.Writer, s response.Status) {
	switch s.Kind {
	case response.Exited:
		fmt.Fprintf(w, "%s (%d)\n", s.Kind, s.Code)
	case response.Success:
		_, _ = w.Write(s.Body)
		if len(s.Body) > 0 && s.Body[len(s.Body)-1] != '\n' {
			fmt.Fprintln(w)
		}
	default:
		fmt.Fprintf(w, "%s: %s\n", s.Kind, s.Body)
	}
}

func precompileCmd(args []string) error {
	var (
		g      globalFlags
		target string
		mode   string
		out    string
	)
	fs := pflag.NewFlagSet("precompile", pflag.ContinueOnError)
	g.add(fs)
	fs.StringVar(&target, "target", "", "GOOS/GOARCH to compile for (default: this host)")
	fs.StringVar(&mode, "mode", "", "CPU compatibility mode (default from engine.compat_mode)")
	fs.StringVarP(&out, "output", "o", "", "output path (default: <module>.cwasm)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: fnhost %s", commands["precompile"].usage)
	}
	path := fs.Arg(0)

	cfg, err := g.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := setup(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	compat := cfg.CompatMode()
	if mode != "" {
		compat = engine.ParseCompatMode(mode)
	}
	data, err := a.host.Precompile(ctx, path, target, compat)
	if err != nil {
		return err
	}
	if out == "" {
		out = runtime.PrecompiledPath(path)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	if target == "" {
		target = engine.HostTarget()
	}
	fmt.Printf("%s -> %s (%s, %s, %d bytes)\n", path, out, target, compat, len(data))
	return nil
}
