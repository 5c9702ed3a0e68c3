package runtime

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvPrefix marks host environment entries mapped into the guest. The
// prefix is stripped.
const EnvPrefix = "__FNHOST_"

// FlavorEnv names the environment variable that selects the flavor.
const FlavorEnv = "FNHOST_FUNCTION_ENV"

const (
	scratchTmp     = "asmltmp"
	rubyDockerRoot = "/usr/bin/ruby-wasm32-wasi"
	rubyHandler    = "/src/handler.rb"
)

// Flavor is a preset WASI surface for a guest language toolchain.
type Flavor int

const (
	FlavorDefault Flavor = iota
	FlavorRubyDocker
	FlavorRubyLambda
)

// ParseFlavor maps a function environment name to a Flavor. Unknown names
// select FlavorDefault.
func ParseFlavor(s string) Flavor {
	switch s {
	case "ruby-docker":
		return FlavorRubyDocker
	case "ruby-lambda":
		return FlavorRubyLambda
	}
	return FlavorDefault
}

// FlavorFromEnv reads FlavorEnv.
func FlavorFromEnv() Flavor {
	return ParseFlavor(os.Getenv(FlavorEnv))
}

func (f Flavor) String() string {
	switch f {
	case FlavorRubyDocker:
		return "ruby-docker"
	case FlavorRubyLambda:
		return "ruby-lambda"
	}
	return "default"
}

// Preopen maps a host directory into the guest filesystem.
type Preopen struct {
	Host     string
	Guest    string
	ReadOnly bool
}

// Surface is the WASI configuration a flavor grants.
type Surface struct {
	Args     []string
	Env      [][2]string
	Preopens []Preopen
}

// Surface returns the WASI configuration of f with scratch as the host
// root of its writable directories.
func (f Flavor) Surface(scratch string) Surface {
	tmp := Preopen{Host: filepath.Join(scratch, scratchTmp), Guest: "/tmp"}
	switch f {
	case FlavorRubyDocker:
		return rubySurface(
			filepath.Join(rubyDockerRoot, "src"),
			filepath.Join(rubyDockerRoot, "usr"),
			tmp)
	case FlavorRubyLambda:
		return rubySurface(
			filepath.Join(scratch, "rubysrc"),
			filepath.Join(scratch, "rubyusr"),
			tmp)
	}
	return Surface{Preopens: []Preopen{tmp}}
}

func rubySurface(src, usr string, tmp Preopen) Surface {
	return Surface{
		Args: []string{rubyHandler},
		Env:  [][2]string{{"RUBY_PLATFORM", "wasm32-wasi"}},
		Preopens: []Preopen{
			{Host: src, Guest: "/src", ReadOnly: true},
			{Host: usr, Guest: "/usr", ReadOnly: true},
			tmp,
		},
	}
}

// GuestEnv selects the EnvPrefix entries of environ and strips the prefix.
// Entries without '=' or with an empty name after stripping are dropped.
func GuestEnv(environ []string) [][2]string {
	var out [][2]string
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimPrefix(kv, EnvPrefix), "=")
		if !ok || k == "" {
			continue
		}
		out = append(out, [2]string{k, v})
	}
	return out
}
