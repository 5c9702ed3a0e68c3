package engine

import (
	"os"
	goruntime "runtime"
	"strings"
)

// CompatModeEnv selects the CPU compatibility profile for new engines.
const CompatModeEnv = "FNHOST_CPU_COMPAT_MODE"

// CompatMode trades generated-code performance for portability.
type CompatMode string

const (
	CompatDefault   CompatMode = "default"
	CompatHigh      CompatMode = "high"
	CompatCore2Quad CompatMode = "cpu:core2quad"
)

// ParseCompatMode maps s to a CompatMode. Unknown values fall back to
// CompatDefault.
func ParseCompatMode(s string) CompatMode {
	switch CompatMode(strings.TrimSpace(strings.ToLower(s))) {
	case CompatHigh:
		return CompatHigh
	case CompatCore2Quad:
		return CompatCore2Quad
	}
	return CompatDefault
}

// CompatModeFromEnv reads CompatModeEnv.
func CompatModeFromEnv() CompatMode {
	return ParseCompatMode(os.Getenv(CompatModeEnv))
}

// HostTarget is the GOOS/GOARCH pair of the running process.
func HostTarget() string {
	return goruntime.GOOS + "/" + goruntime.GOARCH
}

// Config holds configuration for engine creation
type Config struct {
	// CompatMode restricts the instruction set generated code may use.
	// Anything but CompatDefault disables SIMD.
	CompatMode CompatMode

	// Target is the GOOS/GOARCH the engine compiles for. Empty means the
	// host. A foreign target can validate modules but never run them.
	Target string

	// CacheDir enables the on-disk compilation cache.
	CacheDir string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32
}

func (c Config) target() string {
	if c.Target == "" {
		return HostTarget()
	}
	return c.Target
}

func (c Config) mode() CompatMode {
	if c.CompatMode == "" {
		return CompatDefault
	}
	return ParseCompatMode(string(c.CompatMode))
}

// Native reports whether the configured target is the host.
func (c Config) Native() bool {
	return c.target() == HostTarget()
}
