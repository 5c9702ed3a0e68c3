// Package engine configures wazero runtimes and handles precompiled
// artifacts.
//
// # Compatibility Modes
//
// An engine is built for a target (GOOS/GOARCH) and a CompatMode:
//
//	default        all wazero core features, SIMD included
//	high           SIMD disabled
//	cpu:core2quad  SIMD disabled
//
// CompatModeFromEnv reads FNHOST_CPU_COMPAT_MODE. Unknown values select
// default. An engine for a foreign target runs the interpreter and is only
// useful for validation.
//
// # Precompiled Artifacts
//
// A .cwasm artifact is laid out as:
//
//	"FNHC" | u16 version | u32 header length | CBOR header | zstd(CBOR body)
//
// The header carries the target, compat mode, wazero version and a keyed
// BLAKE3 digest of the wasm bytes. The body carries the wasm bytes and,
// for host-target artifacts, the wazero compilation cache files produced
// while compiling. LoadArtifact restores those files into the engine's
// cache directory before compiling, so the machine code is reused instead
// of regenerated.
//
// # Thread Safety
//
// WazeroEngine is safe for concurrent use.
package engine
