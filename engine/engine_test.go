package engine

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/fnhost/errors"
	"github.com/wippyai/fnhost/internal/wasmtest"
)

func TestParseCompatMode(t *testing.T) {
	tests := map[string]CompatMode{
		"":              CompatDefault,
		"default":       CompatDefault,
		"high":          CompatHigh,
		"HIGH":          CompatHigh,
		"cpu:core2quad": CompatCore2Quad,
		"cpu:pentium":   CompatDefault,
		"garbage":       CompatDefault,
	}
	for in, want := range tests {
		if got := ParseCompatMode(in); got != want {
			t.Errorf("ParseCompatMode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompatModeFromEnv(t *testing.T) {
	t.Setenv(CompatModeEnv, "cpu:core2quad")
	if got := CompatModeFromEnv(); got != CompatCore2Quad {
		t.Errorf("CompatModeFromEnv = %q", got)
	}
	t.Setenv(CompatModeEnv, "bogus")
	if got := CompatModeFromEnv(); got != CompatDefault {
		t.Errorf("CompatModeFromEnv bogus = %q", got)
	}
}

func TestCoreFeatures(t *testing.T) {
	if !coreFeatures(CompatDefault).IsEnabled(api.CoreFeatureSIMD) {
		t.Error("default mode should enable SIMD")
	}
	for _, m := range []CompatMode{CompatHigh, CompatCore2Quad} {
		if coreFeatures(m).IsEnabled(api.CoreFeatureSIMD) {
			t.Errorf("%s should disable SIMD", m)
		}
		if !coreFeatures(m).IsEnabled(api.CoreFeatureBulkMemoryOperations) {
			t.Errorf("%s should keep other V2 features", m)
		}
	}
}

func TestNewWazeroEngine(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		cfg  *Config
		name string
	}{
		{nil, "nil config"},
		{&Config{}, "default config"},
		{&Config{MemoryLimitPages: 256}, "16MB limit"},
		{&Config{CompatMode: CompatHigh}, "high compat"},
		{&Config{Target: "plan9/386"}, "foreign target"},
		{&Config{CacheDir: t.TempDir()}, "cache dir"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng, err := NewWazeroEngine(ctx, tc.cfg)
			if err != nil {
				t.Fatalf("NewWazeroEngine failed: %v", err)
			}
			defer eng.Close(ctx)

			if eng.Runtime() == nil {
				t.Error("engine runtime should not be nil")
			}
			if eng.Config().Target == "" || eng.Config().CompatMode == "" {
				t.Errorf("config not resolved: %+v", eng.Config())
			}
		})
	}
}

func TestCompile(t *testing.T) {
	ctx := context.Background()
	eng, err := NewWazeroEngine(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close(ctx)

	if _, err := eng.Compile(ctx, wasmtest.Noop()); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	_, err = eng.Compile(ctx, []byte("not wasm"))
	if !errors.IsLoad(err) {
		t.Errorf("Compile garbage = %v, want load error", err)
	}
}

func TestCompile_ForeignTargetValidates(t *testing.T) {
	ctx := context.Background()
	eng, err := NewWazeroEngine(ctx, &Config{Target: "windows/arm64"})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close(ctx)

	if eng.Config().Native() {
		t.Fatal("windows/arm64 reported native")
	}
	if _, err := eng.Compile(ctx, wasmtest.Echo()); err != nil {
		t.Errorf("validation of a valid module failed: %v", err)
	}
}

func TestInitWASI(t *testing.T) {
	ctx := context.Background()
	eng, _ := NewWazeroEngine(ctx, nil)
	defer eng.Close(ctx)

	for i := 0; i < 2; i++ {
		if err := eng.InitWASI(ctx); err != nil {
			t.Fatalf("InitWASI #%d: %v", i, err)
		}
	}
	if eng.Runtime().Module(wasiModuleName) == nil {
		t.Error("WASI module not instantiated")
	}
}

func TestPrecompile_RoundTrip(t *testing.T) {
	ctx := context.Background()
	wasm := wasmtest.Echo()

	data, err := Precompile(ctx, wasm, Config{CompatMode: CompatHigh})
	if err != nil {
		t.Fatalf("Precompile: %v", err)
	}

	a, err := DecodeArtifact(data)
	if err != nil {
		t.Fatalf("DecodeArtifact: %v", err)
	}
	if a.Header.Target != HostTarget() || a.Header.CompatMode != string(CompatHigh) {
		t.Errorf("header = %+v", a.Header)
	}
	if string(a.Wasm) != string(wasm) {
		t.Error("wasm bytes not preserved")
	}

	cacheDir := t.TempDir()
	eng, err := NewWazeroEngine(ctx, &Config{CompatMode: CompatHigh, CacheDir: cacheDir})
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close(ctx)

	compiled, header, err := eng.LoadArtifact(ctx, data)
	if err != nil {
		t.Fatalf("LoadArtifact: %v", err)
	}
	if header.Target != HostTarget() {
		t.Errorf("header target = %q", header.Target)
	}
	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		t.Error("_start missing from loaded module")
	}
	for rel := range a.Cache {
		if _, err := os.Stat(filepath.Join(cacheDir, filepath.FromSlash(rel))); err != nil {
			t.Errorf("cache file %s not restored: %v", rel, err)
		}
	}
}

func TestPrecompile_ForeignTarget(t *testing.T) {
	ctx := context.Background()
	data, err := Precompile(ctx, wasmtest.Noop(), Config{Target: "linux/riscv64-foreign"})
	if err != nil {
		t.Fatalf("Precompile: %v", err)
	}
	a, err := DecodeArtifact(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Cache) != 0 {
		t.Errorf("foreign artifact carries %d cache files", len(a.Cache))
	}

	eng, _ := NewWazeroEngine(ctx, nil)
	defer eng.Close(ctx)
	_, _, err = eng.LoadArtifact(ctx, data)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindUnsupported}) {
		t.Errorf("LoadArtifact foreign = %v, want [load] unsupported", err)
	}
}

func TestPrecompile_InvalidModule(t *testing.T) {
	if _, err := Precompile(context.Background(), []byte{0, 'a', 's', 'm'}, Config{}); !errors.IsLoad(err) {
		t.Errorf("Precompile invalid = %v", err)
	}
}

func TestDecodeArtifact_Rejects(t *testing.T) {
	invalid := &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindInvalidData}

	if _, err := DecodeArtifact([]byte("XXXX\x00\x01\x00\x00\x00\x00")); !stderrors.Is(err, invalid) {
		t.Errorf("bad magic = %v", err)
	}
	if _, err := DecodeArtifact([]byte("FN")); !stderrors.Is(err, invalid) {
		t.Errorf("short = %v", err)
	}
	if _, err := DecodeArtifact([]byte("FNHC\x00\x09\x00\x00\x00\x00")); !stderrors.Is(err, &errors.Error{Kind: errors.KindUnsupported}) {
		t.Errorf("future version = %v", err)
	}
	if _, err := DecodeArtifact([]byte("FNHC\x00\x01\x00\x00\xff\xff")); !stderrors.Is(err, invalid) {
		t.Errorf("oversized header = %v", err)
	}

	wasm := wasmtest.Noop()
	a := &Artifact{Header: ArtifactHeader{Target: HostTarget(), Digest: Digest([]byte("other"))}, Wasm: wasm}
	data, err := a.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeArtifact(data); !stderrors.Is(err, invalid) {
		t.Errorf("digest mismatch = %v", err)
	}

	a.Header.Digest = Digest(wasm)
	data, _ = a.Encode()
	if _, err := DecodeArtifact(data[:len(data)-4]); !stderrors.Is(err, invalid) {
		t.Errorf("truncated payload = %v", err)
	}
}

func TestDigest_Keyed(t *testing.T) {
	d := Digest([]byte("abc"))
	if len(d) != 32 {
		t.Fatalf("digest length %d", len(d))
	}
	if string(d) == string(Digest([]byte("abd"))) {
		t.Error("different inputs share a digest")
	}
}

func TestWriteCacheDir_RejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if err := writeCacheDir(dir, map[string][]byte{"../evil": []byte("x")}); err == nil {
		t.Error("escaping path accepted")
	}
	if err := writeCacheDir(dir, map[string][]byte{"sub/file": []byte("x")}); err != nil {
		t.Fatal(err)
	}
	files, err := readCacheDir(dir)
	if err != nil || string(files["sub/file"]) != "x" {
		t.Errorf("readCacheDir = %v, %v", files, err)
	}
}
