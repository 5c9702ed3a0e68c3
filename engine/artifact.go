package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/klauspost/compress/zstd"
	"github.com/tetratelabs/wazero"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/errors"
	"github.com/wippyai/fnhost/internal/codec"
)

// ArtifactVersion is the precompiled artifact format version.
const ArtifactVersion uint16 = 1

const (
	artifactMagic  = "FNHC"
	fixedHeaderLen = len(artifactMagic) + 2 + 4
	maxHeaderLen   = 1 << 16
)

// artifactDomainKey is "fnhost.artifact.v1" zero-padded to 32 bytes.
var artifactDomainKey = [32]byte{
	'f', 'n', 'h', 'o', 's', 't', '.', 'a', 'r', 't', 'i', 'f', 'a', 'c', 't', '.',
	'v', '1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("engine: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("engine: zstd decoder initialization failed: " + err.Error())
	}
}

// ArtifactHeader describes how an artifact was produced.
type ArtifactHeader struct {
	Target        string `cbor:"target"`
	CompatMode    string `cbor:"compat_mode"`
	WazeroVersion string `cbor:"wazero_version"`
	Digest        []byte `cbor:"digest"`
}

type artifactBody struct {
	Cache map[string][]byte `cbor:"cache"`
	Wasm  []byte            `cbor:"wasm"`
}

// Artifact is a decoded precompiled artifact. Cache holds compilation
// cache files keyed by path relative to the cache directory; it is empty
// for artifacts built for a foreign target.
type Artifact struct {
	Cache  map[string][]byte
	Header ArtifactHeader
	Wasm   []byte
}

// Digest is the keyed BLAKE3 hash recorded in artifact headers.
func Digest(wasm []byte) []byte {
	h, err := blake3.NewKeyed(artifactDomainKey[:])
	if err != nil {
		panic("engine: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(wasm)
	return h.Sum(nil)
}

// WazeroVersion reports the linked wazero module version.
func WazeroVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path == "github.com/tetratelabs/wazero" {
			return dep.Version
		}
	}
	return "unknown"
}

// Encode serializes a.
func (a *Artifact) Encode() ([]byte, error) {
	header, err := codec.Marshal(a.Header)
	if err != nil {
		return nil, errors.Load("encode artifact header", err)
	}
	body, err := codec.Marshal(artifactBody{Wasm: a.Wasm, Cache: a.Cache})
	if err != nil {
		return nil, errors.Load("encode artifact body", err)
	}

	out := make([]byte, 0, fixedHeaderLen+len(header)+len(body)/2)
	out = append(out, artifactMagic...)
	out = binary.BigEndian.AppendUint16(out, ArtifactVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(header)))
	out = append(out, header...)
	return zstdEncoder.EncodeAll(body, out), nil
}

// DecodeArtifact parses and verifies an encoded artifact. It does not
// check the target.
func DecodeArtifact(data []byte) (*Artifact, error) {
	if len(data) < fixedHeaderLen || string(data[:len(artifactMagic)]) != artifactMagic {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Detail("not a precompiled artifact").Build()
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version != ArtifactVersion {
		return nil, errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Detail("artifact format version %d", version).Value(version).Build()
	}
	hlen := binary.BigEndian.Uint32(data[6:10])
	if hlen > maxHeaderLen || int(hlen) > len(data)-fixedHeaderLen {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Detail("artifact header length %d out of range", hlen).Build()
	}

	a := &Artifact{}
	if err := codec.Unmarshal(data[fixedHeaderLen:fixedHeaderLen+int(hlen)], &a.Header); err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "artifact header")
	}

	raw, err := zstdDecoder.DecodeAll(data[fixedHeaderLen+int(hlen):], nil)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "artifact payload")
	}
	var body artifactBody
	if err := codec.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "artifact body")
	}
	a.Wasm, a.Cache = body.Wasm, body.Cache

	if !bytes.Equal(Digest(a.Wasm), a.Header.Digest) {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Detail("artifact digest mismatch").Build()
	}
	return a, nil
}

// Precompile compiles wasm for cfg and packages the result. For the host
// target the compilation cache produced along the way is embedded.
func Precompile(ctx context.Context, wasm []byte, cfg Config) ([]byte, error) {
	cfg.Target = cfg.target()
	cfg.CompatMode = cfg.mode()

	var dir string
	if cfg.Native() {
		var err error
		dir, err = os.MkdirTemp("", "fnhost-precompile-")
		if err != nil {
			return nil, errors.Load("create cache dir", err)
		}
		defer os.RemoveAll(dir)
		cfg.CacheDir = dir
	} else {
		cfg.CacheDir = ""
	}

	eng, err := NewWazeroEngine(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	compiled, err := eng.Compile(ctx, wasm)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}
	_ = compiled.Close(ctx)
	if err := eng.Close(ctx); err != nil {
		return nil, errors.Load("close engine", err)
	}

	a := &Artifact{
		Header: ArtifactHeader{
			Target:        cfg.Target,
			CompatMode:    string(cfg.CompatMode),
			WazeroVersion: WazeroVersion(),
			Digest:        Digest(wasm),
		},
		Wasm: wasm,
	}
	if dir != "" {
		if a.Cache, err = readCacheDir(dir); err != nil {
			return nil, errors.Load("collect compilation cache", err)
		}
	}

	Logger().Info("precompiled",
		zap.String("target", a.Header.Target),
		zap.String("compat_mode", a.Header.CompatMode),
		zap.Int("cache_files", len(a.Cache)))
	return a.Encode()
}

// LoadArtifact decodes data and compiles it on e. The artifact must have
// been built for the host target.
func (e *WazeroEngine) LoadArtifact(ctx context.Context, data []byte) (wazero.CompiledModule, *ArtifactHeader, error) {
	a, err := DecodeArtifact(data)
	if err != nil {
		return nil, nil, err
	}
	compiled, err := e.CompileArtifact(ctx, a)
	if err != nil {
		return nil, nil, err
	}
	return compiled, &a.Header, nil
}

// CompileArtifact compiles an already decoded artifact on e.
func (e *WazeroEngine) CompileArtifact(ctx context.Context, a *Artifact) (wazero.CompiledModule, error) {
	if a.Header.Target != HostTarget() {
		return nil, errors.New(errors.PhaseLoad, errors.KindUnsupported).
			Detail("artifact built for %s, host is %s", a.Header.Target, HostTarget()).
			Value(a.Header.Target).Build()
	}
	if a.Header.WazeroVersion != WazeroVersion() {
		Logger().Debug("artifact from different wazero version",
			zap.String("artifact", a.Header.WazeroVersion),
			zap.String("host", WazeroVersion()))
	}

	if e.cfg.CacheDir != "" && len(a.Cache) > 0 {
		if err := writeCacheDir(e.cfg.CacheDir, a.Cache); err != nil {
			Logger().Warn("restore compilation cache failed", zap.Error(err))
		}
	}

	return e.Compile(ctx, a.Wasm)
}

func readCacheDir(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = b
		return nil
	})
	return files, err
}

func writeCacheDir(dir string, files map[string][]byte) error {
	for rel, b := range files {
		local := filepath.FromSlash(rel)
		if !filepath.IsLocal(local) {
			return errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Detail("cache path %q escapes cache dir", rel).Build()
		}
		path := filepath.Join(dir, local)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return err
		}
	}
	return nil
}
