package linker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wippyai/fnhost/internal/wasmtest"
	"github.com/wippyai/fnhost/iodispatch"
	"github.com/wippyai/fnhost/jwt"
	"github.com/wippyai/fnhost/policy"
	"github.com/wippyai/fnhost/response"
	"github.com/wippyai/fnhost/secrets"
)

type harness struct {
	ctx context.Context
	rt  wazero.Runtime
	st  *State
	ch  *response.Channel
}

func newHarness(t *testing.T, shared *Shared, d *iodispatch.Dispatcher) *harness {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)
	if err := NewWithDefaults(rt).Install(ctx); err != nil {
		t.Fatal(err)
	}
	ch := response.New(4)
	st := NewState(shared, d, ch, "req-1")
	return &harness{ctx: WithState(ctx, st), rt: rt, st: st, ch: ch}
}

func (h *harness) run(t *testing.T, bin []byte) {
	t.Helper()
	if _, err := h.rt.InstantiateWithConfig(h.ctx, bin, wazero.NewModuleConfig()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func (h *harness) proxy(t *testing.T, sigs ...wasmtest.Sig) api.Module {
	t.Helper()
	mod, err := h.rt.InstantiateWithConfig(h.ctx, wasmtest.Proxy(sigs...), wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	return mod
}

func (h *harness) outcome(t *testing.T) response.Status {
	t.Helper()
	s, ok := h.ch.TryReceive()
	if !ok {
		t.Fatal("no status published")
	}
	return s
}

func i32s(n int) []wasmtest.ValType {
	out := make([]wasmtest.ValType, n)
	for i := range out {
		out[i] = wasmtest.I32
	}
	return out
}

func put(t *testing.T, mod api.Module, addr uint32, s string) (uint64, uint64) {
	t.Helper()
	if !mod.Memory().Write(addr, []byte(s)) {
		t.Fatalf("write at %d", addr)
	}
	return uint64(addr), uint64(len(s))
}

func readList(t *testing.T, mod api.Module, addr uint32) string {
	t.Helper()
	ptr, _ := mod.Memory().ReadUint32Le(addr)
	n, _ := mod.Memory().ReadUint32Le(addr + 4)
	b, ok := mod.Memory().Read(ptr, n)
	if !ok {
		t.Fatalf("list at %d out of range", addr)
	}
	return string(b)
}

func byteAt(mod api.Module, addr uint32) uint8 {
	b, _ := mod.Memory().ReadByte(addr)
	return b
}

func TestEcho(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.st.SetInput([]byte("hello"))
	h.run(t, wasmtest.Echo())

	s := h.outcome(t)
	if s.Kind != response.Success || string(s.Body) != "hello" || s.RequestID != "req-1" {
		t.Errorf("status = %+v", s)
	}
	if got, _ := h.st.Outcome(); got.Kind != response.Success {
		t.Errorf("outcome = %v", got.Kind)
	}
}

func TestFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.st.SetInput([]byte("boom"))
	h.run(t, wasmtest.Fail())

	if s := h.outcome(t); s.Kind != response.Failure || string(s.Body) != "boom" {
		t.Errorf("status = %+v", s)
	}
}

func TestHostCallWithoutState(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	if err := NewWithDefaults(rt).Install(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Instantiate(ctx, wasmtest.Echo()); err == nil {
		t.Error("expected a trap without invocation state")
	}
}

func TestIOEcho(t *testing.T) {
	reg := iodispatch.NewRegistry()
	_ = reg.Register("acme.text.upper", func(_ context.Context, method string, payload []byte) ([]byte, error) {
		return append([]byte(method+":"), payload...), nil
	})
	d := iodispatch.New(reg)
	defer d.Close()

	h := newHarness(t, nil, d)
	h.st.SetInput([]byte("abc"))
	h.run(t, wasmtest.IOEcho("acme.text.upper.run"))

	s := h.outcome(t)
	if s.Kind != response.Success || string(s.Body) != "run:abc" {
		t.Errorf("status = %+v (%q)", s, s.Body)
	}
	if ids := h.st.Issued(); len(ids) != 0 {
		t.Errorf("issued after poll = %v", ids)
	}
}

func TestIOEcho_Errors(t *testing.T) {
	d := iodispatch.New(iodispatch.NewRegistry())
	defer d.Close()

	tests := []struct {
		path string
		want uint8
	}{
		{"acme.text.upper.run", ioErrCoordsNotFound},
		{"not-a-path", ioErrInvalidCoords},
	}
	for _, tt := range tests {
		h := newHarness(t, nil, d)
		h.run(t, wasmtest.IOEcho(tt.path))
		s := h.outcome(t)
		if s.Kind != response.Failure || len(s.Body) != 1 || s.Body[0] != tt.want {
			t.Errorf("%s: status = %+v", tt.path, s)
		}
	}
}

func TestPoll_ForeignIOID(t *testing.T) {
	reg := iodispatch.NewRegistry()
	_ = reg.Register("a.b.c", func(context.Context, string, []byte) ([]byte, error) { return nil, nil })
	d := iodispatch.New(reg)
	defer d.Close()

	other, err := d.Invoke(context.Background(), "a.b.c.m", nil)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, nil, d)
	mod := h.proxy(t, wasmtest.Sig{Module: GroupIO.Module(), Name: "poll", Params: []wasmtest.ValType{wasmtest.I64, wasmtest.I32}})
	if _, err := mod.ExportedFunction("call:poll").Call(h.ctx, uint64(other), 64); err != nil {
		t.Fatal(err)
	}
	if byteAt(mod, 64) != 1 || byteAt(mod, 68) != pollErrInvalidIOID {
		t.Errorf("poll of foreign ioid = %d/%d", byteAt(mod, 64), byteAt(mod, 68))
	}
}

func TestSecrets(t *testing.T) {
	store, err := secrets.NewMemoryStore()
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, NewShared(SharedConfig{Secrets: store}), nil)
	mod := h.proxy(t,
		wasmtest.Sig{Module: GroupSecrets.Module(), Name: "get-secret-value", Params: i32s(3)},
		wasmtest.Sig{Module: GroupSecrets.Module(), Name: "set-secret-value", Params: i32s(7)},
	)
	set := mod.ExportedFunction("call:set-secret-value")
	get := mod.ExportedFunction("call:get-secret-value")

	idp, idl := put(t, mod, 1024, "db")
	vp, vl := put(t, mod, 1040, "pw")
	kp, kl := put(t, mod, 1056, secrets.DefaultKeyID)
	if _, err := set.Call(h.ctx, idp, idl, vp, vl, kp, kl, 64); err != nil {
		t.Fatal(err)
	}
	if byteAt(mod, 64) != 0 || readList(t, mod, 68) != "db" || byteAt(mod, 76) != 0 {
		t.Fatalf("set result disc=%d value=%d", byteAt(mod, 64), byteAt(mod, 76))
	}

	if _, err := get.Call(h.ctx, idp, idl, 128); err != nil {
		t.Fatal(err)
	}
	if byteAt(mod, 128) != 0 || byteAt(mod, 140) != 1 || readList(t, mod, 144) != "pw" {
		t.Errorf("get result disc=%d value=%d", byteAt(mod, 128), byteAt(mod, 140))
	}

	up, ul := put(t, mod, 1072, "missing")
	_, _ = get.Call(h.ctx, up, ul, 192)
	if byteAt(mod, 192) != 0 || byteAt(mod, 204) != 0 {
		t.Errorf("missing secret disc=%d value=%d", byteAt(mod, 192), byteAt(mod, 204))
	}

	np, nl := put(t, mod, 1088, "nope")
	_, _ = set.Call(h.ctx, idp, idl, vp, vl, np, nl, 256)
	if byteAt(mod, 256) != 1 || byteAt(mod, 260) != secretErrForbidden {
		t.Errorf("unknown key disc=%d err=%d", byteAt(mod, 256), byteAt(mod, 260))
	}

	_, _ = set.Call(h.ctx, 0, 0, vp, vl, kp, kl, 320)
	if byteAt(mod, 320) != 1 || byteAt(mod, 324) != secretErrInvalidArgument {
		t.Errorf("empty id disc=%d err=%d", byteAt(mod, 320), byteAt(mod, 324))
	}
}

func TestSecrets_NoStore(t *testing.T) {
	h := newHarness(t, NewShared(SharedConfig{}), nil)
	mod := h.proxy(t, wasmtest.Sig{Module: GroupSecrets.Module(), Name: "get-secret-value", Params: i32s(3)})
	idp, idl := put(t, mod, 1024, "db")
	_, _ = mod.ExportedFunction("call:get-secret-value").Call(h.ctx, idp, idl, 64)
	if byteAt(mod, 64) != 1 || byteAt(mod, 68) != secretErrForbidden {
		t.Errorf("disc=%d err=%d", byteAt(mod, 64), byteAt(mod, 68))
	}
}

func TestPolicy(t *testing.T) {
	h := newHarness(t, nil, nil)
	mod := h.proxy(t,
		wasmtest.Sig{Module: GroupPolicy.Module(), Name: "new-policy", Params: i32s(3)},
		wasmtest.Sig{Module: GroupPolicy.Module(), Name: "eval", Params: i32s(7)},
	)

	bundle, err := policy.Bundle(map[string]string{"authz/allow": `input.user in data.admins`}, []byte(`{"admins":["alice"]}`))
	if err != nil {
		t.Fatal(err)
	}
	bp, bl := put(t, mod, 32768, string(bundle))
	if _, err := mod.ExportedFunction("call:new-policy").Call(h.ctx, bp, bl, 64); err != nil {
		t.Fatal(err)
	}
	if byteAt(mod, 64) != 0 {
		t.Fatalf("new-policy failed: %d", byteAt(mod, 68))
	}
	idPtr, _ := mod.Memory().ReadUint32Le(68)
	idLen, _ := mod.Memory().ReadUint32Le(72)
	if n, _ := mod.Memory().ReadUint32Le(80); n != 1 {
		t.Errorf("entrypoints = %d", n)
	}

	ip, il := put(t, mod, 40000, `{"user":"alice"}`)
	if _, err := mod.ExportedFunction("call:eval").Call(h.ctx, uint64(idPtr), uint64(idLen), 0, 0, ip, il, 128); err != nil {
		t.Fatal(err)
	}
	if byteAt(mod, 128) != 0 || readList(t, mod, 132) != "true" {
		t.Errorf("eval disc=%d", byteAt(mod, 128))
	}

	gp, gl := put(t, mod, 40100, "garbage")
	_, _ = mod.ExportedFunction("call:new-policy").Call(h.ctx, gp, gl, 192)
	if byteAt(mod, 192) != 1 || byteAt(mod, 196) != policyErrInvalidBundle {
		t.Errorf("garbage bundle disc=%d err=%d", byteAt(mod, 192), byteAt(mod, 196))
	}

	up, ul := put(t, mod, 40200, "unknown")
	_, _ = mod.ExportedFunction("call:eval").Call(h.ctx, up, ul, 0, 0, ip, il, 256)
	if byteAt(mod, 256) != 1 || byteAt(mod, 260) != policyErrEvalFailed {
		t.Errorf("unknown policy disc=%d err=%d", byteAt(mod, 256), byteAt(mod, 260))
	}
}

func TestDecodeVerify(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []jwt.Key{{
			Kid: "k1", Kty: "RSA", Alg: "RS256",
			N: base64.RawURLEncoding.EncodeToString(priv.N.Bytes()),
			E: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes()),
		}}})
	}))
	defer srv.Close()

	tok := gojwt.NewWithClaims(gojwt.SigningMethodRS256, gojwt.MapClaims{
		"iss": "issuer", "aud": "svc", "exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, NewShared(SharedConfig{}), nil)
	mod := h.proxy(t, wasmtest.Sig{Module: GroupJWT.Module(), Name: "decode-verify", Params: i32s(11)})
	call := mod.ExportedFunction("call:decode-verify")

	tp, tl := put(t, mod, 8192, signed)
	up, ul := put(t, mod, 16384, srv.URL)
	ip, il := put(t, mod, 16640, "issuer")
	ap, al := put(t, mod, 16704, "svc")
	xp, xl := put(t, mod, 16768, "other")

	tests := []struct {
		name  string
		args  []uint64
		valid bool
	}{
		{"no params", []uint64{0, 0, 0, 0, 0, 0}, true},
		{"issuer and audience", []uint64{1, ip, il, 1, ap, al}, true},
		{"wrong issuer", []uint64{1, xp, xl, 0, 0, 0}, false},
		{"wrong audience", []uint64{0, 0, 0, 1, xp, xl}, false},
	}
	for i, tt := range tests {
		ret := uint64(64 + 16*i)
		args := append([]uint64{tp, tl, up, ul}, tt.args...)
		if _, err := call.Call(h.ctx, append(args, ret)...); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		disc := byteAt(mod, uint32(ret))
		if tt.valid && (disc != 0 || byteAt(mod, uint32(ret)+1) != 1) {
			t.Errorf("%s: disc=%d", tt.name, disc)
		}
		if !tt.valid && (disc != 1 || byteAt(mod, uint32(ret)+1) != jwtErrInvalidToken) {
			t.Errorf("%s: disc=%d", tt.name, disc)
		}
	}

	bp, bl := put(t, mod, 16900, "not.a.token")
	_, _ = call.Call(h.ctx, bp, bl, up, ul, 0, 0, 0, 0, 0, 0, 512)
	if byteAt(mod, 512) != 1 {
		t.Error("malformed token accepted")
	}
}

func TestLogLevels(t *testing.T) {
	for l := LogTrace; l <= LogError; l++ {
		if l.String() == "unknown" {
			t.Errorf("level %d has no name", l)
		}
	}
	if LogLevel(9).String() != "unknown" {
		t.Error("out of range level")
	}
}
