package wasmtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
)

func TestLEB128(t *testing.T) {
	tests := []struct {
		want []byte
		v    int64
	}{
		{[]byte{0x00}, 0},
		{[]byte{0x7f}, -1},
		{[]byte{0x3f}, 63},
		{[]byte{0xc0, 0x00}, 64},
		{[]byte{0x80, 0x20}, 4096},
		{[]byte{0x78}, -8},
	}
	for _, tt := range tests {
		if got := sleb(tt.v); !bytes.Equal(got, tt.want) {
			t.Errorf("sleb(%d) = %x, want %x", tt.v, got, tt.want)
		}
	}
	if got := uleb(624485); !bytes.Equal(got, []byte{0xe5, 0x8e, 0x26}) {
		t.Errorf("uleb(624485) = %x", got)
	}
}

func TestGuestsCompile(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	guests := map[string][]byte{
		"trap":     Trap(),
		"noop":     Noop(),
		"exit":     Exit(3),
		"echo":     Echo(),
		"fail":     Fail(),
		"repeat":   Repeat(4),
		"io":       IOEcho("a.b.c.d"),
		"unlinked": Unlinked(),
		"proxy": Proxy(Sig{
			Module: "fnhost:io/dispatch", Name: "poll", Params: []ValType{I64, I32},
		}),
	}
	for name, bin := range guests {
		compiled, err := r.CompileModule(ctx, bin)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if _, ok := compiled.ExportedFunctions()["cabi_realloc"]; !ok {
			t.Errorf("%s: cabi_realloc not exported", name)
		}
	}
}

func TestRealloc(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	mod, err := r.InstantiateWithConfig(ctx, Noop(), wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatal(err)
	}
	realloc := mod.ExportedFunction("cabi_realloc")

	first, err := realloc.Call(ctx, 0, 0, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := realloc.Call(ctx, 0, 0, 4, 16)
	if first[0] != HeapBase {
		t.Errorf("first allocation at %d", first[0])
	}
	if second[0] != HeapBase+8 {
		t.Errorf("second allocation at %d, want 8-byte aligned bump", second[0])
	}
}
