package linker

import (
	"context"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/fnhost/errors"
)

// guestMemory lifts and lowers values in the calling module's linear
// memory. Every failure panics with a structured error; wazero turns the
// panic into a trap of the calling invocation.
type guestMemory struct {
	ctx context.Context
	mod api.Module
	mem api.Memory
	fn  string
}

func newGuestMemory(ctx context.Context, mod api.Module, fn string) *guestMemory {
	mem := mod.Memory()
	if mem == nil {
		panic(errors.NotInitialized(errors.PhaseCapability, "memory"))
	}
	return &guestMemory{ctx: ctx, mod: mod, mem: mem, fn: fn}
}

func (g *guestMemory) oob(ptr, n uint32) *errors.Error {
	return errors.OutOfBounds(errors.PhaseCapability, []string{g.fn}, ptr, n)
}

// read copies n bytes at ptr out of guest memory.
func (g *guestMemory) read(ptr, n uint32) []byte {
	b, ok := g.mem.Read(ptr, n)
	if !ok {
		panic(g.oob(ptr, n))
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (g *guestMemory) readString(ptr, n uint32) string {
	b, ok := g.mem.Read(ptr, n)
	if !ok {
		panic(g.oob(ptr, n))
	}
	return string(b)
}

func (g *guestMemory) write(ptr uint32, b []byte) {
	if !g.mem.Write(ptr, b) {
		panic(g.oob(ptr, uint32(len(b))))
	}
}

func (g *guestMemory) writeU8(ptr uint32, v uint8) {
	if !g.mem.WriteByte(ptr, v) {
		panic(g.oob(ptr, 1))
	}
}

func (g *guestMemory) writeU32(ptr, v uint32) {
	if !g.mem.WriteUint32Le(ptr, v) {
		panic(g.oob(ptr, 4))
	}
}

func (g *guestMemory) writeU64(ptr uint32, v uint64) {
	if !g.mem.WriteUint64Le(ptr, v) {
		panic(g.oob(ptr, 8))
	}
}

// alloc reserves size bytes through the guest's cabi_realloc.
func (g *guestMemory) alloc(size, align uint32) uint32 {
	if size == 0 {
		return 0
	}
	realloc := g.mod.ExportedFunction(CabiRealloc)
	if realloc == nil {
		panic(errors.NotFound(errors.PhaseCapability, "export", CabiRealloc))
	}
	res, err := realloc.Call(g.ctx, 0, 0, uint64(align), uint64(size))
	if err != nil || len(res) == 0 {
		panic(errors.AllocationFailed(errors.PhaseCapability, size, align))
	}
	ptr := uint32(res[0])
	if _, ok := g.mem.Read(ptr, size); !ok {
		panic(g.oob(ptr, size))
	}
	return ptr
}

// lowerBytes copies b into freshly allocated guest memory.
func (g *guestMemory) lowerBytes(b []byte) (ptr, n uint32) {
	n = uint32(len(b))
	ptr = g.alloc(n, 1)
	if n > 0 {
		g.write(ptr, b)
	}
	return ptr, n
}

func (g *guestMemory) lowerString(s string) (ptr, n uint32) {
	return g.lowerBytes([]byte(s))
}

// lowerStrings writes a list<string> and returns its (ptr, len).
func (g *guestMemory) lowerStrings(ss []string) (ptr, n uint32) {
	n = uint32(len(ss))
	ptr = g.alloc(n*8, 4)
	elems := make([]byte, 0, n*8)
	for _, s := range ss {
		sp, sl := g.lowerString(s)
		elems = binary.LittleEndian.AppendUint32(elems, sp)
		elems = binary.LittleEndian.AppendUint32(elems, sl)
	}
	if n > 0 {
		g.write(ptr, elems)
	}
	return ptr, n
}

// writeList stores a (ptr, len) pair at addr.
func (g *guestMemory) writeList(addr, ptr, n uint32) {
	g.writeU32(addr, ptr)
	g.writeU32(addr+4, n)
}

// liftOptionString decodes a flattened option<string>.
func (g *guestMemory) liftOptionString(disc, ptr, n uint32) (string, bool) {
	if disc == 0 {
		return "", false
	}
	return g.readString(ptr, n), true
}
