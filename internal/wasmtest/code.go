package wasmtest

const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opIf          = 0x04
	opEnd         = 0x0b
	opBr          = 0x0c
	opBrIf        = 0x0d
	opReturn      = 0x0f
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Load     = 0x28
	opI64Load     = 0x29
	opI32Load8U   = 0x2d
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Eqz      = 0x45
	opI32Add      = 0x6a
	opI32And      = 0x71

	blockEmpty = 0x40
)

// Code builds a function body.
type Code struct {
	b []byte
}

func (c *Code) op(b ...byte) *Code {
	c.b = append(c.b, b...)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) Block() *Code       { return c.op(opBlock, blockEmpty) }
func (c *Code) Loop() *Code        { return c.op(opLoop, blockEmpty) }
func (c *Code) If() *Code          { return c.op(opIf, blockEmpty) }
func (c *Code) End() *Code         { return c.op(opEnd) }
func (c *Code) Return() *Code      { return c.op(opReturn) }
func (c *Code) Drop() *Code        { return c.op(opDrop) }
func (c *Code) I32Eqz() *Code      { return c.op(opI32Eqz) }
func (c *Code) I32Add() *Code      { return c.op(opI32Add) }
func (c *Code) I32And() *Code      { return c.op(opI32And) }

func (c *Code) Br(depth uint32) *Code   { return c.op(opBr).op(uleb(uint64(depth))...) }
func (c *Code) BrIf(depth uint32) *Code { return c.op(opBrIf).op(uleb(uint64(depth))...) }
func (c *Code) Call(idx uint32) *Code   { return c.op(opCall).op(uleb(uint64(idx))...) }

func (c *Code) LocalGet(i uint32) *Code  { return c.op(opLocalGet).op(uleb(uint64(i))...) }
func (c *Code) LocalSet(i uint32) *Code  { return c.op(opLocalSet).op(uleb(uint64(i))...) }
func (c *Code) GlobalGet(i uint32) *Code { return c.op(opGlobalGet).op(uleb(uint64(i))...) }
func (c *Code) GlobalSet(i uint32) *Code { return c.op(opGlobalSet).op(uleb(uint64(i))...) }

func (c *Code) I32Const(v int32) *Code { return c.op(opI32Const).op(sleb(int64(v))...) }
func (c *Code) I64Const(v int64) *Code { return c.op(opI64Const).op(sleb(v)...) }

// I32Load loads from the address on the stack plus offset.
func (c *Code) I32Load(offset uint32) *Code {
	return c.op(opI32Load, 2).op(uleb(uint64(offset))...)
}

func (c *Code) I64Load(offset uint32) *Code {
	return c.op(opI64Load, 3).op(uleb(uint64(offset))...)
}

func (c *Code) I32Load8U(offset uint32) *Code {
	return c.op(opI32Load8U, 0).op(uleb(uint64(offset))...)
}

// Bytes returns the body without the trailing end.
func (c *Code) Bytes() []byte {
	return c.b
}
