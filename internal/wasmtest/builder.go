// Package wasmtest assembles small core wasm modules for tests.
package wasmtest

import "bytes"

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secCode     = 10
	secData     = 11

	exportFunc   = 0x00
	exportMemory = 0x02
)

type funcType struct {
	params  []ValType
	results []ValType
}

type importFunc struct {
	module string
	name   string
	typ    uint32
}

type function struct {
	typ    uint32
	locals []ValType
	body   []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type global struct {
	init int32
	typ  ValType
}

type segment struct {
	data   []byte
	offset uint32
}

// Module accumulates definitions. Imports must be added before functions
// so function indices stay stable.
type Module struct {
	types    []funcType
	imports  []importFunc
	funcs    []function
	globals  []global
	exports  []export
	data     []segment
	memPages uint32
}

func (m *Module) typeIndex(params, results []ValType) uint32 {
	for i, t := range m.types {
		if bytes.Equal(vt(t.params), vt(params)) && bytes.Equal(vt(t.results), vt(results)) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

func vt(v []ValType) []byte {
	b := make([]byte, len(v))
	for i, t := range v {
		b[i] = byte(t)
	}
	return b
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: Import after Func")
	}
	m.imports = append(m.imports, importFunc{module: module, name: name, typ: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines a function and returns its index. body excludes the
// trailing end opcode.
func (m *Module) Func(params, results, locals []ValType, body []byte) uint32 {
	m.funcs = append(m.funcs, function{typ: m.typeIndex(params, results), locals: locals, body: body})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Global defines a mutable i32 global and returns its index.
func (m *Module) Global(init int32) uint32 {
	m.globals = append(m.globals, global{typ: I32, init: init})
	return uint32(len(m.globals) - 1)
}

// Memory defines memory 0 with the given minimum pages, exported as "memory".
func (m *Module) Memory(pages uint32) {
	m.memPages = pages
	m.exports = append(m.exports, export{name: "memory", kind: exportMemory})
}

// Export exports function idx under name.
func (m *Module) Export(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: exportFunc, idx: idx})
}

// Data places b at offset in memory 0.
func (m *Module) Data(offset uint32, b []byte) {
	m.data = append(m.data, segment{offset: offset, data: b})
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint64(len(m.types))))
		for _, t := range m.types {
			s.WriteByte(0x60)
			s.Write(uleb(uint64(len(t.params))))
			s.Write(vt(t.params))
			s.Write(uleb(uint64(len(t.results))))
			s.Write(vt(t.results))
		}
		section(&out, secType, s.Bytes())
	}

	if len(m.imports) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint64(len(m.imports))))
		for _, im := range m.imports {
			s.Write(name(im.module))
			s.Write(name(im.name))
			s.WriteByte(0x00)
			s.Write(uleb(uint64(im.typ)))
		}
		section(&out, secImport, s.Bytes())
	}

	if len(m.funcs) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint64(len(m.funcs))))
		for _, f := range m.funcs {
			s.Write(uleb(uint64(f.typ)))
		}
		section(&out, secFunction, s.Bytes())
	}

	if m.memPages > 0 {
		var s bytes.Buffer
		s.Write(uleb(1))
		s.WriteByte(0x00)
		s.Write(uleb(uint64(m.memPages)))
		section(&out, secMemory, s.Bytes())
	}

	if len(m.globals) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint64(len(m.globals))))
		for _, g := range m.globals {
			s.WriteByte(byte(g.typ))
			s.WriteByte(0x01)
			s.WriteByte(opI32Const)
			s.Write(sleb(int64(g.init)))
			s.WriteByte(opEnd)
		}
		section(&out, secGlobal, s.Bytes())
	}

	if len(m.exports) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint64(len(m.exports))))
		for _, e := range m.exports {
			s.Write(name(e.name))
			s.WriteByte(e.kind)
			s.Write(uleb(uint64(e.idx)))
		}
		section(&out, secExport, s.Bytes())
	}

	if len(m.funcs) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint64(len(m.funcs))))
		for _, f := range m.funcs {
			var body bytes.Buffer
			body.Write(uleb(uint64(len(f.locals))))
			for _, l := range f.locals {
				body.Write(uleb(1))
				body.WriteByte(byte(l))
			}
			body.Write(f.body)
			body.WriteByte(opEnd)
			s.Write(uleb(uint64(body.Len())))
			s.Write(body.Bytes())
		}
		section(&out, secCode, s.Bytes())
	}

	if len(m.data) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint64(len(m.data))))
		for _, d := range m.data {
			s.WriteByte(0x00)
			s.WriteByte(opI32Const)
			s.Write(sleb(int64(d.offset)))
			s.WriteByte(opEnd)
			s.Write(uleb(uint64(len(d.data))))
			s.Write(d.data)
		}
		section(&out, secData, s.Bytes())
	}

	return out.Bytes()
}

func section(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	out.Write(uleb(uint64(len(payload))))
	out.Write(payload)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func sleb(v int64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}
