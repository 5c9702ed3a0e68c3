package linker

import (
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
)

const (
	// MaxFlatParams is the canonical ABI limit for flattened parameters.
	MaxFlatParams = 16

	// MaxFlatResults is the canonical ABI limit for flattened results;
	// larger results are written through a caller-supplied retptr.
	MaxFlatResults = 1

	// CabiRealloc is the guest export host functions allocate through.
	CabiRealloc = "cabi_realloc"
)

// Layout is the in-memory size and alignment of a WIT type.
type Layout struct {
	Size  uint32
	Align uint32
}

func alignTo(offset, align uint32) uint32 {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

func discriminantSize(cases int) uint32 {
	switch {
	case cases <= 256:
		return 1
	case cases <= 65536:
		return 2
	}
	return 4
}

// layoutOf computes the canonical ABI layout of t.
func layoutOf(t wit.Type) Layout {
	switch typ := t.(type) {
	case wit.U8, wit.S8, wit.Bool:
		return Layout{Size: 1, Align: 1}
	case wit.U16, wit.S16:
		return Layout{Size: 2, Align: 2}
	case wit.U32, wit.S32, wit.F32, wit.Char:
		return Layout{Size: 4, Align: 4}
	case wit.U64, wit.S64, wit.F64:
		return Layout{Size: 8, Align: 8}
	case wit.String:
		return Layout{Size: 8, Align: 4}
	case *wit.TypeDef:
		return layoutOfDef(typ)
	}
	return Layout{Size: 0, Align: 1}
}

func layoutOfDef(t *wit.TypeDef) Layout {
	switch kind := t.Kind.(type) {
	case *wit.List:
		return Layout{Size: 8, Align: 4}
	case *wit.Enum:
		n := discriminantSize(len(kind.Cases))
		return Layout{Size: n, Align: n}
	case *wit.Record:
		offset, maxAlign := uint32(0), uint32(1)
		for _, f := range kind.Fields {
			fl := layoutOf(f.Type)
			offset = alignTo(offset, fl.Align) + fl.Size
			maxAlign = max(maxAlign, fl.Align)
		}
		return Layout{Size: alignTo(offset, maxAlign), Align: maxAlign}
	case *wit.Option:
		inner := layoutOf(kind.Type)
		align := max(inner.Align, 1)
		return Layout{Size: alignTo(payloadOffset(1, align)+inner.Size, align), Align: align}
	case *wit.Result:
		size, align := uint32(0), uint32(1)
		for _, c := range []wit.Type{kind.OK, kind.Err} {
			if c == nil {
				continue
			}
			cl := layoutOf(c)
			size, align = max(size, cl.Size), max(align, cl.Align)
		}
		return Layout{Size: alignTo(payloadOffset(1, align)+size, align), Align: align}
	case wit.Type:
		return layoutOf(kind)
	}
	return Layout{Size: 0, Align: 1}
}

func payloadOffset(disc, align uint32) uint32 {
	return alignTo(disc, max(disc, align))
}

// fieldOffset returns the byte offset of field i of a record type.
func fieldOffset(r *wit.Record, i int) uint32 {
	offset := uint32(0)
	for j, f := range r.Fields {
		fl := layoutOf(f.Type)
		offset = alignTo(offset, fl.Align)
		if j == i {
			return offset
		}
		offset += fl.Size
	}
	return offset
}

// resultPayloadOffset is where the ok/err payload of a result or option
// begins relative to its discriminant.
func resultPayloadOffset(t wit.Type) uint32 {
	return payloadOffset(1, layoutOf(t).Align)
}

// flatten returns the core value types t lowers to.
func flatten(t wit.Type) []api.ValueType {
	switch typ := t.(type) {
	case wit.Bool, wit.U8, wit.S8, wit.U16, wit.S16, wit.U32, wit.S32, wit.Char:
		return []api.ValueType{api.ValueTypeI32}
	case wit.U64, wit.S64:
		return []api.ValueType{api.ValueTypeI64}
	case wit.F32:
		return []api.ValueType{api.ValueTypeF32}
	case wit.F64:
		return []api.ValueType{api.ValueTypeF64}
	case wit.String:
		return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	case *wit.TypeDef:
		switch kind := typ.Kind.(type) {
		case *wit.List:
			return []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
		case *wit.Enum:
			return []api.ValueType{api.ValueTypeI32}
		case *wit.Record:
			var out []api.ValueType
			for _, f := range kind.Fields {
				out = append(out, flatten(f.Type)...)
			}
			return out
		case *wit.Option:
			return append([]api.ValueType{api.ValueTypeI32}, flatten(kind.Type)...)
		case *wit.Result:
			var payload []api.ValueType
			for _, c := range []wit.Type{kind.OK, kind.Err} {
				if c != nil {
					payload = joinFlat(payload, flatten(c))
				}
			}
			return append([]api.ValueType{api.ValueTypeI32}, payload...)
		case wit.Type:
			return flatten(kind)
		}
	}
	return []api.ValueType{api.ValueTypeI32}
}

// joinFlat merges two case payloads slot by slot.
func joinFlat(a, b []api.ValueType) []api.ValueType {
	out := make([]api.ValueType, max(len(a), len(b)))
	for i := range out {
		switch {
		case i >= len(a):
			out[i] = b[i]
		case i >= len(b) || a[i] == b[i]:
			out[i] = a[i]
		case isI32F32(a[i], b[i]):
			out[i] = api.ValueTypeI32
		default:
			out[i] = api.ValueTypeI64
		}
	}
	return out
}

func isI32F32(a, b api.ValueType) bool {
	return (a == api.ValueTypeI32 && b == api.ValueTypeF32) || (a == api.ValueTypeF32 && b == api.ValueTypeI32)
}

// coreSignature derives the core function type of a WIT function. When
// the flattened results exceed MaxFlatResults a trailing i32 retptr param
// replaces them.
func coreSignature(params []wit.Type, result wit.Type) (p, r []api.ValueType, retptr bool) {
	for _, t := range params {
		p = append(p, flatten(t)...)
	}
	if result == nil {
		return p, nil, false
	}
	r = flatten(result)
	if len(r) > MaxFlatResults {
		return append(p, api.ValueTypeI32), nil, true
	}
	return p, r, false
}
