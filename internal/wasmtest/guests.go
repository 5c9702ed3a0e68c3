package wasmtest

const (
	modRunState = "fnhost:rt/runstate"
	modIO       = "fnhost:io/dispatch"
	modWASI     = "wasi_snapshot_preview1"

	heapBase  = 4096
	retArea   = 16
	ioRet     = 32
	pollRet   = 48
	logCtx    = 256
	logMsg    = 272
	pathBase  = 512
	pageCount = 2
)

// Sig names an import and its core signature.
type Sig struct {
	Module  string
	Name    string
	Params  []ValType
	Results []ValType
}

func base() *Module {
	m := &Module{}
	m.Memory(pageCount)
	return m
}

// addRealloc defines a bump-allocating cabi_realloc over a heap global.
func addRealloc(m *Module) {
	heap := m.Global(heapBase)
	body := (&Code{}).
		GlobalGet(heap).LocalSet(4).
		GlobalGet(heap).LocalGet(3).I32Add().I32Const(7).I32Add().I32Const(-8).I32And().GlobalSet(heap).
		LocalGet(4)
	idx := m.Func([]ValType{I32, I32, I32, I32}, []ValType{I32}, []ValType{I32}, body.Bytes())
	m.Export("cabi_realloc", idx)
}

func start(m *Module, c *Code) {
	m.Export("_start", m.Func(nil, nil, nil, c.Bytes()))
}

// Trap returns a guest whose _start executes unreachable.
func Trap() []byte {
	m := base()
	addRealloc(m)
	start(m, (&Code{}).Unreachable())
	return m.Bytes()
}

// Noop returns a guest whose _start returns immediately.
func Noop() []byte {
	m := base()
	addRealloc(m)
	start(m, &Code{})
	return m.Bytes()
}

// Exit returns a guest that calls proc_exit(code).
func Exit(code int32) []byte {
	m := base()
	exit := m.Import(modWASI, "proc_exit", []ValType{I32}, nil)
	addRealloc(m)
	start(m, (&Code{}).I32Const(code).Call(exit))
	return m.Bytes()
}

// Echo returns a guest that logs once and then reports its input through
// runstate success.
func Echo() []byte {
	return reporter("success")
}

// Fail returns a guest that reports its input through runstate failure.
func Fail() []byte {
	return reporter("failure")
}

func reporter(fn string) []byte {
	m := base()
	getInput := m.Import(modRunState, "get-input", []ValType{I32}, nil)
	report := m.Import(modRunState, fn, []ValType{I32, I32}, nil)
	logf := m.Import(modRunState, "log", []ValType{I32, I32, I32, I32, I32}, nil)
	addRealloc(m)

	m.Data(logCtx, []byte("guest"))
	m.Data(logMsg, []byte(fn))

	c := (&Code{}).
		I32Const(2).I32Const(logCtx).I32Const(5).I32Const(logMsg).I32Const(int32(len(fn))).Call(logf).
		I32Const(retArea).Call(getInput).
		I32Const(retArea).I32Load(0).I32Const(retArea).I32Load(4).Call(report)
	start(m, c)
	return m.Bytes()
}

// Repeat returns a guest that reports its input through runstate success n
// times.
func Repeat(n int) []byte {
	m := base()
	getInput := m.Import(modRunState, "get-input", []ValType{I32}, nil)
	success := m.Import(modRunState, "success", []ValType{I32, I32}, nil)
	addRealloc(m)

	c := (&Code{}).I32Const(retArea).Call(getInput)
	for range n {
		c.I32Const(retArea).I32Load(0).I32Const(retArea).I32Load(4).Call(success)
	}
	start(m, c)
	return m.Bytes()
}

// IOEcho returns a guest that invokes path with its input as payload,
// polls until the result arrives, yielding between polls, and reports the
// result through success. An invoke error is reported through failure as
// a single byte holding the error case.
func IOEcho(path string) []byte {
	m := base()
	getInput := m.Import(modRunState, "get-input", []ValType{I32}, nil)
	success := m.Import(modRunState, "success", []ValType{I32, I32}, nil)
	failure := m.Import(modRunState, "failure", []ValType{I32, I32}, nil)
	invoke := m.Import(modIO, "invoke", []ValType{I32, I32, I32, I32, I32}, nil)
	poll := m.Import(modIO, "poll", []ValType{I64, I32}, nil)
	yield := m.Import(modWASI, "sched_yield", nil, []ValType{I32})
	addRealloc(m)

	m.Data(pathBase, []byte(path))

	c := (&Code{}).
		I32Const(retArea).Call(getInput).
		I32Const(pathBase).I32Const(int32(len(path))).
		I32Const(retArea).I32Load(0).I32Const(retArea).I32Load(4).
		I32Const(ioRet).Call(invoke).
		I32Const(ioRet).I32Load8U(0).If().
		I32Const(ioRet+8).I32Const(1).Call(failure).Return().
		End().
		Block().Loop().
		I32Const(ioRet).I64Load(8).I32Const(pollRet).Call(poll).
		I32Const(pollRet).I32Load8U(0).I32Eqz().BrIf(1).
		I32Const(pollRet).I32Load8U(4).If().Unreachable().End().
		Call(yield).Drop().
		Br(0).
		End().End().
		I32Const(pollRet).I32Load(4).I32Const(pollRet).I32Load(8).Call(success)
	start(m, c)
	return m.Bytes()
}

// Proxy returns a guest that imports each sig and re-exports it as
// "call:<name>" with the same signature, so tests can drive host
// functions with pointers into the guest's own memory.
func Proxy(sigs ...Sig) []byte {
	m := base()
	imports := make([]uint32, len(sigs))
	for i, s := range sigs {
		imports[i] = m.Import(s.Module, s.Name, s.Params, s.Results)
	}
	addRealloc(m)
	start(m, &Code{})
	for i, s := range sigs {
		c := &Code{}
		for p := range s.Params {
			c.LocalGet(uint32(p))
		}
		c.Call(imports[i])
		m.Export("call:"+s.Name, m.Func(s.Params, s.Results, nil, c.Bytes()))
	}
	return m.Bytes()
}

// Unlinked returns a guest importing a function no host provides.
func Unlinked() []byte {
	m := base()
	m.Import("env", "missing", nil, nil)
	addRealloc(m)
	start(m, &Code{})
	return m.Bytes()
}

// HeapBase is where the guest allocator starts.
const HeapBase = heapBase
