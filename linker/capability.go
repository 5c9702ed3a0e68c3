package linker

import (
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
)

// Group is a capability group. Each group is one host import module.
type Group int

const (
	GroupIO Group = iota
	GroupRunState
	GroupSecrets
	GroupJWT
	GroupPolicy
)

// AllGroups lists every capability group in table order.
func AllGroups() []Group {
	return []Group{GroupIO, GroupRunState, GroupSecrets, GroupJWT, GroupPolicy}
}

func (g Group) String() string {
	switch g {
	case GroupIO:
		return "io"
	case GroupRunState:
		return "runstate"
	case GroupSecrets:
		return "secrets"
	case GroupJWT:
		return "jwt"
	case GroupPolicy:
		return "policy"
	}
	return "unknown"
}

// Module is the import module name guests use for g.
func (g Group) Module() string {
	switch g {
	case GroupIO:
		return "fnhost:io/dispatch"
	case GroupRunState:
		return "fnhost:rt/runstate"
	case GroupSecrets:
		return "fnhost:secrets/store"
	case GroupJWT:
		return "fnhost:jwt/decoder"
	case GroupPolicy:
		return "fnhost:policy/module"
	}
	return ""
}

// groupOf maps an import module name back to its group.
func groupOf(module string) (Group, bool) {
	for _, g := range AllGroups() {
		if g.Module() == module {
			return g, true
		}
	}
	return 0, false
}

func enumOf(cases ...string) *wit.TypeDef {
	ec := make([]wit.EnumCase, len(cases))
	for i, c := range cases {
		ec[i] = wit.EnumCase{Name: c}
	}
	return &wit.TypeDef{Kind: &wit.Enum{Cases: ec}}
}

func recordOf(fields ...wit.Field) *wit.TypeDef {
	return &wit.TypeDef{Kind: &wit.Record{Fields: fields}}
}

func listOf(t wit.Type) *wit.TypeDef   { return &wit.TypeDef{Kind: &wit.List{Type: t}} }
func optionOf(t wit.Type) *wit.TypeDef { return &wit.TypeDef{Kind: &wit.Option{Type: t}} }

func resultOf(ok, err wit.Type) *wit.TypeDef {
	return &wit.TypeDef{Kind: &wit.Result{OK: ok, Err: err}}
}

// Case indices of the capability enums.
const (
	ioErrCoordsNotFound uint8 = iota
	ioErrInvalidCoords
	ioErrInvalidIOID
)

const (
	pollErrNotReady uint8 = iota
	pollErrInvalidIOID
)

const (
	secretErrSuccess uint8 = iota
	secretErrInvalidArgument
	secretErrForbidden
)

const jwtErrInvalidToken uint8 = 0

const (
	policyErrInvalidBundle uint8 = iota
	policyErrNoEntrypoint
	policyErrEvalFailed
)

// LogLevel is the guest log severity.
type LogLevel uint32

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogTrace:
		return "trace"
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	}
	return "unknown"
}

var (
	bytesType = listOf(wit.U8{})

	ioErrorType   = enumOf("coords-not-found", "invalid-coords", "invalid-ioid")
	pollErrorType = enumOf("not-ready", "invalid-ioid")
	logLevelType  = enumOf("trace", "debug", "info", "warn", "error")

	secretType = recordOf(
		wit.Field{Name: "id", Type: wit.String{}},
		wit.Field{Name: "value", Type: optionOf(bytesType)},
	)
	secretErrorType = enumOf("success", "invalid-argument", "forbidden")

	validationParamsType = recordOf(
		wit.Field{Name: "issuer", Type: optionOf(wit.String{})},
		wit.Field{Name: "audience", Type: optionOf(wit.String{})},
	)
	verifyResultType = recordOf(wit.Field{Name: "valid", Type: wit.Bool{}})
	jwtErrorType     = enumOf("invalid-token")

	policyType = recordOf(
		wit.Field{Name: "id", Type: wit.String{}},
		wit.Field{Name: "entrypoints", Type: listOf(wit.String{})},
	)
	policyErrorType = enumOf("invalid-bundle", "no-entrypoint", "eval-failed")

	invokeResultType = resultOf(wit.U64{}, ioErrorType)
	pollResultType   = resultOf(bytesType, pollErrorType)
	secretResultType = resultOf(secretType, secretErrorType)
	verifyResultRes  = resultOf(verifyResultType, jwtErrorType)
	policyResultType = resultOf(policyType, policyErrorType)
	evalResultType   = resultOf(wit.String{}, policyErrorType)
)

// FuncDef defines a capability host function.
type FuncDef struct {
	Handler api.GoModuleFunc
	Result  wit.Type
	Name    string
	Params  []wit.Type
	Group   Group
}

// CoreTypes returns the core wasm signature derived from the WIT one.
func (f *FuncDef) CoreTypes() (params, results []api.ValueType) {
	params, results, _ = coreSignature(f.Params, f.Result)
	return params, results
}

// Path returns "module#name".
func (f *FuncDef) Path() string {
	return f.Group.Module() + "#" + f.Name
}

// capabilities is the complete guest-reachable host surface.
func capabilities() []*FuncDef {
	return []*FuncDef{
		{Group: GroupIO, Name: "invoke", Params: []wit.Type{wit.String{}, bytesType}, Result: invokeResultType, Handler: hostInvoke},
		{Group: GroupIO, Name: "poll", Params: []wit.Type{wit.U64{}}, Result: pollResultType, Handler: hostPoll},

		{Group: GroupRunState, Name: "success", Params: []wit.Type{bytesType}, Handler: hostSuccess},
		{Group: GroupRunState, Name: "failure", Params: []wit.Type{bytesType}, Handler: hostFailure},
		{Group: GroupRunState, Name: "log", Params: []wit.Type{logLevelType, wit.String{}, wit.String{}}, Handler: hostLog},
		{Group: GroupRunState, Name: "get-input", Result: bytesType, Handler: hostGetInput},

		{Group: GroupSecrets, Name: "get-secret-value", Params: []wit.Type{wit.String{}}, Result: secretResultType, Handler: hostGetSecret},
		{Group: GroupSecrets, Name: "set-secret-value", Params: []wit.Type{wit.String{}, bytesType, wit.String{}}, Result: secretResultType, Handler: hostSetSecret},

		{Group: GroupJWT, Name: "decode-verify", Params: []wit.Type{wit.String{}, wit.String{}, validationParamsType}, Result: verifyResultRes, Handler: hostDecodeVerify},

		{Group: GroupPolicy, Name: "new-policy", Params: []wit.Type{bytesType}, Result: policyResultType, Handler: hostNewPolicy},
		{Group: GroupPolicy, Name: "eval", Params: []wit.Type{wit.String{}, wit.String{}, wit.String{}}, Result: evalResultType, Handler: hostEval},
	}
}

func u32(v uint64) uint32 { return uint32(v) }
