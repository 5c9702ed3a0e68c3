package linker

import (
	"context"
	stderrors "errors"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/fnhost/errors"
	"github.com/wippyai/fnhost/iodispatch"
	"github.com/wippyai/fnhost/policy"
	"github.com/wippyai/fnhost/response"
	"github.com/wippyai/fnhost/secrets"
)

// Payload offsets of the retptr-returned results.
var (
	invokePayload = resultPayloadOffset(invokeResultType)
	pollPayload   = resultPayloadOffset(pollResultType)
	secretPayload = resultPayloadOffset(secretResultType)
	verifyPayload = resultPayloadOffset(verifyResultRes)
	policyPayload = resultPayloadOffset(policyResultType)
	evalPayload   = resultPayloadOffset(evalResultType)

	secretValueOffset   = fieldOffset(secretType.Kind.(*wit.Record), 1)
	secretValuePayload  = resultPayloadOffset(optionOf(bytesType))
	policyEntriesOffset = fieldOffset(policyType.Kind.(*wit.Record), 1)
)

func mustState(ctx context.Context, fn string) *State {
	st, ok := StateFrom(ctx)
	if !ok {
		panic(errors.New(errors.PhaseCapability, errors.KindNotInitialized).
			Path(fn).Detail("no invocation state in context").Build())
	}
	return st
}

func writeErr(g *guestMemory, ret, payload uint32, code uint8) {
	g.writeU8(ret, 1)
	g.writeU8(ret+payload, code)
}

// io

func hostInvoke(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "invoke")
	g := newGuestMemory(ctx, mod, "invoke")
	path := g.readString(u32(stack[0]), u32(stack[1]))
	payload := g.read(u32(stack[2]), u32(stack[3]))
	ret := u32(stack[4])

	if st.dispatcher == nil {
		writeErr(g, ret, invokePayload, ioErrCoordsNotFound)
		return
	}
	id, err := st.dispatcher.Invoke(ctx, path, payload)
	if err != nil {
		code := ioErrCoordsNotFound
		if stderrors.Is(err, iodispatch.ErrInvalidCoords) {
			code = ioErrInvalidCoords
		}
		st.guest.Debug("invoke failed", zap.String("path", path), zap.Error(err))
		writeErr(g, ret, invokePayload, code)
		return
	}
	st.track(id)
	g.writeU8(ret, 0)
	g.writeU64(ret+invokePayload, uint64(id))
}

func hostPoll(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "poll")
	g := newGuestMemory(ctx, mod, "poll")
	id := iodispatch.IOID(stack[0])
	ret := u32(stack[1])

	if st.dispatcher == nil || !st.owns(id) {
		writeErr(g, ret, pollPayload, pollErrInvalidIOID)
		return
	}
	res, err := st.dispatcher.Poll(id)
	switch {
	case stderrors.Is(err, iodispatch.ErrNotReady):
		writeErr(g, ret, pollPayload, pollErrNotReady)
		return
	case err != nil:
		st.untrack(id)
		writeErr(g, ret, pollPayload, pollErrInvalidIOID)
		return
	}
	st.untrack(id)
	ptr, n := g.lowerBytes(res)
	g.writeU8(ret, 0)
	g.writeList(ret+pollPayload, ptr, n)
}

// runstate

func hostSuccess(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "success")
	body := newGuestMemory(ctx, mod, "success").read(u32(stack[0]), u32(stack[1]))
	st.publish(ctx, response.NewSuccess(body, st.requestID))
}

func hostFailure(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "failure")
	body := newGuestMemory(ctx, mod, "failure").read(u32(stack[0]), u32(stack[1]))
	st.publish(ctx, response.NewFailure(body, st.requestID))
}

func hostLog(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "log")
	g := newGuestMemory(ctx, mod, "log")
	level := LogLevel(u32(stack[0]))
	where := g.readString(u32(stack[1]), u32(stack[2]))
	msg := g.readString(u32(stack[3]), u32(stack[4]))

	fields := []zap.Field{zap.String("context", where), zap.Stringer("level", level)}
	switch level {
	case LogTrace, LogDebug:
		st.guest.Debug(msg, fields...)
	case LogWarn:
		st.guest.Warn(msg, fields...)
	case LogError:
		st.guest.Error(msg, fields...)
	default:
		st.guest.Info(msg, fields...)
	}
}

func hostGetInput(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "get-input")
	g := newGuestMemory(ctx, mod, "get-input")
	ptr, n := g.lowerBytes(st.Input())
	g.writeList(u32(stack[0]), ptr, n)
}

// secrets

func secretErrCode(err error) uint8 {
	if stderrors.Is(err, secrets.ErrInvalidArgument) {
		return secretErrInvalidArgument
	}
	return secretErrForbidden
}

func writeSecret(g *guestMemory, ret uint32, sec secrets.Secret, err error) {
	if err != nil {
		writeErr(g, ret, secretPayload, secretErrCode(err))
		return
	}
	rec := ret + secretPayload
	idPtr, idLen := g.lowerString(sec.ID)
	g.writeList(rec, idPtr, idLen)
	if sec.Value == nil {
		g.writeU8(rec+secretValueOffset, 0)
	} else {
		vPtr, vLen := g.lowerBytes(sec.Value)
		g.writeU8(rec+secretValueOffset, 1)
		g.writeList(rec+secretValueOffset+secretValuePayload, vPtr, vLen)
	}
	g.writeU8(ret, 0)
}

func hostGetSecret(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "get-secret-value")
	g := newGuestMemory(ctx, mod, "get-secret-value")
	id := g.readString(u32(stack[0]), u32(stack[1]))
	ret := u32(stack[2])

	store := st.secretStore()
	if store == nil {
		writeErr(g, ret, secretPayload, secretErrForbidden)
		return
	}
	sec, err := store.Get(ctx, id)
	writeSecret(g, ret, sec, err)
}

func hostSetSecret(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "set-secret-value")
	g := newGuestMemory(ctx, mod, "set-secret-value")
	id := g.readString(u32(stack[0]), u32(stack[1]))
	value := g.read(u32(stack[2]), u32(stack[3]))
	keyID := g.readString(u32(stack[4]), u32(stack[5]))
	ret := u32(stack[6])

	store := st.secretStore()
	if store == nil {
		writeErr(g, ret, secretPayload, secretErrForbidden)
		return
	}
	sec, err := store.Set(ctx, id, value, keyID)
	writeSecret(g, ret, sec, err)
}

// jwt

func hostDecodeVerify(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "decode-verify")
	g := newGuestMemory(ctx, mod, "decode-verify")
	token := g.readString(u32(stack[0]), u32(stack[1]))
	url := g.readString(u32(stack[2]), u32(stack[3]))
	var params ValidationParams
	params.Issuer, params.HasIssuer = g.liftOptionString(u32(stack[4]), u32(stack[5]), u32(stack[6]))
	params.Audience, params.HasAudience = g.liftOptionString(u32(stack[7]), u32(stack[8]), u32(stack[9]))
	ret := u32(stack[10])

	if st.shared == nil {
		writeErr(g, ret, verifyPayload, jwtErrInvalidToken)
		return
	}
	if _, err := st.shared.VerifyToken(ctx, token, url, params); err != nil {
		st.guest.Debug("token rejected", zap.String("jwks", url), zap.Error(err))
		writeErr(g, ret, verifyPayload, jwtErrInvalidToken)
		return
	}
	g.writeU8(ret, 0)
	g.writeU8(ret+verifyPayload, 1)
}

// policy

func policyErrCode(err error) uint8 {
	switch {
	case stderrors.Is(err, policy.ErrNoEntrypoint):
		return policyErrNoEntrypoint
	case stderrors.Is(err, policy.ErrInvalidBundle):
		return policyErrInvalidBundle
	}
	return policyErrEvalFailed
}

func hostNewPolicy(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "new-policy")
	g := newGuestMemory(ctx, mod, "new-policy")
	bundle := g.read(u32(stack[0]), u32(stack[1]))
	ret := u32(stack[2])

	m, err := st.policyManager()
	if err != nil {
		writeErr(g, ret, policyPayload, policyErrEvalFailed)
		return
	}
	id := policy.NewID()
	entries, err := m.Load(id, bundle)
	if err != nil {
		st.guest.Debug("policy rejected", zap.Error(err))
		writeErr(g, ret, policyPayload, policyErrCode(err))
		return
	}

	rec := ret + policyPayload
	idPtr, idLen := g.lowerString(id)
	g.writeList(rec, idPtr, idLen)
	ePtr, eLen := g.lowerStrings(entries)
	g.writeList(rec+policyEntriesOffset, ePtr, eLen)
	g.writeU8(ret, 0)
}

func hostEval(ctx context.Context, mod api.Module, stack []uint64) {
	st := mustState(ctx, "eval")
	g := newGuestMemory(ctx, mod, "eval")
	id := g.readString(u32(stack[0]), u32(stack[1]))
	data := g.readString(u32(stack[2]), u32(stack[3]))
	input := g.readString(u32(stack[4]), u32(stack[5]))
	ret := u32(stack[6])

	m, err := st.policyManager()
	if err != nil {
		writeErr(g, ret, evalPayload, policyErrEvalFailed)
		return
	}
	out, err := m.Eval(ctx, id, data, input)
	if err != nil {
		st.guest.Debug("policy eval failed", zap.String("policy", id), zap.Error(err))
		writeErr(g, ret, evalPayload, policyErrCode(err))
		return
	}
	ptr, n := g.lowerString(out)
	g.writeU8(ret, 0)
	g.writeList(ret+evalPayload, ptr, n)
}
