// Package iodispatch lets a single-threaded guest call slow external
// services (IOmods) without blocking.
//
// The protocol is invoke/poll:
//
//	id, err := d.Invoke(ctx, "aws.dynamodb.service.get_item", req)
//	// ... guest returns or does other work ...
//	res, err := d.Poll(id) // ErrNotReady until the IOmod answers
//
// IOIDs come from a process-wide counter starting at 1 and are never reused.
// A delivered result is handed out by exactly one Poll. There is no ordering
// between IOIDs and no cancellation; unpolled results are dropped with
// Forget when the owning invocation ends.
//
// Transports route requests: Registry runs handlers in-process and
// SocketTransport speaks CBOR frames to an out-of-process registry served
// by Serve.
package iodispatch
