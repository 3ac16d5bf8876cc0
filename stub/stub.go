// Package stub implements the client-side call path (C9): marshal a
// FunctionCall frame, send it and wait for the answer over whichever
// transport the target ObjectId's candidate URLs yield, then hand the raw
// answer back for the caller's own unmarshal step, per spec.md §4.8's
// stub/proxy description. Generated per-interface client code (outside
// this module's scope) is the thing that would normally call Invoke.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package stub

import (
	"context"
	"sync"

	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/objectid"
	"github.com/nprpc/nprpc/proto"
	"github.com/nprpc/nprpc/rpc"
	"github.com/nprpc/nprpc/session"
	"github.com/nprpc/nprpc/session/httprpc"
	"github.com/nprpc/nprpc/wire"
)

// Target is a client-side handle to a remote object: enough to address a
// call (its ObjectId) and enough to place it (the local Rpc instance,
// which owns the outbound connection cache). Generated stub types embed
// one of these and add typed methods around Invoke.
type Target struct {
	Rpc      *rpc.Rpc
	ObjectId objectid.ObjectId
}

// callPool recycles the argument Buffer between calls, mirroring the
// teacher's AllocRp/FreeRp request-object pooling in api/daemon.go:
// every call allocates a Writer over a pooled Buffer instead of a fresh
// one, since a busy client issues many short-lived calls per second.
var callPool = sync.Pool{New: func() any { return wire.NewBuffer(0) }}

func allocCallBuffer() *wire.Buffer {
	buf := callPool.Get().(*wire.Buffer)
	buf.Reset()
	return buf
}

func freeCallBuffer(buf *wire.Buffer) { callPool.Put(buf) }

// Invoke marshals one call via marshalArgs, sends it to t.ObjectId over
// the best reachable candidate, and returns the raw answer: the MessageId
// the peer replied with (Success or an application Exception — transport
// Error_* codes are already translated into err by this point) and the
// answer body for the caller's own wire.Reader walk. Generated stub code
// classifies that outcome with proto.ReplyStatusOf(msgId, err) before
// deciding whether to unmarshal a result, a user exception body, or
// surface err directly.
func (t *Target) Invoke(ctx context.Context, interfaceIdx, functionIdx uint8, marshalArgs func(*wire.Writer)) (proto.MessageId, []byte, error) {
	buf := allocCallBuffer()
	defer freeCallBuffer(buf)

	w := wire.NewWriter(buf)
	call := proto.CallHeader{
		PoaIdx:       t.ObjectId.PoaIdx,
		InterfaceIdx: interfaceIdx,
		FunctionIdx:  functionIdx,
		ObjectId:     t.ObjectId.ObjectId,
	}
	call.Write(w)
	if marshalArgs != nil {
		marshalArgs(w)
	}
	body := append([]byte(nil), buf.Data()...)

	candidates := objectid.CandidateURLs(t.ObjectId)

	if sess, err := t.Rpc.Connect(ctx, candidates); err == nil {
		// If the servant handling this call was itself dispatched on sess,
		// this outbound call would otherwise block that session's own read
		// loop waiting on a reply only that same loop can read. Wrapping it
		// as BlockResponse (spec.md §4.6) tells the peer it may interleave
		// further inbound calls while this one is outstanding.
		cur, ok := session.Current(ctx)
		blocking := ok && cur == sess
		msgId, answer, sendErr := sess.Send(ctx, proto.FunctionCall, body, blocking)
		if sendErr == nil {
			return msgId, answer, nil
		}
		if se, ok := sendErr.(*proto.SystemException); ok && se.Kind == proto.CommFailure {
			t.Rpc.Forget(sess.RemoteEndpoint())
		} else {
			return 0, nil, sendErr
		}
	}

	return t.invokeOverHTTP(candidates, body)
}

// invokeOverHTTP is the fallback path for an ObjectId whose only reachable
// candidate is HTTP POST (or whose framed-transport candidates just
// failed): one POST per call, no session to cache, per spec.md §4.7's
// degenerate HTTP transport.
func (t *Target) invokeOverHTTP(candidates []string, body []byte) (proto.MessageId, []byte, error) {
	var lastErr error
	for _, raw := range candidates {
		ep, err := endpoint.Parse(raw)
		if err != nil {
			lastErr = err
			continue
		}
		if ep.Transport != endpoint.HTTP && ep.Transport != endpoint.SecureHTTP {
			continue
		}

		frame := wire.NewBuffer(proto.HeaderSize + len(body))
		w := wire.NewWriter(frame)
		hdr := proto.Header{Size: uint32(proto.HeaderSize + len(body)), MsgId: proto.FunctionCall, MsgType: proto.MsgTypeRequest}
		hdr.Write(w)
		frame.Append(body)

		answer, err := httprpc.Post(ep.ToURL(), frame.Data())
		if err != nil {
			lastErr = err
			continue
		}
		return parseAnswer(answer)
	}
	if lastErr == nil {
		lastErr = proto.NewSystemException(proto.CommFailure, "object %d has no reachable candidate", t.ObjectId.ObjectId)
	}
	return 0, nil, lastErr
}

func parseAnswer(frame []byte) (proto.MessageId, []byte, error) {
	if len(frame) < proto.HeaderSize {
		return 0, nil, proto.NewSystemException(proto.CommFailure, "truncated answer frame")
	}
	r := wire.NewReader(wire.WrapBuffer(frame))
	hdr := proto.ReadHeader(r, 0)
	if hdr.MsgId.IsError() {
		return 0, nil, proto.FromErrorMessageId(hdr.MsgId)
	}
	return hdr.MsgId, frame[proto.HeaderSize:], nil
}

// Release sends a ReleaseObject control message for t.ObjectId over a
// cached or freshly dialed session, mirroring the reference-counting
// contract the generated stub's destructor would invoke (spec.md §4.3):
// every AddReference implied by holding this Target must be matched by
// exactly one Release.
func (t *Target) Release(ctx context.Context) error {
	sess, err := t.Rpc.Connect(ctx, objectid.CandidateURLs(t.ObjectId))
	if err != nil {
		return err
	}
	buf := wire.NewBuffer(0)
	w := wire.NewWriter(buf)
	oid := proto.ObjectIdLocal{PoaIdx: t.ObjectId.PoaIdx, ObjectId: t.ObjectId.ObjectId}
	oid.Write(w)
	return sess.SendFireAndForget(ctx, proto.ReleaseObject, buf.Data())
}

// AddReference sends the matching AddReference control message for
// t.ObjectId, called by generated marshalling code before a reference to
// this object is handed to the peer as a call argument, per spec.md §4.3's
// "AddReference for an object MUST precede any FunctionCall that uses it".
func (t *Target) AddReference(ctx context.Context) error {
	sess, err := t.Rpc.Connect(ctx, objectid.CandidateURLs(t.ObjectId))
	if err != nil {
		return err
	}
	buf := wire.NewBuffer(0)
	w := wire.NewWriter(buf)
	oid := proto.ObjectIdLocal{PoaIdx: t.ObjectId.PoaIdx, ObjectId: t.ObjectId.ObjectId}
	oid.Write(w)
	return sess.SendFireAndForget(ctx, proto.AddReference, buf.Data())
}
