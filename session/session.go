// Package session implements the abstract Session (C5): the per-peer
// state machine, read/write loops, request-id multiplexing, and
// nested-call (BlockResponse) reentry shared by every transport, per
// spec.md §4.5/§4.6. Concrete transports (session/tcp, session/ws,
// session/shm) supply a Conn; everything else lives here. session/httprpc
// does not use a Session at all.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teris-io/shortid"

	"github.com/nprpc/nprpc/callctx"
	"github.com/nprpc/nprpc/cos"
	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/hk"
	"github.com/nprpc/nprpc/nlog"
	"github.com/nprpc/nprpc/proto"
	"github.com/nprpc/nprpc/reflist"
	"github.com/nprpc/nprpc/wire"
)

// State is the session lifecycle per spec.md §4.5.
type State int32

const (
	Connecting State = iota
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Conn is the minimal framed-message transport a Session drives. Each
// session-based transport (tcp/ws/shm) implements it over its own
// framing; Session supplies everything transport-independent above it.
type Conn interface {
	// ReadFrame blocks for the next complete message and returns its raw
	// bytes (Header included). It returns an error when the peer closes
	// or the transport faults.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame writes one complete message. Callers never call
	// WriteFrame concurrently; Session serializes with its own mutex
	// regardless, matching spec.md's "exactly one writer at a time".
	WriteFrame(ctx context.Context, p []byte) error
	Close() error
	RemoteEndpoint() endpoint.Endpoint
}

// Dispatcher hands an inbound FunctionCall to the local POA vector;
// implemented by package rpc (C8), which knows how to route by poa_idx.
// Declared here, not imported, to keep C5 below C8 in the dependency
// graph.
type Dispatcher interface {
	Dispatch(call proto.CallHeader, transport endpoint.Transport, ctx *callctx.Context) (msgType uint32, body []byte, err error)
}

// PoaResolver is an optional interface a Dispatcher may also implement,
// letting AddReference/ReleaseObject handling (spec.md §4.4) reach the
// actual POA refcount a poa_idx names. A Dispatcher that doesn't implement
// it (e.g. a pure client session with no local POAs) simply can't receive
// these control messages meaningfully, matching spec.md's server-direction
// framing of AddReference/ReleaseObject.
type PoaResolver interface {
	PoaRefcounter(poaIdx uint16) (reflist.Refcounter, bool)
}

type pendingSlot struct {
	replyMsgId proto.MessageId
	body       []byte
	err        error
	done       chan struct{}
}

const (
	defaultCallTimeout = 30 * time.Second
	defaultIdleTimeout = 300 * time.Second
	maxMessageSize      = 64 << 20
)

// Session is the transport-independent half of a connection: it owns the
// request-id space, the pending-reply table, the ReferenceList, and the
// state machine; it does not know how bytes reach the peer.
type Session struct {
	LID string // short, log-friendly session id

	conn       Conn
	dispatcher Dispatcher
	transport  endpoint.Transport

	state atomic.Int32

	nextRequestId atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingSlot

	writeMu sync.Mutex

	refs *reflist.List

	lastActivity atomic.Int64 // unix nanos

	callTimeout time.Duration
	idleTimeout time.Duration

	stop cos.StopCh

	// blockDepth counts in-flight BlockResponse dispatches; it is only
	// counted, and nothing reads it.
	blockDepth atomic.Int32
}

func New(conn Conn, dispatcher Dispatcher, transport endpoint.Transport) *Session {
	id, err := shortid.Generate()
	if err != nil {
		id = "sess"
	}
	s := &Session{
		LID:         id,
		conn:        conn,
		dispatcher:  dispatcher,
		transport:   transport,
		pending:     make(map[uint32]*pendingSlot),
		refs:        reflist.New(),
		callTimeout: defaultCallTimeout,
		idleTimeout: defaultIdleTimeout,
	}
	s.stop.Init()
	s.state.Store(int32(Connecting))
	s.touch()
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// RefList exposes the session's reference list so the POA's AddReference/
// ReleaseObject handling (driven from ReadLoop) and the stub layer
// (registering outgoing object arguments) can both reach it.
func (s *Session) RefList() *reflist.List { return s.refs }

func (s *Session) RemoteEndpoint() endpoint.Endpoint { return s.conn.RemoteEndpoint() }

type currentSessionKey struct{}

// WithCurrent returns a context carrying s as the "currently executing
// dispatch's session", the Go stand-in for spec.md §9's TLS-scoped
// current context. A nested outbound call started from inside that
// dispatch compares its target session against Current(ctx) to decide
// whether S = S' and a BlockResponse wrapper is required (spec.md §4.6).
func WithCurrent(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, currentSessionKey{}, s)
}

// Current returns the session stamped by WithCurrent, if any.
func Current(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(currentSessionKey{}).(*Session)
	return s, ok
}

// Activate transitions Connecting → Active once the transport-specific
// handshake completes, and registers the session with the housekeeper for
// idle sweeping.
func (s *Session) Activate() {
	s.state.Store(int32(Active))
	hk.Reg("session-idle-"+s.LID, s.checkIdle, s.idleTimeout)
}

func (s *Session) checkIdle() time.Duration {
	if s.State() != Active {
		return 0
	}
	idleFor := time.Since(time.Unix(0, s.lastActivity.Load()))
	if idleFor >= s.idleTimeout {
		nlog.Infof("session %s: idle for %s, closing", s.LID, idleFor)
		s.Close()
		return 0
	}
	return s.idleTimeout - idleFor
}

// Send marshals a FunctionCall frame and blocks until the matching Answer
// arrives or ctx is done. blocking reports whether the caller is about to
// block the read loop of this very session (S = S' in spec.md §4.6); when
// true the frame is wrapped so the peer knows it may interleave further
// inbound calls while this one is outstanding.
func (s *Session) Send(ctx context.Context, msgId proto.MessageId, body []byte, blocking bool) (proto.MessageId, []byte, error) {
	if s.State() == Closing || s.State() == Closed {
		return 0, nil, proto.NewSystemException(proto.CommFailure, "session %s is %s", s.LID, s.State())
	}

	reqId := s.nextRequestId.Add(1)
	slot := &pendingSlot{done: make(chan struct{})}

	s.mu.Lock()
	s.pending[reqId] = slot
	s.mu.Unlock()

	frameMsgId := msgId
	if blocking {
		frameMsgId = proto.BlockResponse
	}
	frame := buildFrame(frameMsgId, proto.MsgTypeRequest, reqId, body)

	if err := s.writeFrame(ctx, frame); err != nil {
		s.mu.Lock()
		delete(s.pending, reqId)
		s.mu.Unlock()
		return 0, nil, proto.NewSystemException(proto.CommFailure, "%v", err)
	}

	timeout := s.callTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-slot.done:
		if slot.err != nil {
			return 0, nil, slot.err
		}
		return slot.replyMsgId, slot.body, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, reqId)
		s.mu.Unlock()
		return 0, nil, proto.NewSystemException(proto.Timeout, "call %d on session %s", reqId, s.LID)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, reqId)
		s.mu.Unlock()
		return 0, nil, ctx.Err()
	case <-s.stop.Listen():
		return 0, nil, proto.NewSystemException(proto.CommFailure, "session %s closed", s.LID)
	}
}

// SendFireAndForget writes an AddReference/ReleaseObject control frame and
// returns as soon as it's on the wire. Per spec.md §4.4 these messages
// "never expect an answer"; routing them through Send's reply-wait would
// hang every caller for a full call timeout waiting on a reply the peer
// never sends.
func (s *Session) SendFireAndForget(ctx context.Context, msgId proto.MessageId, body []byte) error {
	if s.State() == Closing || s.State() == Closed {
		return proto.NewSystemException(proto.CommFailure, "session %s is %s", s.LID, s.State())
	}
	reqId := s.nextRequestId.Add(1)
	frame := buildFrame(msgId, proto.MsgTypeRequest, reqId, body)
	if err := s.writeFrame(ctx, frame); err != nil {
		return proto.NewSystemException(proto.CommFailure, "%v", err)
	}
	return nil
}

func (s *Session) writeFrame(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(ctx, frame)
}

func buildFrame(msgId proto.MessageId, msgType uint32, reqId uint32, body []byte) []byte {
	buf := wire.NewBuffer(proto.HeaderSize + len(body))
	w := wire.NewWriter(buf)
	hdr := proto.Header{
		Size:      uint32(proto.HeaderSize + len(body)),
		MsgId:     msgId,
		MsgType:   msgType,
		RequestId: reqId,
	}
	hdr.Write(w)
	buf.Append(body)
	return buf.Data()
}

// ReadLoop drives the session until the peer closes or an unrecoverable
// framing error occurs. Inbound calls are dispatched on their own goroutine
// (see handleFrame) so the loop is never blocked behind a single dispatch;
// this is what makes BlockResponse reentry (spec.md §4.6) safe without a
// literal recursive call.
func (s *Session) ReadLoop(ctx context.Context) {
	defer s.Close()
	for {
		raw, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if s.State() != Closed {
				nlog.Infof("session %s: read loop ended: %v", s.LID, err)
			}
			return
		}
		if len(raw) < proto.HeaderSize {
			nlog.Warningf("session %s: short frame (%d bytes), dropping", s.LID, len(raw))
			continue
		}
		if uint32(len(raw)) > maxMessageSize {
			nlog.Warningf("session %s: oversized frame (%d bytes), closing", s.LID, len(raw))
			return
		}
		s.touch()
		s.handleFrame(ctx, raw)
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	buf := wire.WrapBuffer(raw)
	r := wire.NewReader(buf)
	hdr := proto.ReadHeader(r, 0)
	body := raw[proto.HeaderSize:]

	switch hdr.MsgId {
	case proto.FunctionCall, proto.BlockResponse:
		// Dispatched off the read loop goroutine: a servant invoked here may
		// itself issue a nested outbound call on this very session (spec.md
		// §4.6). If dispatch ran inline, that nested Send would block
		// forever waiting for a reply only this same read loop can ever
		// read. Running each call on its own goroutine makes the read loop
		// itself the "independent reader" spec.md §9 calls for: it is never
		// blocked behind a single dispatch, so replies for nested calls are
		// read and matched exactly like any other reply.
		go s.handleInboundCall(ctx, hdr, body)
	case proto.AddReference:
		s.handleAddReference(body)
	case proto.ReleaseObject:
		s.handleReleaseObject(body)
	default:
		s.completePending(hdr.MsgId, hdr.RequestId, body)
	}
}

func (s *Session) handleInboundCall(ctx context.Context, hdr proto.Header, body []byte) {
	if s.dispatcher == nil {
		s.replyError(ctx, hdr.RequestId, proto.ErrorCommFailure)
		return
	}
	if hdr.MsgId == proto.BlockResponse {
		s.blockDepth.Add(1)
		defer s.blockDepth.Add(-1)
	}

	callBuf := wire.WrapBuffer(body)
	callR := wire.NewReader(callBuf)
	call := proto.ReadCallHeader(callR, 0)

	rx := wire.WrapBuffer(body[proto.CallHeaderSize:])
	dctx := callctx.New(s.RemoteEndpoint(), s.refs, rx, nil)
	dctx.Ctx = WithCurrent(ctx, s)
	if shmCh, ok := s.conn.(callctx.ShmChannel); ok {
		dctx.ShmChannel = shmCh
	}
	if cs, ok := s.conn.(callctx.CookieSource); ok {
		dctx.Extras[callctx.ExtrasCookies] = cs.Cookies()
	}
	msgType, replyBody, err := s.dispatcher.Dispatch(call, s.transport, dctx)
	if err != nil {
		if se, ok := err.(*proto.SystemException); ok {
			if mid, ok := se.ErrorMessageId(); ok {
				s.replyError(ctx, hdr.RequestId, mid)
				return
			}
		}
		s.replyError(ctx, hdr.RequestId, proto.ErrorCommFailure)
		return
	}

	answer := buildFrame(proto.Success, msgType, hdr.RequestId, replyBody)
	if err := s.writeFrame(ctx, answer); err != nil {
		nlog.Warningf("session %s: failed to write answer for request %d: %v", s.LID, hdr.RequestId, err)
	}
}

func (s *Session) replyError(ctx context.Context, reqId uint32, mid proto.MessageId) {
	frame := buildFrame(mid, proto.MsgTypeAnswer, reqId, nil)
	if err := s.writeFrame(ctx, frame); err != nil {
		nlog.Warningf("session %s: failed to write error reply: %v", s.LID, err)
	}
}

func (s *Session) handleAddReference(body []byte) {
	r := wire.NewReader(wire.WrapBuffer(body))
	oid := proto.ReadObjectIdLocal(r, 0)
	s.bindPoaRefcounter(oid.PoaIdx)
	s.refs.Add(reflist.Key{PoaIdx: oid.PoaIdx, ObjectId: oid.ObjectId})
}

func (s *Session) handleReleaseObject(body []byte) {
	r := wire.NewReader(wire.WrapBuffer(body))
	oid := proto.ReadObjectIdLocal(r, 0)
	s.bindPoaRefcounter(oid.PoaIdx)
	s.refs.Release(reflist.Key{PoaIdx: oid.PoaIdx, ObjectId: oid.ObjectId})
}

// bindPoaRefcounter resolves poaIdx against the session's Dispatcher (when
// it also implements PoaResolver) and binds it into the session's
// ReferenceList on demand, so a POA created after the session was already
// established is still reachable the first time a peer references one of
// its objects.
func (s *Session) bindPoaRefcounter(poaIdx uint16) {
	resolver, ok := s.dispatcher.(PoaResolver)
	if !ok {
		return
	}
	rc, ok := resolver.PoaRefcounter(poaIdx)
	if !ok {
		return
	}
	s.refs.BindPoa(poaIdx, rc)
}

func (s *Session) completePending(msgId proto.MessageId, reqId uint32, body []byte) {
	s.mu.Lock()
	slot, ok := s.pending[reqId]
	if ok {
		delete(s.pending, reqId)
	}
	s.mu.Unlock()

	if !ok {
		nlog.Warningf("session %s: reply for unknown request %d (peer bug), dropping", s.LID, reqId)
		return
	}

	if msgId.IsError() {
		slot.err = proto.FromErrorMessageId(msgId)
	} else if msgId == proto.Exception {
		slot.replyMsgId = msgId
		slot.body = body
	} else {
		slot.replyMsgId = msgId
		slot.body = body
	}
	close(slot.done)
}

// Close transitions the session through Closing to Closed: cancels every
// pending outbound slot with CommFailure, releases every held reference in
// its owning POA, and closes the transport. Safe to call more than once.
func (s *Session) Close() error {
	if !s.state.CompareAndSwap(int32(Active), int32(Closing)) &&
		!s.state.CompareAndSwap(int32(Connecting), int32(Closing)) {
		return nil // already closing/closed
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint32]*pendingSlot)
	s.mu.Unlock()

	for _, slot := range pending {
		slot.err = proto.NewSystemException(proto.CommFailure, "session %s closed", s.LID)
		close(slot.done)
	}

	s.refs.ReleaseAll()
	hk.Unreg("session-idle-" + s.LID)
	s.stop.Close()

	err := s.conn.Close()
	s.state.Store(int32(Closed))
	return err
}
