// Package proto defines the wire message framing shared by every transport:
// the fixed 16-byte Header, the CallHeader that follows it for function
// calls, and the MessageId taxonomy, per spec.md §3.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package proto

import "github.com/nprpc/nprpc/wire"

// MessageId enumerates every frame kind exchanged between endpoints. The
// numbering is canonical across the wire and must never be renumbered once
// an nprpc service has shipped.
type MessageId uint32

const (
	FunctionCall MessageId = iota
	BlockResponse
	AddReference
	ReleaseObject
	Success
	Exception
	ErrorPoaNotExist
	ErrorObjectNotExist
	ErrorCommFailure
	ErrorUnknownFunctionIdx
	ErrorUnknownMessageId
	ErrorBadAccess
	ErrorBadInput
)

func (m MessageId) String() string {
	switch m {
	case FunctionCall:
		return "FunctionCall"
	case BlockResponse:
		return "BlockResponse"
	case AddReference:
		return "AddReference"
	case ReleaseObject:
		return "ReleaseObject"
	case Success:
		return "Success"
	case Exception:
		return "Exception"
	case ErrorPoaNotExist:
		return "Error_PoaNotExist"
	case ErrorObjectNotExist:
		return "Error_ObjectNotExist"
	case ErrorCommFailure:
		return "Error_CommFailure"
	case ErrorUnknownFunctionIdx:
		return "Error_UnknownFunctionIdx"
	case ErrorUnknownMessageId:
		return "Error_UnknownMessageId"
	case ErrorBadAccess:
		return "Error_BadAccess"
	case ErrorBadInput:
		return "Error_BadInput"
	default:
		return "Unknown"
	}
}

// IsError reports whether m terminates a call with a transport-level error
// rather than an application Success/Exception body.
func (m MessageId) IsError() bool { return m >= ErrorPoaNotExist }

// MsgType distinguishes a request frame from its answer; it rides in
// Header.MsgType rather than being folded into MessageId so that a single
// MessageId (e.g. FunctionCall) can appear in both directions.
const (
	MsgTypeRequest uint32 = iota
	MsgTypeAnswer
)

const HeaderSize = 16

// Header is the fixed prologue of every frame: total message size
// including the size field itself (Header plus body), the message kind, the request/answer
// tag, and the request id used to match replies to in-flight calls.
type Header struct {
	Size      uint32
	MsgId     MessageId
	MsgType   uint32
	RequestId uint32
}

func (h Header) Write(w *wire.Writer) {
	w.U32(h.Size)
	w.U32(uint32(h.MsgId))
	w.U32(h.MsgType)
	w.U32(h.RequestId)
}

func ReadHeader(r *wire.Reader, offset int) Header {
	return Header{
		Size:      r.U32(offset),
		MsgId:     MessageId(r.U32(offset + 4)),
		MsgType:   r.U32(offset + 8),
		RequestId: r.U32(offset + 12),
	}
}

const CallHeaderSize = 16

// CallHeader immediately follows Header on a FunctionCall frame and
// addresses the target servant: which POA, which interface within the
// servant's vtable, and which function within that interface.
type CallHeader struct {
	PoaIdx       uint16
	InterfaceIdx uint8
	FunctionIdx  uint8
	_pad         uint32
	ObjectId     uint64
}

func (c CallHeader) Write(w *wire.Writer) {
	w.U16(c.PoaIdx)
	w.U8(c.InterfaceIdx)
	w.U8(c.FunctionIdx)
	w.U32(0)
	w.U64(c.ObjectId)
}

func ReadCallHeader(r *wire.Reader, offset int) CallHeader {
	return CallHeader{
		PoaIdx:       r.U16(offset),
		InterfaceIdx: r.U8(offset + 2),
		FunctionIdx:  r.U8(offset + 3),
		ObjectId:     r.U64(offset + 8),
	}
}

// ObjectIdLocal is the body of an AddReference/ReleaseObject frame: it
// names the object purely by its local (poa-scoped) identity, since those
// control messages never cross a POA boundary.
type ObjectIdLocal struct {
	PoaIdx   uint16
	ObjectId uint64
}

func (o ObjectIdLocal) Write(w *wire.Writer) {
	w.U16(o.PoaIdx)
	w.U16(0)
	w.U32(0)
	w.U64(o.ObjectId)
}

func ReadObjectIdLocal(r *wire.Reader, offset int) ObjectIdLocal {
	return ObjectIdLocal{
		PoaIdx:   r.U16(offset),
		ObjectId: r.U64(offset + 8),
	}
}
