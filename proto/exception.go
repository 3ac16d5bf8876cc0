package proto

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var diagJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ExceptionKind enumerates the built-in system exceptions an implementation
// must be able to raise regardless of the servant's own declared
// exceptions, per spec.md §3 "Built-in exceptions".
type ExceptionKind uint32

const (
	CommFailure ExceptionKind = iota
	Timeout
	ObjectNotExist
	UnknownFunctionIndex
	UnknownMessageId
	UnsecuredObject
	BadAccess
	BadInput
)

func (k ExceptionKind) String() string {
	switch k {
	case CommFailure:
		return "CommFailure"
	case Timeout:
		return "Timeout"
	case ObjectNotExist:
		return "ObjectNotExist"
	case UnknownFunctionIndex:
		return "UnknownFunctionIndex"
	case UnknownMessageId:
		return "UnknownMessageId"
	case UnsecuredObject:
		return "UnsecuredObject"
	case BadAccess:
		return "BadAccess"
	case BadInput:
		return "BadInput"
	default:
		return "Unknown"
	}
}

// SystemException is the Go error type raised for every built-in exception
// kind and for MessageId values in the Error_* range.
//
// WireMsgId is an optional override of the Error_* frame a dispatcher
// should reply with, used where one ExceptionKind covers two distinct
// wire signals: spec.md §3 gives "no such poa_idx" its own
// Error_PoaNotExist (msg_id=6) separate from "poa exists but object_id
// doesn't" (Error_ObjectNotExist, msg_id=7), even though both are the
// same ObjectNotExist kind from the caller's point of view once decoded
// back (see FromErrorMessageId). The override takes effect only when set
// through WithWireMsgId; otherwise ErrorMessageId derives the frame from
// Kind via ToErrorMessageId as usual.
type SystemException struct {
	Kind         ExceptionKind
	Msg          string
	WireMsgId    MessageId
	hasWireMsgId bool
}

// WithWireMsgId returns e with WireMsgId set to mid, overriding the
// Error_* frame ToErrorMessageId(e.Kind) would otherwise pick.
func (e *SystemException) WithWireMsgId(mid MessageId) *SystemException {
	e.WireMsgId = mid
	e.hasWireMsgId = true
	return e
}

// ErrorMessageId resolves the Error_* frame a dispatcher should reply
// with for e: WireMsgId if explicitly set, otherwise ToErrorMessageId(e.Kind).
func (e *SystemException) ErrorMessageId() (MessageId, bool) {
	if e.hasWireMsgId {
		return e.WireMsgId, true
	}
	return ToErrorMessageId(e.Kind)
}

func (e *SystemException) Error() string {
	if e.Msg == "" {
		return "nprpc: " + e.Kind.String()
	}
	return fmt.Sprintf("nprpc: %s: %s", e.Kind, e.Msg)
}

func NewSystemException(kind ExceptionKind, format string, a ...any) *SystemException {
	return &SystemException{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// DiagnosticJSON renders e as a flat JSON object for structured log lines
// (nlog's severity-leveled lines carry this verbatim rather than a
// free-form Sprintf), so a log aggregator can filter on "kind" without
// parsing Error()'s human-readable string.
func (e *SystemException) DiagnosticJSON() string {
	b, err := diagJSON.Marshal(struct {
		Kind string `json:"kind"`
		Msg  string `json:"msg,omitempty"`
	}{Kind: e.Kind.String(), Msg: e.Msg})
	if err != nil {
		return `{"kind":"` + e.Kind.String() + `"}`
	}
	return string(b)
}

// FromErrorMessageId maps a transport-level Error_* MessageId to the
// SystemException a caller should see; it panics if m is not in the error
// range, since that's a programming error in the dispatcher.
func FromErrorMessageId(m MessageId) *SystemException {
	switch m {
	case ErrorPoaNotExist:
		return &SystemException{Kind: ObjectNotExist, Msg: "poa does not exist"}
	case ErrorObjectNotExist:
		return &SystemException{Kind: ObjectNotExist, Msg: "object does not exist"}
	case ErrorCommFailure:
		return &SystemException{Kind: CommFailure}
	case ErrorUnknownFunctionIdx:
		return &SystemException{Kind: UnknownFunctionIndex}
	case ErrorUnknownMessageId:
		return &SystemException{Kind: UnknownMessageId}
	case ErrorBadAccess:
		return &SystemException{Kind: BadAccess}
	case ErrorBadInput:
		return &SystemException{Kind: BadInput}
	default:
		panic(fmt.Sprintf("proto: %v is not an error MessageId", m))
	}
}

// ToErrorMessageId is FromErrorMessageId's inverse, used by a dispatcher
// that caught a SystemException while resolving a target servant and must
// reply with the matching Error_* frame instead of a generic Exception.
func ToErrorMessageId(kind ExceptionKind) (MessageId, bool) {
	switch kind {
	case ObjectNotExist:
		return ErrorObjectNotExist, true
	case CommFailure:
		return ErrorCommFailure, true
	case UnknownFunctionIndex:
		return ErrorUnknownFunctionIdx, true
	case UnknownMessageId:
		return ErrorUnknownMessageId, true
	case BadAccess:
		return ErrorBadAccess, true
	case BadInput:
		return ErrorBadInput, true
	default:
		return 0, false
	}
}
