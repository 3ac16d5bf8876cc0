// Package objectid implements ObjectId (C3): the flat-encoded wire value
// and its stringified "NPRPC:<base64>" reference, per spec.md §4.3.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package objectid

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nprpc/nprpc/wire"
)

// ActivationFlag restricts which transports may route a call to the
// object; a call arriving over a transport not in the set must be
// rejected with BadAccess (spec.md §4.3).
type ActivationFlag uint16

const (
	AllowTCP ActivationFlag = 1 << iota
	AllowWebSocket
	AllowHTTP
	AllowSHM

	// Persistent and Tethered share the flags word with the activation
	// bits since both are immutable per-object metadata that travels
	// with every reference.
	Persistent
	Tethered

	allowAny = AllowTCP | AllowWebSocket | AllowHTTP | AllowSHM
)

func (f ActivationFlag) Allows(flag ActivationFlag) bool { return f&flag != 0 }

// ObjectId names a servant globally. object_id is unique within
// (origin, poa_idx); (poa_idx, object_id) is the local key used within a
// single Rpc instance, and (origin, poa_idx, object_id) is the global key
// used to recognize two references to the same object.
type ObjectId struct {
	ObjectId uint64
	PoaIdx   uint16
	Flags    ActivationFlag
	Origin   uuid.UUID
	ClassId  string
	Urls     string
}

// LocalKey identifies an object within a single Rpc instance.
type LocalKey struct {
	PoaIdx   uint16
	ObjectId uint64
}

func (o ObjectId) LocalKey() LocalKey { return LocalKey{o.PoaIdx, o.ObjectId} }

// GlobalKey identifies an object across every Rpc instance that might hold
// a reference to it.
type GlobalKey struct {
	Origin   uuid.UUID
	PoaIdx   uint16
	ObjectId uint64
}

func (o ObjectId) GlobalKey() GlobalKey { return GlobalKey{o.Origin, o.PoaIdx, o.ObjectId} }

const wireSize = 8 /*object_id*/ + 2 /*poa_idx*/ + 2 /*flags*/ + 16 /*origin*/ + 8 /*class_id header*/ + 8 /*urls header*/

// Encode flat-encodes o into a fresh Buffer.
func Encode(o ObjectId) *wire.Buffer {
	buf := wire.NewBuffer(wireSize + len(o.ClassId) + len(o.Urls))
	w := wire.NewWriter(buf)

	w.U64(o.ObjectId)
	w.U16(o.PoaIdx)
	w.U16(uint16(o.Flags))
	originBytes, _ := o.Origin.MarshalBinary()
	buf.Append(originBytes)

	classSlot := w.VectorSlot()
	urlsSlot := w.VectorSlot()
	w.String(classSlot, o.ClassId)
	w.String(urlsSlot, o.Urls)

	return buf
}

// Decode reads an ObjectId flat-encoded by Encode.
func Decode(buf *wire.Buffer) (ObjectId, error) {
	r := wire.NewReader(buf)
	var o ObjectId
	o.ObjectId = r.U64(0)
	o.PoaIdx = r.U16(8)
	o.Flags = ActivationFlag(r.U16(10))
	originBytes := buf.At(12, 16)
	if err := o.Origin.UnmarshalBinary(originBytes); err != nil {
		return ObjectId{}, fmt.Errorf("objectid: bad origin: %w", err)
	}
	o.ClassId = r.String(28)
	o.Urls = r.String(36)
	return o, nil
}

// ToString renders o as a "NPRPC:<base64>" IOR that can be pasted into
// logs or config to bootstrap a reference without a nameserver.
func ToString(o ObjectId) string {
	buf := Encode(o)
	return "NPRPC:" + base64.RawURLEncoding.EncodeToString(buf.Data())
}

// FromString is ToString's inverse; it must round-trip exactly.
func FromString(s string) (ObjectId, error) {
	const prefix = "NPRPC:"
	if !strings.HasPrefix(s, prefix) {
		return ObjectId{}, fmt.Errorf("objectid: missing %q prefix", prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[len(prefix):])
	if err != nil {
		return ObjectId{}, fmt.Errorf("objectid: bad base64: %w", err)
	}
	return Decode(wire.WrapBuffer(raw))
}

// CandidateURLs splits the Urls field into its documented candidate list,
// in the order a connection cache must try them on connect failure.
func CandidateURLs(o ObjectId) []string {
	if o.Urls == "" {
		return nil
	}
	return strings.Split(o.Urls, ";")
}

// JoinURLs is CandidateURLs' inverse, used when constructing an ObjectId
// for a servant reachable over more than one transport.
func JoinURLs(urls []string) string { return strings.Join(urls, ";") }
