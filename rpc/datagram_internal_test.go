package rpc

import (
	"testing"

	"github.com/nprpc/nprpc/callctx"
	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/objectid"
	"github.com/nprpc/nprpc/poa"
	"github.com/nprpc/nprpc/proto"
	"github.com/nprpc/nprpc/wire"
)

type datagramServant struct{}

func (datagramServant) ClassId() string { return "test.Datagram" }
func (datagramServant) Dispatch(interfaceIdx, functionIdx uint8, ctx *callctx.Context) error {
	return nil
}

func encodeDatagram(msgId proto.MessageId, poaIdx uint16, objectId uint64) []byte {
	buf := wire.NewBuffer(proto.HeaderSize)
	w := wire.NewWriter(buf)
	hdr := proto.Header{Size: uint32(proto.HeaderSize), MsgId: msgId, MsgType: proto.MsgTypeRequest}
	hdr.Write(w)
	oid := proto.ObjectIdLocal{PoaIdx: poaIdx, ObjectId: objectId}
	oid.Write(w)
	return buf.Data()
}

// TestHandleDatagramAppliesAddRefAndRelease proves a datagram-delivered
// AddReference/ReleaseObject pair reaches the POA the same way the
// session-carried control messages do: two AddRef then two Release drops
// the Transient-lifespan object's refcount to zero and deactivates it,
// observable as the next call returning ObjectNotExist.
func TestHandleDatagramAppliesAddRefAndRelease(t *testing.T) {
	r, err := NewBuilder().WithTCP(54399).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	p, err := r.NewPOA("test", poa.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewPOA: %v", err)
	}
	servant := datagramServant{}
	oid, err := p.ActivateObject(servant, objectid.AllowTCP, "tcp://127.0.0.1:5000")
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}

	r.handleDatagram(encodeDatagram(proto.AddReference, p.PoaIdx, oid.ObjectId))
	r.handleDatagram(encodeDatagram(proto.AddReference, p.PoaIdx, oid.ObjectId))

	call := proto.CallHeader{PoaIdx: p.PoaIdx, ObjectId: oid.ObjectId}
	if _, _, err := r.Dispatch(call, endpoint.TCP, nil); err != nil {
		t.Fatalf("Dispatch before release: %v", err)
	}

	r.handleDatagram(encodeDatagram(proto.ReleaseObject, p.PoaIdx, oid.ObjectId))
	r.handleDatagram(encodeDatagram(proto.ReleaseObject, p.PoaIdx, oid.ObjectId))

	_, _, err = r.Dispatch(call, endpoint.TCP, nil)
	se, ok := err.(*proto.SystemException)
	if !ok || se.Kind != proto.ObjectNotExist {
		t.Fatalf("Dispatch after release = %v, want ObjectNotExist", err)
	}
}

func TestHandleDatagramIgnoresUnknownPoa(t *testing.T) {
	r, err := NewBuilder().WithTCP(54398).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Must not panic even though poa_idx 7 was never registered.
	r.handleDatagram(encodeDatagram(proto.AddReference, 7, 1))
}
