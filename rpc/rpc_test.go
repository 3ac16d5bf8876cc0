package rpc_test

import (
	"testing"

	"github.com/nprpc/nprpc/callctx"
	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/objectid"
	"github.com/nprpc/nprpc/poa"
	"github.com/nprpc/nprpc/proto"
	"github.com/nprpc/nprpc/rpc"
)

type echoServant struct{ calls int }

func (e *echoServant) ClassId() string { return "test.Echo" }

func (e *echoServant) Dispatch(interfaceIdx, functionIdx uint8, ctx *callctx.Context) error {
	e.calls++
	return nil
}

func newTestRpc(t *testing.T) *rpc.Rpc {
	t.Helper()
	r, err := rpc.NewBuilder().WithTCP(54321).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return r
}

func TestDispatchRoutesToActivatedObject(t *testing.T) {
	r := newTestRpc(t)
	p, err := r.NewPOA("test", poa.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewPOA: %v", err)
	}
	servant := &echoServant{}
	oid, err := p.ActivateObject(servant, objectid.AllowTCP, "tcp://127.0.0.1:5000")
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}

	call := proto.CallHeader{PoaIdx: p.PoaIdx, ObjectId: oid.ObjectId}
	msgType, _, err := r.Dispatch(call, endpoint.TCP, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if msgType != proto.MsgTypeAnswer {
		t.Errorf("msgType = %d, want MsgTypeAnswer", msgType)
	}
	if servant.calls != 1 {
		t.Errorf("servant.calls = %d, want 1", servant.calls)
	}
}

func TestDispatchUnknownPoaIsPoaNotExist(t *testing.T) {
	r := newTestRpc(t)
	_, _, err := r.Dispatch(proto.CallHeader{PoaIdx: 99}, endpoint.TCP, nil)
	se, ok := err.(*proto.SystemException)
	if !ok {
		t.Fatalf("expected *proto.SystemException, got %T (%v)", err, err)
	}
	if se.Kind != proto.ObjectNotExist {
		t.Errorf("Kind = %v, want ObjectNotExist", se.Kind)
	}
	mid, ok := se.ErrorMessageId()
	if !ok || mid != proto.ErrorPoaNotExist {
		t.Errorf("ErrorMessageId() = (%v, %v), want (ErrorPoaNotExist, true)", mid, ok)
	}
}

// TestDispatchUnknownObjectIsObjectNotExist proves a POA that exists but
// doesn't recognize object_id replies with the distinct Error_ObjectNotExist
// wire code (msg_id=7), not the Error_PoaNotExist (msg_id=6) the previous
// case uses, per spec.md §3's two-way split of what was one ExceptionKind.
func TestDispatchUnknownObjectIsObjectNotExist(t *testing.T) {
	r := newTestRpc(t)
	p, _ := r.NewPOA("test", poa.DefaultPolicy())
	_, _, err := r.Dispatch(proto.CallHeader{PoaIdx: p.PoaIdx, ObjectId: 404}, endpoint.TCP, nil)
	se, ok := err.(*proto.SystemException)
	if !ok {
		t.Fatalf("expected *proto.SystemException, got %T (%v)", err, err)
	}
	mid, ok := se.ErrorMessageId()
	if !ok || mid != proto.ErrorObjectNotExist {
		t.Errorf("ErrorMessageId() = (%v, %v), want (ErrorObjectNotExist, true)", mid, ok)
	}
}

func TestDispatchRejectsDisallowedTransport(t *testing.T) {
	r := newTestRpc(t)
	p, _ := r.NewPOA("test", poa.DefaultPolicy())
	servant := &echoServant{}
	oid, _ := p.ActivateObject(servant, objectid.AllowTCP, "tcp://127.0.0.1:5000")

	call := proto.CallHeader{PoaIdx: p.PoaIdx, ObjectId: oid.ObjectId}
	_, _, err := r.Dispatch(call, endpoint.WebSocket, nil)
	se, ok := err.(*proto.SystemException)
	if !ok {
		t.Fatalf("expected *proto.SystemException, got %T (%v)", err, err)
	}
	if se.Kind != proto.BadAccess {
		t.Errorf("Kind = %v, want BadAccess", se.Kind)
	}
}

func TestBuildRequiresAtLeastOneListener(t *testing.T) {
	_, err := rpc.NewBuilder().Build()
	if err == nil {
		t.Fatal("expected error when no transport is configured")
	}
}

func TestBuildAssignsOrigin(t *testing.T) {
	r, err := rpc.NewBuilder().WithTCP(12345).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var zero [16]byte
	if r.Origin() == zero {
		t.Error("expected a non-zero origin uuid")
	}
}
