package stub_test

import (
	"context"
	"testing"
	"time"

	"github.com/nprpc/nprpc/callctx"
	"github.com/nprpc/nprpc/objectid"
	"github.com/nprpc/nprpc/poa"
	"github.com/nprpc/nprpc/proto"
	"github.com/nprpc/nprpc/rpc"
	"github.com/nprpc/nprpc/stub"
	"github.com/nprpc/nprpc/wire"
)

type echoServant struct{}

func (echoServant) ClassId() string { return "test.Echo" }

func (echoServant) Dispatch(interfaceIdx, functionIdx uint8, ctx *callctx.Context) error {
	w := wire.NewWriter(ctx.TxBuffer)
	w.U32(42)
	return nil
}

func TestInvokeRoundTripsOverTCP(t *testing.T) {
	srv, err := rpc.NewBuilder().WithTCP(19847).Build()
	if err != nil {
		t.Fatalf("Build server: %v", err)
	}
	p, err := srv.NewPOA("test", poa.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewPOA: %v", err)
	}
	oid, err := p.ActivateObject(&echoServant{}, objectid.AllowTCP, "tcp://127.0.0.1:19847")
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	time.Sleep(50 * time.Millisecond) // let the listener bind before the client dials

	client, err := rpc.NewBuilder().WithTCP(19846).Build()
	if err != nil {
		t.Fatalf("Build client: %v", err)
	}
	target := &stub.Target{Rpc: client, ObjectId: oid}

	callCtx, cancelCall := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCall()
	msgId, body, err := target.Invoke(callCtx, 0, 0, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if msgId != proto.Success {
		t.Fatalf("msgId = %v, want Success", msgId)
	}
	if status := proto.ReplyStatusOf(msgId, err); status != proto.ReplyStatusNoException {
		t.Errorf("ReplyStatusOf(%v, %v) = %v, want NoException", msgId, err, status)
	}

	r := wire.NewReader(wire.WrapBuffer(body))
	if got := r.U32(0); got != 42 {
		t.Errorf("reply = %d, want 42", got)
	}
}

func TestAddReferenceAndReleaseAreFireAndForget(t *testing.T) {
	srv, err := rpc.NewBuilder().WithTCP(19849).Build()
	if err != nil {
		t.Fatalf("Build server: %v", err)
	}
	p, err := srv.NewPOA("test", poa.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewPOA: %v", err)
	}
	oid, err := p.ActivateObject(&echoServant{}, objectid.AllowTCP, "tcp://127.0.0.1:19849")
	if err != nil {
		t.Fatalf("ActivateObject: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	client, err := rpc.NewBuilder().WithTCP(19848).Build()
	if err != nil {
		t.Fatalf("Build client: %v", err)
	}
	target := &stub.Target{Rpc: client, ObjectId: oid}

	callCtx, cancelCall := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCall()

	start := time.Now()
	if err := target.AddReference(callCtx); err != nil {
		t.Fatalf("AddReference: %v", err)
	}
	if err := target.Release(callCtx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("AddReference/Release took %s; control messages must not wait for an answer", elapsed)
	}

	// Give the server's read loop a moment to process both fire-and-forget
	// frames, then confirm the transient object was deactivated: one
	// AddReference matched by one Release should bring the refcount back
	// to zero (spec.md §7 Testable Property 4).
	time.Sleep(100 * time.Millisecond)
	if n := p.Len(); n != 0 {
		t.Fatalf("poa.Len() = %d after matched AddReference/Release, want 0", n)
	}
}

func TestInvokeUnknownObjectIsObjectNotExist(t *testing.T) {
	srv, err := rpc.NewBuilder().WithTCP(19845).Build()
	if err != nil {
		t.Fatalf("Build server: %v", err)
	}
	if _, err := srv.NewPOA("test", poa.DefaultPolicy()); err != nil {
		t.Fatalf("NewPOA: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	client, err := rpc.NewBuilder().WithTCP(19844).Build()
	if err != nil {
		t.Fatalf("Build client: %v", err)
	}
	target := &stub.Target{Rpc: client, ObjectId: objectid.ObjectId{
		ObjectId: 999,
		PoaIdx:   0,
		Flags:    objectid.AllowTCP,
		Urls:     "tcp://127.0.0.1:19845",
	}}

	callCtx, cancelCall := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCall()
	_, _, err = target.Invoke(callCtx, 0, 0, nil)
	se, ok := err.(*proto.SystemException)
	if !ok {
		t.Fatalf("expected *proto.SystemException, got %T (%v)", err, err)
	}
	if se.Kind != proto.ObjectNotExist {
		t.Errorf("Kind = %v, want ObjectNotExist", se.Kind)
	}
	if status := proto.ReplyStatusOf(0, err); status != proto.ReplyStatusSystemException {
		t.Errorf("ReplyStatusOf(_, %v) = %v, want SystemException", err, status)
	}
}
