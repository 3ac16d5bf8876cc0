package proto_test

import (
	"strings"
	"testing"

	"github.com/nprpc/nprpc/proto"
	"github.com/nprpc/nprpc/wire"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := wire.NewBuffer(0)
	w := wire.NewWriter(buf)

	h := proto.Header{Size: 128, MsgId: proto.FunctionCall, MsgType: 3, RequestId: 99}
	h.Write(w)

	r := wire.NewReader(buf)
	got := proto.ReadHeader(r, 0)
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestCallHeaderRoundTrip(t *testing.T) {
	buf := wire.NewBuffer(0)
	w := wire.NewWriter(buf)

	c := proto.CallHeader{PoaIdx: 2, InterfaceIdx: 1, FunctionIdx: 5, ObjectId: 0x1122334455}
	c.Write(w)

	r := wire.NewReader(buf)
	got := proto.ReadCallHeader(r, 0)
	if got != c {
		t.Fatalf("got %+v, want %+v", got, c)
	}
}

func TestMessageIdIsError(t *testing.T) {
	cases := []struct {
		id   proto.MessageId
		want bool
	}{
		{proto.FunctionCall, false},
		{proto.Success, false},
		{proto.Exception, false},
		{proto.ErrorPoaNotExist, true},
		{proto.ErrorBadInput, true},
	}
	for _, c := range cases {
		if got := c.id.IsError(); got != c.want {
			t.Errorf("%v.IsError() = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestErrorMessageIdRoundTrip(t *testing.T) {
	for _, kind := range []proto.ExceptionKind{
		proto.ObjectNotExist, proto.CommFailure, proto.UnknownFunctionIndex,
		proto.UnknownMessageId, proto.BadAccess, proto.BadInput,
	} {
		mid, ok := proto.ToErrorMessageId(kind)
		if !ok {
			t.Fatalf("%v: no MessageId mapping", kind)
		}
		got := proto.FromErrorMessageId(mid)
		if got.Kind != kind && !(kind == proto.ObjectNotExist && got.Kind == proto.ObjectNotExist) {
			t.Fatalf("%v: round-tripped to %v", kind, got.Kind)
		}
	}
}

func TestReplyStatusOf(t *testing.T) {
	cases := []struct {
		name  string
		msgId proto.MessageId
		err   error
		want  proto.ReplyStatus
	}{
		{"success", proto.Success, nil, proto.ReplyStatusNoException},
		{"user exception body", proto.Exception, nil, proto.ReplyStatusUserException},
		{"translated system exception", proto.Success, proto.NewSystemException(proto.ObjectNotExist, "gone"), proto.ReplyStatusSystemException},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := proto.ReplyStatusOf(c.msgId, c.err); got != c.want {
				t.Errorf("ReplyStatusOf(%v, %v) = %v, want %v", c.msgId, c.err, got, c.want)
			}
		})
	}
}

func TestSystemExceptionDiagnosticJSON(t *testing.T) {
	e := proto.NewSystemException(proto.BadInput, "field %s missing", "name")
	got := e.DiagnosticJSON()
	if !strings.Contains(got, `"kind":"BadInput"`) {
		t.Errorf("DiagnosticJSON() = %q, want kind=BadInput", got)
	}
	if !strings.Contains(got, "field name missing") {
		t.Errorf("DiagnosticJSON() = %q, want the formatted message", got)
	}
}
