package httprpc_test

import (
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nprpc/nprpc/session/httprpc"
)

func newCtx(method, path string, body []byte) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(path)
	req.SetBody(body)
	ctx.Init(&req, nil, nil)
	return &ctx
}

func TestPostDispatchesAndReturnsAnswer(t *testing.T) {
	handler := httprpc.Handler(func(frame []byte) ([]byte, error) {
		return append([]byte("echo:"), frame...), nil
	}, nil)

	body := make([]byte, 16)
	ctx := newCtx(fasthttp.MethodPost, "/rpc", body)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("got status %d", ctx.Response.StatusCode())
	}
	got := string(ctx.Response.Body())
	if got[:5] != "echo:" {
		t.Fatalf("got body %q", got)
	}
}

func TestGetOnRpcPathIsBadRequest(t *testing.T) {
	handler := httprpc.Handler(func(frame []byte) ([]byte, error) {
		return nil, nil
	}, nil)

	ctx := newCtx(fasthttp.MethodGet, "/rpc", nil)
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("got status %d, want 400", ctx.Response.StatusCode())
	}
}

func TestOptionsPreflightReturnsCORSHeaders(t *testing.T) {
	handler := httprpc.Handler(func(frame []byte) ([]byte, error) {
		return nil, nil
	}, nil)

	ctx := newCtx(fasthttp.MethodOptions, "/rpc", nil)
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Fatalf("got CORS origin %q", got)
	}
}

func TestShortBodyIsBadRequest(t *testing.T) {
	handler := httprpc.Handler(func(frame []byte) ([]byte, error) {
		t.Fatal("dispatch should not be called for a short body")
		return nil, nil
	}, nil)

	ctx := newCtx(fasthttp.MethodPost, "/rpc", []byte("x"))
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("got status %d, want 400", ctx.Response.StatusCode())
	}
}
