// Package httprpc implements the HTTP POST transport (C6): a degenerate,
// one-call-per-request session over HTTP/1.1 (fasthttp) or HTTP/3 (QUIC),
// per spec.md §4.7.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package httprpc

import (
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nprpc/nprpc/proto"
)

const (
	rpcPath        = "/rpc"
	contentTypeBin = "application/octet-stream"
)

// Dispatcher is the subset of session.Dispatcher shape this transport
// needs, expressed directly over a frame rather than a Session (an HTTP
// POST never has a read loop to hand off to) to avoid depending on
// package session for a single-call transport.
type Dispatcher func(frame []byte) (answer []byte, err error)

// Handler builds a fasthttp.RequestHandler serving /rpc per spec.md's HTTP
// POST transport rules: POST carries the framed message as the body and
// gets the answer back as the response body; OPTIONS returns permissive
// CORS headers; GET on /rpc is 400; any other path is handed to
// staticFallback if configured (e.g. a file server), matching the
// "external collaborator" carve-out in spec.md §4.7.
func Handler(dispatch Dispatcher, staticFallback fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		if path != rpcPath {
			if staticFallback != nil {
				staticFallback(ctx)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}

		switch string(ctx.Method()) {
		case fasthttp.MethodOptions:
			writeCORSHeaders(ctx)
			ctx.SetStatusCode(fasthttp.StatusNoContent)
		case fasthttp.MethodPost:
			writeCORSHeaders(ctx)
			handlePost(ctx, dispatch)
		default:
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
		}
	}
}

func writeCORSHeaders(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
	ctx.Response.Header.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type")
}

func handlePost(ctx *fasthttp.RequestCtx, dispatch Dispatcher) {
	body := ctx.PostBody()
	if len(body) < proto.HeaderSize {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}

	answer, err := dispatch(body)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		fmt.Fprintf(ctx, "nprpc: %v", err)
		return
	}

	ctx.Response.Header.SetContentType(contentTypeBin)
	ctx.SetBody(answer)
}

// Serve starts an HTTP/1.1 listener on addr. HTTP/3 over QUIC is handled
// by Serve3 in quic.go, which takes a net/http Handler instead of this
// fasthttp one.
func Serve(addr string, handler fasthttp.RequestHandler) error {
	srv := &fasthttp.Server{Handler: handler}
	return srv.ListenAndServe(addr)
}

// Post issues one client-side call: a POST of frame's bytes to url as
// given, returning the raw answer body.
func Post(url string, frame []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentTypeBin)
	req.SetBody(frame)

	if err := fasthttp.Do(req, resp); err != nil {
		return nil, fmt.Errorf("httprpc: post %s: %w", url, err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("httprpc: post %s: status %d", url, resp.StatusCode())
	}
	return append([]byte(nil), resp.Body()...), nil
}
