// Package callctx implements the per-call ambient Context (C10): data the
// session sets before invoking a servant and the generated servant code
// reads back, scoped to a single dispatch, per spec.md §4.9.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package callctx

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v4"

	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/reflist"
	"github.com/nprpc/nprpc/wire"
)

// ShmChannel marks a dispatch that arrived over the shared-memory
// transport. Implemented by package session/shm, whose ReplyInPlace
// always reports true; the reply is still written to TxBuffer and copied
// into the ring like any other frame, not written in place.
type ShmChannel interface {
	ReplyInPlace() bool
}

// CookieSource is implemented by a transport's Conn when it captures HTTP
// cookies at connection time (the WebSocket upgrade, per spec.md §4.7).
// Implemented by package session/ws.
type CookieSource interface {
	Cookies() []*http.Cookie
}

// ExtrasCookies is the Extras key a CookieSource's cookies are stashed
// under.
const ExtrasCookies = "cookies"

// Extras carries transport-specific ambient data that doesn't generalize
// across every transport, e.g. WebSocket cookies or an HTTP request's
// headers. Keyed loosely so a given transport's session can stash
// whatever it needs without every other transport paying for an unused
// field.
type Extras map[string]any

// Context is handed to a servant's generated Dispatch method for the
// duration of exactly one call; nothing here survives past that call
// unless the servant copies it out explicitly.
type Context struct {
	RemoteEndpoint endpoint.Endpoint
	RefList        *reflist.List
	ShmChannel     ShmChannel
	RxBuffer       *wire.Buffer
	TxBuffer       *wire.Buffer
	Extras         Extras

	// Ctx is the ambient context.Context for this dispatch. The session
	// that received the call stamps it with its own identity (see package
	// session's WithCurrent/Current) before invoking the servant, so that
	// a nested outbound call issued from within Dispatch can tell whether
	// it is about to block the very session it was dispatched on — the
	// S = S' case spec.md §4.6 requires wrapping in BlockResponse.
	// Generated stub code should thread this into its Invoke calls rather
	// than building a fresh context.Background().
	Ctx context.Context

	claims *jwt.RegisteredClaims
}

// StdContext returns Ctx, defaulting to context.Background() for a
// Context built without one (e.g. in tests).
func (c *Context) StdContext() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

func New(remote endpoint.Endpoint, refs *reflist.List, rx, tx *wire.Buffer) *Context {
	return &Context{
		RemoteEndpoint: remote,
		RefList:        refs,
		RxBuffer:       rx,
		TxBuffer:       tx,
		Extras:         make(Extras),
	}
}

// Authenticate verifies a bearer token presented by the caller (typically
// lifted out of Extras by a transport-specific hook before dispatch) and
// caches the resulting claims on the Context for the servant to consult.
// It is an optional hook: servants that don't call it see an
// unauthenticated context, matching spec.md §7's "authn/authz policy
// beyond a hook" non-goal.
func (c *Context) Authenticate(token string, keyFunc jwt.Keyfunc) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, keyFunc)
	if err != nil {
		return err
	}
	c.claims = claims
	return nil
}

// Claims returns the claims cached by a prior Authenticate call, or nil if
// none was made.
func (c *Context) Claims() *jwt.RegisteredClaims { return c.claims }
