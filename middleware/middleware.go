// Package middleware provides the server-side dispatch chain.
//
// A Middleware wraps a HandlerFunc; Chain composes several into the onion
// model, so Chain(A, B, C)(handler) executes A.before → B.before → C.before
// → handler → C.after → B.after → A.after.
package middleware

import (
	"context"
)

// Request is one inbound Call or Cast as seen by the dispatch chain.
// Body is the still-encoded argument payload.
type Request struct {
	Target string
	Method string
	Body   []byte
}

// Response is the dispatch outcome. Err non-empty means the request failed
// and an Error frame (carrying Err as its message) goes back to the caller;
// otherwise Body is the encoded reply payload, possibly empty.
type Response struct {
	Body []byte
	Err  string
}

type HandlerFunc func(ctx context.Context, req *Request) *Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines multiple middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
