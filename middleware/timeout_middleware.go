package middleware

import (
	"context"
	"time"
)

// Timeout bounds handler execution. The handler goroutine keeps running
// after the deadline (cancellation is cooperative via ctx); only the reply
// is abandoned.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &Response{Err: "request timed out"}
			}
		}
	}
}
