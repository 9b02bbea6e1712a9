package middleware

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimit rejects dispatches exceeding a token-bucket limit of r requests
// per second with the given burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			if !limiter.Allow() {
				return &Response{Err: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
