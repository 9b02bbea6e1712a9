package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Logging records target, method, duration, and outcome of every dispatch.
func Logging(log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			start := time.Now()
			resp := next(ctx, req)
			ev := log.Debug()
			if resp.Err != "" {
				ev = log.Warn().Str("error", resp.Err)
			}
			ev.Str("target", req.Target).
				Str("method", req.Method).
				Dur("duration", time.Since(start)).
				Msg("dispatch")
			return resp
		}
	}
}
