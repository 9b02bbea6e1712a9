package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Retry re-runs a dispatch that failed with a transient error, backing off
// exponentially from baseDelay. Only timeout and connection errors are
// retried; application errors return immediately.
func Retry(maxRetries int, baseDelay time.Duration, log zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) *Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Err == "" {
					return resp
				}
				if !strings.Contains(resp.Err, "timed out") && !strings.Contains(resp.Err, "connection refused") {
					return resp
				}
				log.Warn().
					Int("attempt", i+1).
					Str("target", req.Target).
					Str("method", req.Method).
					Str("error", resp.Err).
					Msg("retrying dispatch")
				time.Sleep(baseDelay * time.Duration(1<<i))
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
