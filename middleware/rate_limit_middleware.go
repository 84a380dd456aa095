package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"p4rpc/dispatch"
	"p4rpc/rpcerr"
)

// RateLimitMiddleware admits r commands per second with bursts of burst
// using a token bucket. A command over the limit waits for a token; if ctx
// ends first it fails without reaching the server.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *dispatch.Command) (*dispatch.Result, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, rpcerr.Wrap(rpcerr.Connection, cmd.Name, err, "rate limit exceeded")
			}
			return next(ctx, cmd)
		}
	}
}
