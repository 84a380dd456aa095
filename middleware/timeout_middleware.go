package middleware

import (
	"context"
	"time"

	"p4rpc/dispatch"
	"p4rpc/rpcerr"
)

type outcome struct {
	res *dispatch.Result
	err error
}

// TimeoutMiddleware bounds each command. The handler sees the deadline on
// its context; if it has not returned by then the caller gets a
// "command timed out" connection error.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *dispatch.Command) (*dispatch.Result, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				res, err := next(ctx, cmd)
				done <- outcome{res, err}
			}()

			select {
			case o := <-done:
				return o.res, o.err
			case <-ctx.Done():
				return nil, rpcerr.Wrap(rpcerr.Connection, cmd.Name, ctx.Err(), "command timed out")
			}
		}
	}
}
