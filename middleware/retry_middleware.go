package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"p4rpc/dispatch"
	"p4rpc/rpcerr"
)

// RetryMiddleware reruns a command that failed with a retryable error, with
// exponential backoff starting at baseDelay. Protocol, security and server
// failures are returned at once.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *dispatch.Command) (*dispatch.Result, error) {
			res, err := next(ctx, cmd)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !rpcerr.Retryable(err) {
					return res, err
				}
				logger.Info("retrying command",
					zap.String("command", cmd.Name),
					zap.Int("attempt", i+1),
					zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return res, err
				}
				res, err = next(ctx, cmd)
			}
			return res, err
		}
	}
}
