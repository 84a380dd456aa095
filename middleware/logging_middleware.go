package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"p4rpc/dispatch"
	"p4rpc/rpcerr"
)

// LoggingMiddleware logs every command with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *dispatch.Command) (*dispatch.Result, error) {
			start := time.Now()
			res, err := next(ctx, cmd)
			fields := []zap.Field{
				zap.String("command", cmd.Name),
				zap.Int("args", len(cmd.Args)),
				zap.Duration("duration", time.Since(start)),
			}
			if res != nil {
				fields = append(fields,
					zap.Int("replies", len(res.Replies)),
					zap.Stringer("severity", res.Severity()))
			}
			if err != nil {
				fields = append(fields, zap.Stringer("kind", rpcerr.KindOf(err)), zap.Error(err))
				logger.Warn("command failed", fields...)
				return res, err
			}
			logger.Debug("command done", fields...)
			return res, nil
		}
	}
}
