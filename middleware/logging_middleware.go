package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wsrpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.Service),
				zap.Uint32("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if reply.Type == message.TypeError {
				logger.Warn("rpc failed", append(fields, zap.String("error", reply.Error))...)
			} else {
				logger.Debug("rpc done", fields...)
			}
			return reply
		}
	}
}
