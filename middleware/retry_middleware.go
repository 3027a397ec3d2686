package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wsrpc/message"
)

// retryable reports whether the call was lost on this side. Errors returned
// by a remote handler are never retried, whatever their text.
func retryable(reply *message.Message) bool {
	return reply.Type == message.TypeError && reply.Local
}

// RetryMiddleware retries lost calls with exponential backoff. It belongs on
// the calling side, in front of idempotent services only.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !retryable(reply) {
					return reply
				}
				logger.Info("retry rpc",
					zap.Int("attempt", i+1),
					zap.String("service", req.Service),
					zap.String("error", reply.Error))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return reply
				}
				reply = next(ctx, req)
			}
			return reply
		}
	}
}
