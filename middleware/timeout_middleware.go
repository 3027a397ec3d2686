package middleware

import (
	"context"
	"time"

	"wsrpc/message"
)

// TimeOutMiddleware answers with an error once the handler has run for longer
// than timeout. The handler keeps running with a cancelled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return req.Abort("request timed out")
			}
		}
	}
}
