// Package middleware wraps RPC handling in onion layers. The same chain type
// serves both sides of a connection: around service dispatch on the receiving
// side, and around outgoing calls on the calling side.
package middleware

import (
	"context"

	"wsrpc/message"
)

// HandlerFunc turns a request into its reply or error message. It never
// returns nil.
type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost:
// Chain(A, B, C)(h) runs A, then B, then C, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
