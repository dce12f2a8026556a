// Package middleware wraps the server-side method dispatch in an onion of
// interceptors: Chain(A, B, C) runs A.before → B.before → C.before →
// handler → C.after → B.after → A.after.
package middleware

import (
	"context"

	"grid-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied in registration order.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
