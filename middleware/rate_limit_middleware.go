package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"grid-rpc/message"
)

// RateLimit rejects dispatches beyond a token-bucket budget of r requests
// per second with bursts of up to burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return &message.Response{
					Header: message.ResponseHeader{
						MethodName: req.Header.MethodName,
						Error:      "rate limit exceeded",
						State:      message.CallStateFailed,
					},
				}
			}
			return next(ctx, req)
		}
	}
}
