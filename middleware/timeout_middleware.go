package middleware

import (
	"context"
	"time"

	"grid-rpc/message"
)

// Timeout bounds a handler's execution time. The session strand stays
// serialized; a handler that overruns keeps running in its goroutine, but
// the caller gets a failed response immediately.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{
					Header: message.ResponseHeader{
						MethodName: req.Header.MethodName,
						Error:      "request timed out",
						State:      message.CallStateFailed,
					},
				}
			}
		}
	}
}
