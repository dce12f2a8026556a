package middleware

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"grid-rpc/message"
)

// Logging reports every dispatched method with its duration and outcome.
func Logging() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			log.Infof("method %s from %s took %s, state %s",
				req.Header.MethodName, req.Header.Caller.HostName, time.Since(start), resp.Header.State)
			if resp.Header.Error != "" {
				log.Warnf("method %s failed: %s", req.Header.MethodName, resp.Header.Error)
			}
			return resp
		}
	}
}
