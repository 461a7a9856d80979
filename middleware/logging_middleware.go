package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"poolrpc/log"
	"poolrpc/message"
)

// LoggingMiddleware logs every request with its duration. The method name is
// attached to the context so handlers logging through log.FromContext carry it.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx = log.WithFields(ctx, zap.String("method", req.ServiceMethod))
			logger := log.FromContext(ctx)
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp.Failed() {
				logger.Warnf("%s failed in %s: %s", req.ServiceMethod, duration, resp.Error)
				return resp
			}
			logger.Debugf("%s served in %s", req.ServiceMethod, duration)
			return resp
		}
	}
}
