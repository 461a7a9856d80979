package middleware

import (
	"context"
	"fmt"

	"poolrpc/log"
	"poolrpc/message"
)

// RecoveryMiddleware turns a handler panic into an error response so one bad
// request cannot take the connection down.
func RecoveryMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					log.FromContext(ctx).Errorf("panic serving %s: %v", req.ServiceMethod, r)
					resp = errorResponse(req, fmt.Sprintf("internal error: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
