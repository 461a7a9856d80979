package middleware

import (
	"context"
	"time"

	"poolrpc/message"
)

// ErrTimedOut is the error message of a request that exceeded its deadline.
const ErrTimedOut = "request timed out"

// TimeOutMiddleware bounds each request by timeout. The handler keeps running
// in the background with a cancelled context; its late response is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return errorResponse(req, ErrTimedOut)
			}
		}
	}
}
