package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"poolrpc/message"
)

// ErrRateLimited is the error message of a rejected request.
const ErrRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects requests beyond a token bucket of r requests
// per second with the given burst. The bucket is shared by every request
// passing through the returned middleware.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return errorResponse(req, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
