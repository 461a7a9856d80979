// Package middleware wraps engine request handlers.
//
// A Middleware takes the next HandlerFunc and returns a new one; Chain
// composes them so that the first middleware is the outermost.
package middleware

import (
	"context"

	"poolrpc/message"
)

// HandlerFunc serves one decoded request and returns the response envelope.
// Handler failures are reported in the response's Error field.
type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. Chain(a, b)(h) calls a, then b, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// errorResponse builds a failed response for req.
func errorResponse(req *message.RPCMessage, msg string) *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Error:         msg,
	}
}
