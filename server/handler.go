package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMethod is returned by Methods.Call for a method it does not hold.
var ErrUnknownMethod = errors.New("rpc: unknown method")

// Handler serves every method of one service. payload is the JSON-encoded
// argument; the returned bytes are the JSON-encoded reply.
type Handler interface {
	Call(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// Method serves a single method.
type Method func(ctx context.Context, payload []byte) ([]byte, error)

// Methods is a Handler that dispatches by method name.
type Methods map[string]Method

// Call runs the named method.
func (m Methods) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	fn, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, method)
	}
	return fn(ctx, payload)
}

// Unary adapts a typed function to a Method. An empty payload leaves the
// argument at its zero value.
//
//	server.Methods{
//		"Upper": server.Unary(svc.Upper),
//	}
func Unary[A, R any](fn func(context.Context, *A) (*R, error)) Method {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var args A
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &args); err != nil {
				return nil, fmt.Errorf("rpc: decode args: %w", err)
			}
		}
		reply, err := fn(ctx, &args)
		if err != nil {
			return nil, err
		}
		return json.Marshal(reply)
	}
}
