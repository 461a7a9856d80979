package client

import (
	"context"
	"errors"

	"poolrpc/log"
	"poolrpc/transport"
)

// Invoker performs one call of a service method.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any) error
}

// Proxy invokes the methods of one service over a connection pool.
//
// Each call borrows a connection, uses it, and gives it back. A call that
// fails for any reason destroys its connection, and the caller receives the
// error unchanged. Proxy never retries.
type Proxy struct {
	service string
	pool    *transport.Pool[*transport.ClientTransport]
}

var _ Invoker = (*Proxy)(nil)

// NewProxy returns a proxy calling service over pool.
func NewProxy(service string, pool *transport.Pool[*transport.ClientTransport]) *Proxy {
	return &Proxy{service: service, pool: pool}
}

// Service returns the service name.
func (p *Proxy) Service() string {
	return p.service
}

// Invoke calls service.method with args and decodes the result into reply.
func (p *Proxy) Invoke(ctx context.Context, method string, args, reply any) error {
	t, err := p.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	err = t.Call(ctx, p.service+"."+method, args, reply)
	if err != nil {
		if ierr := p.pool.Invalidate(t); ierr != nil {
			log.FromContext(ctx).Warnf("client: invalidate connection to %s: %v", t.RemoteAddr(), ierr)
		}
		return err
	}
	if rerr := p.pool.Return(t); rerr != nil {
		log.FromContext(ctx).Warnf("client: return connection to %s: %v", t.RemoteAddr(), rerr)
	}
	return nil
}

// Temporary reports whether a failed Invoke may succeed if tried again.
// Handler errors and context errors are not temporary; everything else is a
// broken or unavailable connection.
func Temporary(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var remote *transport.RemoteError
	return !errors.As(err, &remote)
}
