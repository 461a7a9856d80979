// Package echo is a small example service wired end to end: a provider
// implementation, its handler for the engine, and the consumer-side proxy.
package echo

import (
	"context"
	"strings"

	"poolrpc/client"
	"poolrpc/server"
)

// ServiceName is the name Echo is registered and discovered under.
const ServiceName = "Echo"

// Service is the Echo contract shared by provider and consumer.
type Service interface {
	// Echo returns msg unchanged.
	Echo(ctx context.Context, msg string) (string, error)
	// Upper returns msg upper-cased.
	Upper(ctx context.Context, msg string) (string, error)
}

// Args is the wire argument of every Echo method.
type Args struct {
	Msg string `json:"msg"`
}

// Reply is the wire reply of every Echo method.
type Reply struct {
	Msg string `json:"msg"`
}

// Impl is the default provider implementation.
type Impl struct{}

func (Impl) Echo(ctx context.Context, msg string) (string, error) {
	return msg, nil
}

func (Impl) Upper(ctx context.Context, msg string) (string, error) {
	return strings.ToUpper(msg), nil
}

// NewHandler exposes svc to the engine.
func NewHandler(svc Service) server.Handler {
	wrap := func(fn func(context.Context, string) (string, error)) server.Method {
		return server.Unary(func(ctx context.Context, args *Args) (*Reply, error) {
			msg, err := fn(ctx, args.Msg)
			if err != nil {
				return nil, err
			}
			return &Reply{Msg: msg}, nil
		})
	}
	return server.Methods{
		"Echo":  wrap(svc.Echo),
		"Upper": wrap(svc.Upper),
	}
}

// Client calls a remote Echo service.
type Client struct {
	inv client.Invoker
}

var _ Service = (*Client)(nil)

// NewClient returns an Echo client invoking through inv.
func NewClient(inv client.Invoker) *Client {
	return &Client{inv: inv}
}

func (c *Client) Echo(ctx context.Context, msg string) (string, error) {
	var reply Reply
	if err := c.inv.Invoke(ctx, "Echo", &Args{Msg: msg}, &reply); err != nil {
		return "", err
	}
	return reply.Msg, nil
}

func (c *Client) Upper(ctx context.Context, msg string) (string, error) {
	var reply Reply
	if err := c.inv.Invoke(ctx, "Upper", &Args{Msg: msg}, &reply); err != nil {
		return "", err
	}
	return reply.Msg, nil
}
