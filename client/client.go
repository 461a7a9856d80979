// Package client is the consumer side: it turns a service name into a
// load-balanced pool of connections to the providers currently advertised
// in the registry, and invokes methods through it.
//
//	registry ──watch──→ discovery.Cache ──Select──→ ConnFactory ──→ transport.Pool ──Borrow──→ Proxy.Invoke
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"poolrpc/codec"
	"poolrpc/discovery"
	"poolrpc/log"
	"poolrpc/registry"
	"poolrpc/transport"
)

// ErrClientClosed is returned by Proxy after Close.
var ErrClientClosed = errors.New("client: closed")

// Config configures a Client.
type Config struct {
	Root        string
	Protocol    codec.CodecType
	DialTimeout time.Duration
	// Heartbeat is the connection heartbeat interval. Negative disables it.
	Heartbeat time.Duration
	Pool      transport.PoolConfig
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Root:        registry.DefaultRoot,
		Protocol:    codec.CodecTypeCompact,
		DialTimeout: DefaultDialTimeout,
		Heartbeat:   transport.DefaultHeartbeat,
		Pool:        transport.DefaultPoolConfig(),
	}
}

type serviceEntry struct {
	cache *discovery.Cache
	pool  *transport.Pool[*transport.ClientTransport]
	proxy *Proxy
}

// Client holds one address cache, connection pool and proxy per service.
type Client struct {
	reg registry.Registry
	cfg Config

	mu       sync.Mutex
	services map[string]*serviceEntry
	closed   bool
}

// New returns a client resolving services through reg.
func New(reg registry.Registry, cfg Config) *Client {
	if cfg.Root == "" {
		cfg.Root = registry.DefaultRoot
	}
	return &Client{
		reg:      reg,
		cfg:      cfg,
		services: make(map[string]*serviceEntry),
	}
}

// Proxy returns the proxy of service, subscribing to its providers on
// first use.
func (c *Client) Proxy(ctx context.Context, service string) (*Proxy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if e, ok := c.services[service]; ok {
		return e.proxy, nil
	}

	ctx = log.WithFields(ctx, zap.String("service", service))
	logger := log.FromContext(ctx)
	cache := discovery.NewCache(c.reg, c.cfg.Root, discovery.WithLogger(logger))
	if err := cache.Subscribe(ctx, service); err != nil {
		cache.Close()
		return nil, fmt.Errorf("client: subscribe %s: %w", service, err)
	}
	factory := NewConnFactory(cache, c.cfg.Protocol, c.cfg.DialTimeout, c.cfg.Heartbeat, WithFactoryLogger(logger))
	pool := transport.NewPool[*transport.ClientTransport](factory, c.cfg.Pool, logger)
	e := &serviceEntry{
		cache: cache,
		pool:  pool,
		proxy: NewProxy(service, pool),
	}
	c.services[service] = e
	return e.proxy, nil
}

// Pool returns the connection pool of service, or nil if Proxy was never
// called for it.
func (c *Client) Pool(service string) *transport.Pool[*transport.ClientTransport] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.services[service]; ok {
		return e.pool
	}
	return nil
}

// Close releases every pool and cache. Errors are aggregated.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	for name, e := range c.services {
		if perr := e.pool.Close(); perr != nil {
			err = multierr.Append(err, fmt.Errorf("close pool %s: %w", name, perr))
		}
		if cerr := e.cache.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close cache %s: %w", name, cerr))
		}
	}
	clear(c.services)
	return err
}
