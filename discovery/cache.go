// Package discovery tracks the live endpoints of one service.
//
// A Cache subscribes to the children of the service path in the registry.
// A single owner goroutine applies ADDED/UPDATED/REMOVED events in delivery
// order and publishes an immutable snapshot after each one, so readers never
// observe a half-applied event.
package discovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"poolrpc/loadbalance"
	"poolrpc/log"
	"poolrpc/registry"
)

var (
	// ErrNoEndpointAvailable is returned by Select when the address set is empty.
	ErrNoEndpointAvailable = errors.New("discovery: no endpoint available")
	// ErrAlreadySubscribed is returned by a second Subscribe.
	ErrAlreadySubscribed = errors.New("discovery: already subscribed")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("discovery: cache closed")
)

// Cache holds the address set of one service.
type Cache struct {
	reg      registry.Registry
	root     string
	balancer loadbalance.Balancer
	logger   log.Logger

	mu      sync.Mutex
	service string
	watcher registry.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool

	snapshot atomic.Pointer[[]registry.Endpoint]
}

// Option configures a Cache.
type Option func(*Cache)

// WithBalancer sets the selection policy. The default is uniform random.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Cache) { c.balancer = b }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// NewCache returns a cache reading service paths under root.
func NewCache(reg registry.Registry, root string, opts ...Option) *Cache {
	c := &Cache{
		reg:      reg,
		root:     root,
		balancer: loadbalance.NewRandom(0),
	}
	for _, o := range opts {
		o(c)
	}
	empty := []registry.Endpoint{}
	c.snapshot.Store(&empty)
	return c
}

// Subscribe starts tracking service. The watch lives until Close.
func (c *Cache) Subscribe(ctx context.Context, service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.service != "" {
		return fmt.Errorf("%w to %s", ErrAlreadySubscribed, c.service)
	}
	if c.logger == nil {
		c.logger = log.FromContext(log.WithFields(ctx, zap.String("service", service)))
	}

	// The watch outlives ctx; Close ends it.
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w, err := c.reg.WatchChildren(wctx, registry.ServicePath(c.root, service), registry.StartNormal)
	if err != nil {
		cancel()
		return fmt.Errorf("discovery: watch %s: %w", service, err)
	}
	c.service = service
	c.watcher = w
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(w.Events(), c.done)
	return nil
}

// run is the owner goroutine: the only writer of the address set.
func (c *Cache) run(events <-chan registry.Event, done chan struct{}) {
	defer close(done)
	set := make(map[registry.Endpoint]struct{})
	for ev := range events {
		c.apply(set, ev)
	}
}

func (c *Cache) apply(set map[registry.Endpoint]struct{}, ev registry.Event) {
	ep, err := registry.ParseEndpoint(ev.Path)
	if err != nil {
		c.logger.Warnf("drop %s event: %v", ev.Type, err)
		return
	}
	switch ev.Type {
	case registry.EventAdded, registry.EventUpdated:
		set[ep] = struct{}{}
	case registry.EventRemoved:
		delete(set, ep)
	default:
		c.logger.Warnf("drop unknown event %v for %s", ev.Type, ev.Path)
		return
	}
	snap := make([]registry.Endpoint, 0, len(set))
	for e := range set {
		snap = append(snap, e)
	}
	slices.SortFunc(snap, func(a, b registry.Endpoint) int {
		return cmp.Or(cmp.Compare(a.Host, b.Host), cmp.Compare(a.Port, b.Port))
	})
	c.snapshot.Store(&snap)
	c.logger.Debugf("%s %s, %d endpoints", ev.Type, ep, len(snap))
}

// Service returns the subscribed service name.
func (c *Cache) Service() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.service
}

// Addresses returns a copy of the current address set, sorted by host and port.
func (c *Cache) Addresses() []registry.Endpoint {
	return slices.Clone(*c.snapshot.Load())
}

// Select picks one endpoint from the current snapshot.
func (c *Cache) Select() (registry.Endpoint, error) {
	snap := *c.snapshot.Load()
	if len(snap) == 0 {
		return registry.Endpoint{}, ErrNoEndpointAvailable
	}
	return c.balancer.Pick(snap)
}

// Close stops the watch and waits for the owner goroutine to exit. It is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	w, cancel, done := c.watcher, c.cancel, c.done
	c.mu.Unlock()

	if w == nil {
		return nil
	}
	w.Stop()
	cancel()
	<-done
	return nil
}
