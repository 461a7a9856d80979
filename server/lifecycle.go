package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"poolrpc/log"
	"poolrpc/middleware"
	"poolrpc/registry"
	"poolrpc/retry"
)

// Config configures a Lifecycle.
type Config struct {
	// Port to listen on. Zero picks a free port; the advertised port is
	// always the one actually bound.
	Port int
	// AdvertiseHost is the host written in the instance records. Empty
	// means resolve a site-local address.
	AdvertiseHost string
	// Root is the registry root path segment.
	Root string
	// ShutdownTimeout bounds Stop when Run shuts down.
	ShutdownTimeout time.Duration
	Engine          EngineConfig
	// RetryPolicy paces registration retries.
	RetryPolicy retry.Policy
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		Root:            registry.DefaultRoot,
		ShutdownTimeout: 10 * time.Second,
		Engine:          DefaultEngineConfig(),
		RetryPolicy:     DefaultGuardRetry,
	}
}

// Lifecycle starts and stops one provider process: the engine serving the
// handlers and the guard advertising them.
type Lifecycle struct {
	cfg      Config
	reg      registry.Registry
	engine   *Engine
	resolver *IPResolver
	logger   log.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	ln       net.Listener
	endpoint registry.Endpoint
	guard    *Guard
	eg       *errgroup.Group
	egCtx    context.Context

	stopOnce sync.Once
}

// ErrLifecycleStopped is returned by Start after Stop.
var ErrLifecycleStopped = errors.New("server: stopped")

// New returns a lifecycle serving handlers, keyed by service name, and
// advertising them in reg.
func New(cfg Config, reg registry.Registry, handlers map[string]Handler) *Lifecycle {
	d := DefaultConfig()
	if cfg.Root == "" {
		cfg.Root = d.Root
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
	return &Lifecycle{
		cfg:      cfg,
		reg:      reg,
		engine:   NewEngine(cfg.Engine, handlers),
		resolver: &IPResolver{},
		logger:   log.FromContext(context.Background()),
	}
}

// Use adds an engine middleware. It must be called before Start.
func (l *Lifecycle) Use(mw middleware.Middleware) {
	l.engine.Use(mw)
}

// Engine returns the engine.
func (l *Lifecycle) Engine() *Engine {
	return l.engine
}

// Start listens, resolves the advertised endpoint, starts serving and then
// registers every service.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrLifecycleStopped
	}
	if l.started {
		return errors.New("server: already started")
	}
	l.started = true

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(l.cfg.Port)))
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	l.ln = ln

	host := l.cfg.AdvertiseHost
	if host == "" {
		host, err = l.resolver.ServerIP()
		if err != nil {
			l.logger.Warnf("resolve server ip: %v; advertising loopback", err)
			host = "127.0.0.1"
		}
	}
	l.endpoint = registry.Endpoint{Host: host, Port: ln.Addr().(*net.TCPAddr).Port}

	l.eg, l.egCtx = errgroup.WithContext(context.WithoutCancel(ctx))
	l.eg.Go(func() error {
		err := l.engine.Serve(ln)
		if errors.Is(err, ErrEngineStopped) {
			return nil
		}
		return err
	})

	l.guard = NewGuard(l.reg, l.cfg.Root, l.engine.Services(), l.endpoint, l.cfg.RetryPolicy)
	if err := l.guard.Start(ctx); err != nil {
		l.engine.Stop(ctx)
		l.eg.Wait()
		return err
	}
	l.logger.Infof("server %s advertising %v", l.endpoint, l.engine.Services())
	return nil
}

// Addr returns the listener address, or nil before Start.
func (l *Lifecycle) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Endpoint returns the advertised endpoint.
func (l *Lifecycle) Endpoint() registry.Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endpoint
}

// Guard returns the registration guard, or nil before Start.
func (l *Lifecycle) Guard() *Guard {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.guard
}

// Stop undoes Start in reverse order: the engine stops serving, the guard
// removes the records, then the serve goroutine is awaited. Only the first
// call does work; later calls return nil. A lifecycle stopped before it was
// started cannot be started any more.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	started := l.started
	l.mu.Unlock()
	if !started {
		return nil
	}

	var err error
	l.stopOnce.Do(func() {
		l.mu.Lock()
		guard, eg := l.guard, l.eg
		l.mu.Unlock()
		if eg == nil {
			return
		}
		err = multierr.Append(err, l.engine.Stop(ctx))
		if guard != nil {
			err = multierr.Append(err, guard.Stop(ctx))
		}
		err = multierr.Append(err, eg.Wait())
		l.logger.Infof("server %s stopped", l.endpoint)
	})
	return err
}

// Run starts the server and blocks until ctx is done, SIGINT or SIGTERM
// arrives, or serving fails. It then stops the server within ShutdownTimeout.
// This is typically invoked as the last statement in main.
func (l *Lifecycle) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := l.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		l.logger.Infof("shutting down: %v", context.Cause(ctx))
	case <-l.egCtx.Done():
		l.logger.Errorf("serve error: %v", context.Cause(l.egCtx))
	}

	sctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()
	return l.Stop(sctx)
}
