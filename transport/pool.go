package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"

	"poolrpc/log"
)

var (
	// ErrPoolExhausted is returned by Borrow when no object became available
	// within the borrow timeout.
	ErrPoolExhausted = errors.New("transport: pool exhausted")
	// ErrPoolClosed is returned by Borrow after Close.
	ErrPoolClosed = errors.New("transport: pool closed")
	// ErrNotBorrowed is returned when returning an object the pool did not lend out.
	ErrNotBorrowed = errors.New("transport: object not borrowed from this pool")
)

// Factory creates, checks and destroys pooled objects.
type Factory[T any] interface {
	// Create makes a new object. Its error is passed to the borrower unchanged.
	Create(ctx context.Context) (T, error)
	// Validate reports whether obj may still be used.
	Validate(obj T) bool
	// Destroy releases obj. It may be called on an object that is already broken.
	Destroy(obj T) error
}

// PoolConfig sizes a Pool.
type PoolConfig struct {
	MaxTotal int // live objects, idle or borrowed
	MinIdle  int
	MaxIdle  int
	// IdleTimeout is how long an object may sit idle before eviction.
	IdleTimeout time.Duration
	// EvictionInterval is the sweep period. Zero means 2×IdleTimeout.
	EvictionInterval time.Duration
	// BorrowTimeout bounds how long Borrow waits on an exhausted pool.
	// Zero waits until the context is done.
	BorrowTimeout time.Duration
}

// DefaultPoolConfig returns the configuration used for zero fields.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTotal:      20,
		MinIdle:       0,
		MaxIdle:       20,
		IdleTimeout:   3 * time.Minute,
		BorrowTimeout: 5 * time.Second,
	}
}

// Normalize fills zero fields from DefaultPoolConfig and clamps
// MinIdle ≤ MaxIdle ≤ MaxTotal.
func (c PoolConfig) Normalize() PoolConfig {
	d := DefaultPoolConfig()
	if c.MaxTotal <= 0 {
		c.MaxTotal = d.MaxTotal
	}
	if c.MaxIdle <= 0 || c.MaxIdle > c.MaxTotal {
		c.MaxIdle = c.MaxTotal
	}
	if c.MinIdle < 0 {
		c.MinIdle = 0
	}
	if c.MinIdle > c.MaxIdle {
		c.MinIdle = c.MaxIdle
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = 2 * c.IdleTimeout
	}
	if c.BorrowTimeout < 0 {
		c.BorrowTimeout = 0
	}
	return c
}

type idleEntry[T any] struct {
	obj   T
	since time.Time
}

// Pool is a bounded pool of reusable objects.
//
// Two buffered channels carry the state: idle holds objects ready for reuse
// (FIFO) and slots holds one token per live object, so its length is the
// live count and sending on it blocks at MaxTotal.
type Pool[T comparable] struct {
	cfg     PoolConfig
	factory Factory[T]
	logger  log.Logger

	idle  chan idleEntry[T]
	slots chan struct{}

	mu       sync.Mutex // guards borrowed and idle pushes
	borrowed map[T]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewPool creates a pool and starts its eviction sweeper. Objects are created
// lazily, except that MinIdle objects are created on the first sweep.
func NewPool[T comparable](factory Factory[T], cfg PoolConfig, logger log.Logger) *Pool[T] {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = log.FromContext(context.Background())
	}
	p := &Pool[T]{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		idle:     make(chan idleEntry[T], cfg.MaxTotal),
		slots:    make(chan struct{}, cfg.MaxTotal),
		borrowed: make(map[T]struct{}),
		closed:   make(chan struct{}),
		now:      time.Now,
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

// Config returns the normalized configuration.
func (p *Pool[T]) Config() PoolConfig {
	return p.cfg
}

// Borrow hands out an idle object, or creates one while below MaxTotal, or
// waits for one to be returned. Idle objects are validated first and
// destroyed if they fail.
func (p *Pool[T]) Borrow(ctx context.Context) (T, error) {
	var zero T
	if p.isClosed() {
		return zero, ErrPoolClosed
	}
	var timeout <-chan time.Time
	if p.cfg.BorrowTimeout > 0 {
		timer := time.NewTimer(p.cfg.BorrowTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		// Prefer reuse over creation.
		select {
		case e := <-p.idle:
			if obj, ok := p.activate(e); ok {
				return obj, nil
			}
			continue
		default:
		}

		select {
		case e := <-p.idle:
			if obj, ok := p.activate(e); ok {
				return obj, nil
			}
		case p.slots <- struct{}{}:
			obj, err := p.factory.Create(ctx)
			if err != nil {
				<-p.slots
				return zero, err
			}
			p.mu.Lock()
			p.borrowed[obj] = struct{}{}
			p.mu.Unlock()
			return obj, nil
		case <-timeout:
			return zero, ErrPoolExhausted
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-p.closed:
			return zero, ErrPoolClosed
		}
	}
}

// activate validates an idle object and marks it borrowed.
func (p *Pool[T]) activate(e idleEntry[T]) (T, bool) {
	if !p.factory.Validate(e.obj) {
		p.destroy(e.obj)
		var zero T
		return zero, false
	}
	p.mu.Lock()
	p.borrowed[e.obj] = struct{}{}
	p.mu.Unlock()
	return e.obj, true
}

// Return gives a borrowed object back. It is destroyed instead of pooled if
// it no longer validates, if MaxIdle objects are already idle, or if the
// pool is closed.
func (p *Pool[T]) Return(obj T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.borrowed[obj]; !ok {
		return ErrNotBorrowed
	}
	delete(p.borrowed, obj)
	if p.isClosed() || len(p.idle) >= p.cfg.MaxIdle || !p.factory.Validate(obj) {
		p.destroy(obj)
		return nil
	}
	p.idle <- idleEntry[T]{obj: obj, since: p.now()}
	return nil
}

// Invalidate destroys a borrowed object and frees its slot.
func (p *Pool[T]) Invalidate(obj T) error {
	p.mu.Lock()
	if _, ok := p.borrowed[obj]; !ok {
		p.mu.Unlock()
		return ErrNotBorrowed
	}
	delete(p.borrowed, obj)
	p.mu.Unlock()
	p.destroy(obj)
	return nil
}

func (p *Pool[T]) destroy(obj T) {
	if err := p.factory.Destroy(obj); err != nil {
		p.logger.Warnf("pool: destroy: %v", err)
	}
	<-p.slots
}

// Evict runs one eviction sweep: objects idle for longer than IdleTimeout
// are destroyed while at least MinIdle remain, idle objects failing
// validation are destroyed, then the pool is refilled to MinIdle.
func (p *Pool[T]) Evict() {
	if p.isClosed() {
		return
	}
	now := p.now()
	n := len(p.idle)
	var kept []idleEntry[T]
drain:
	for i := 0; i < n; i++ {
		var e idleEntry[T]
		select {
		case e = <-p.idle:
		default:
			break drain
		}
		remaining := len(p.idle) + len(kept)
		switch {
		case now.Sub(e.since) > p.cfg.IdleTimeout && remaining >= p.cfg.MinIdle:
			p.logger.Debugf("pool: evict object idle since %s", e.since.Format(time.RFC3339))
			p.destroy(e.obj)
		case !p.factory.Validate(e.obj):
			p.destroy(e.obj)
		default:
			kept = append(kept, e)
		}
	}
	p.mu.Lock()
	for _, e := range kept {
		if p.isClosed() || len(p.idle) >= p.cfg.MaxIdle {
			p.destroy(e.obj)
			continue
		}
		p.idle <- e
	}
	p.mu.Unlock()
	p.ensureMinIdle()
}

func (p *Pool[T]) ensureMinIdle() {
	for len(p.idle) < p.cfg.MinIdle && !p.isClosed() {
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		obj, err := p.factory.Create(ctx)
		cancel()
		if err != nil {
			<-p.slots
			p.logger.Warnf("pool: create idle object: %v", err)
			return
		}
		p.mu.Lock()
		if p.isClosed() || len(p.idle) >= p.cfg.MaxIdle {
			p.destroy(obj)
			p.mu.Unlock()
			return
		}
		p.idle <- idleEntry[T]{obj: obj, since: p.now()}
		p.mu.Unlock()
	}
}

func (p *Pool[T]) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Evict()
		case <-p.closed:
			return
		}
	}
}

// NumIdle returns the number of idle objects.
func (p *Pool[T]) NumIdle() int {
	return len(p.idle)
}

// NumActive returns the number of borrowed objects.
func (p *Pool[T]) NumActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.borrowed)
}

// NumTotal returns the number of live objects, idle or borrowed.
func (p *Pool[T]) NumTotal() int {
	return len(p.slots)
}

func (p *Pool[T]) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Close destroys idle objects and stops the sweeper. Borrowed objects are
// destroyed when they come back. Destroy errors of the idle objects are
// returned together. Close is idempotent.
func (p *Pool[T]) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wg.Wait()
		p.mu.Lock()
		defer p.mu.Unlock()
		for {
			select {
			case e := <-p.idle:
				err = multierr.Append(err, p.factory.Destroy(e.obj))
				<-p.slots
			default:
				return
			}
		}
	})
	return err
}
