package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"poolrpc/log"
	"poolrpc/registry"
	"poolrpc/retry"
)

// RegistrationError reports a failed attempt to write an instance record.
// The guard logs it and tries again; it is never fatal.
type RegistrationError struct {
	Path string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s: %v", e.Path, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// errGuardStarted is returned by a second Start.
var errGuardStarted = errors.New("server: guard already started")

// DefaultGuardRetry is the backoff between failed registration attempts.
var DefaultGuardRetry = retry.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// DefaultRegisterTimeout bounds one registration attempt. An attempt that
// times out is retried like any other failure.
const DefaultRegisterTimeout = 6 * time.Second

// Payload is the content of an instance record.
type Payload struct {
	TS       int64  `json:"ts"` // unix millis of the guard start
	Instance string `json:"instance"`
}

// record is one advertised path.
type record struct {
	path    string
	payload []byte

	mu        sync.Mutex
	lastEvent registry.EventType
	lastSeen  time.Time
	pending   bool // the last write failed or was not confirmed
}

func (r *record) seen(ev registry.Event, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastEvent = ev.Type
	r.lastSeen = now
}

// RecordState is a snapshot of one guarded record.
type RecordState struct {
	Path          string
	LastEvent     registry.EventType
	LastEventSeen time.Time
	Pending       bool
}

// Guard keeps one ephemeral record per service advertised for as long as it
// runs. Every record has a node watch, and the record is written again when
// it disappears or is overwritten by someone else. Events carrying the
// guard's own payload are only recorded, so its own writes do not trigger
// further writes.
type Guard struct {
	reg      registry.Registry
	root     string
	services []string
	endpoint registry.Endpoint
	policy   retry.Policy
	logger   log.Logger
	now      func() time.Time
	// attemptTimeout bounds each Register call.
	attemptTimeout time.Duration

	instance string

	mu       sync.Mutex
	records  []*record
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	watchers []registry.Watcher
	wg       sync.WaitGroup
}

// NewGuard returns a guard advertising ep under root for every service.
func NewGuard(reg registry.Registry, root string, services []string, ep registry.Endpoint, policy retry.Policy) *Guard {
	if policy == (retry.Policy{}) {
		policy = DefaultGuardRetry
	}
	return &Guard{
		reg:      reg,
		root:     root,
		services: services,
		endpoint: ep,
		policy:   policy,
		logger:   log.FromContext(context.Background()),
		now:      time.Now,
		instance: uuid.NewString(),

		attemptTimeout: DefaultRegisterTimeout,
	}
}

// Instance returns the instance id written in every record.
func (g *Guard) Instance() string {
	return g.instance
}

// Start registers every record and starts guarding it. A failed registration
// is logged and retried in the background; only a failure to watch is
// returned.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return errGuardStarted
	}
	g.started = true

	payload, err := json.Marshal(Payload{TS: g.now().UnixMilli(), Instance: g.instance})
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	runCtx = log.WithFields(runCtx, zap.String("instance", g.instance))

	for _, svc := range g.services {
		rec := &record{
			path:    registry.InstancePath(g.root, svc, g.endpoint),
			payload: payload,
		}
		// Watch before writing so our own ADDED is observed.
		w, err := g.reg.WatchNode(runCtx, rec.path)
		if err != nil {
			g.abort(ctx)
			return &RegistrationError{Path: rec.path, Err: fmt.Errorf("watch: %w", err)}
		}
		g.watchers = append(g.watchers, w)
		g.records = append(g.records, rec)

		if err := g.register(ctx, rec); err != nil {
			rec.pending = true
		}
		g.wg.Add(1)
		go g.guard(runCtx, rec, w)
	}
	return nil
}

// abort undoes a partial Start. g.mu must be held.
func (g *Guard) abort(ctx context.Context) {
	g.cancel()
	for _, w := range g.watchers {
		w.Stop()
	}
	g.wg.Wait()
	for _, rec := range g.records {
		if err := g.reg.Unregister(ctx, rec.path); err != nil {
			g.logger.Warnf("unregister %s: %v", rec.path, err)
		}
	}
	g.watchers, g.records = nil, nil
	g.stopped = true
}

// register writes rec and logs a failure as *RegistrationError.
func (g *Guard) register(ctx context.Context, rec *record) error {
	actx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()
	err := g.reg.Register(actx, rec.path, rec.payload)
	if err != nil {
		rerr := &RegistrationError{Path: rec.path, Err: err}
		log.FromContext(ctx).Warnf("%v", rerr)
		return rerr
	}
	return nil
}

// guard consumes the node watch of rec until ctx is done or the watch ends.
func (g *Guard) guard(ctx context.Context, rec *record, w registry.Watcher) {
	defer g.wg.Done()
	logger := log.FromContext(ctx)

	attempt := 0
	var retryC <-chan time.Time
	rec.mu.Lock()
	if rec.pending {
		retryC = time.After(g.policy.Backoff(attempt))
		attempt++
	}
	rec.mu.Unlock()

	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			rec.seen(ev, g.now())
			if ev.Type != registry.EventRemoved && bytes.Equal(ev.Payload, rec.payload) {
				// Our own write.
				rec.mu.Lock()
				rec.pending = false
				rec.mu.Unlock()
				retryC = nil
				attempt = 0
				continue
			}
			if ev.Type == registry.EventRemoved {
				logger.Infof("record %s removed, registering again", rec.path)
			} else {
				logger.Warnf("record %s overwritten by another writer, registering again", rec.path)
			}
		case <-retryC:
			logger.Debugf("retry registering %s (attempt %d)", rec.path, attempt)
		case <-ctx.Done():
			return
		}

		if err := g.register(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return
			}
			rec.mu.Lock()
			rec.pending = true
			rec.mu.Unlock()
			retryC = time.After(g.policy.Backoff(attempt))
			attempt++
			continue
		}
		retryC = nil
		attempt = 0
	}
}

// Records returns the state of every guarded record.
func (g *Guard) Records() []RecordState {
	g.mu.Lock()
	defer g.mu.Unlock()
	states := make([]RecordState, 0, len(g.records))
	for _, rec := range g.records {
		rec.mu.Lock()
		states = append(states, RecordState{
			Path:          rec.path,
			LastEvent:     rec.lastEvent,
			LastEventSeen: rec.lastSeen,
			Pending:       rec.pending,
		})
		rec.mu.Unlock()
	}
	return states
}

// Stop ends every watch, then removes every record best-effort. Failures
// are logged and returned together. Only the first call does work.
func (g *Guard) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started || g.stopped {
		g.stopped = true
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	g.cancel()
	watchers := g.watchers
	records := g.records
	g.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	g.wg.Wait()

	var err error
	for _, rec := range records {
		if uerr := g.reg.Unregister(ctx, rec.path); uerr != nil {
			g.logger.Warnf("unregister %s: %v", rec.path, uerr)
			err = multierr.Append(err, fmt.Errorf("unregister %s: %w", rec.path, uerr))
		}
	}
	return err
}
