// EtcdRegistry keeps records in etcd:
//
//	Key:   /{root}/{service}/{host}:{port}
//	Value: opaque payload
//
// Ephemeral records are attached to the lease of a concurrency.Session. If the
// process dies or loses etcd for longer than the session TTL, the lease
// expires and etcd deletes every record written through it. The next
// Register opens a fresh session.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"poolrpc/log"
)

// EtcdConfig configures EtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL in seconds. Records vanish this long after
	// the session stops being kept alive.
	SessionTTL int
	// ResyncDelay is the pause before a broken watch is re-established.
	ResyncDelay time.Duration
}

// DefaultEtcdConfig returns the configuration used for zero fields.
func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:   []string{"127.0.0.1:2379"},
		DialTimeout: 6 * time.Second,
		SessionTTL:  12,
		ResyncDelay: time.Second,
	}
}

func (c EtcdConfig) withDefaults() EtcdConfig {
	d := DefaultEtcdConfig()
	if len(c.Endpoints) == 0 {
		c.Endpoints = d.Endpoints
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.ResyncDelay <= 0 {
		c.ResyncDelay = d.ResyncDelay
	}
	return c
}

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client  *clientv3.Client
	cfg     EtcdConfig
	logger  log.Logger
	watches watchSet

	mu     sync.Mutex
	sess   *concurrency.Session
	closed bool
}

var _ Registry = (*EtcdRegistry)(nil)

// NewEtcdRegistry connects to the etcd cluster described by cfg.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	cfg = cfg.withDefaults()
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      log.Zap().Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd %v: %w", cfg.Endpoints, err)
	}
	return &EtcdRegistry{
		client: c,
		cfg:    cfg,
		logger: log.FromContext(context.Background()),
	}, nil
}

// session returns the live session, opening a new one if the previous lease expired.
func (r *EtcdRegistry) session() (*concurrency.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.sess != nil {
		select {
		case <-r.sess.Done():
			r.logger.Warnf("registry: session lease %x expired, ephemeral records dropped", r.sess.Lease())
			r.sess = nil
		default:
			return r.sess, nil
		}
	}
	s, err := concurrency.NewSession(r.client, concurrency.WithTTL(r.cfg.SessionTTL))
	if err != nil {
		return nil, fmt.Errorf("registry: open session: %w", err)
	}
	r.logger.Infof("registry: session lease %x opened ttl=%ds", s.Lease(), r.cfg.SessionTTL)
	r.sess = s
	return s, nil
}

func (r *EtcdRegistry) Register(ctx context.Context, path string, payload []byte) error {
	s, err := r.session()
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, path, string(payload), clientv3.WithLease(s.Lease()))
	return err
}

func (r *EtcdRegistry) Unregister(ctx context.Context, path string) error {
	if r.isClosed() {
		return ErrClosed
	}
	_, err := r.client.Delete(ctx, path)
	return err
}

func (r *EtcdRegistry) WatchNode(ctx context.Context, path string) (Watcher, error) {
	return r.watch(ctx, path, false, StartChangesOnly)
}

func (r *EtcdRegistry) WatchChildren(ctx context.Context, path string, mode StartMode) (Watcher, error) {
	return r.watch(ctx, path, true, mode)
}

func (r *EtcdRegistry) watch(ctx context.Context, path string, children bool, mode StartMode) (Watcher, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	// The initial listing happens before the watcher starts so callers see
	// listing errors directly.
	known, rev, err := r.list(ctx, path, children)
	if err != nil {
		return nil, fmt.Errorf("registry: list %s: %w", path, err)
	}
	w := startWatcher(ctx, path, r.watches.remove, func(ctx context.Context, emit func(Event) bool) {
		if mode == StartNormal {
			for _, p := range sortedKeys(known) {
				if !emit(Event{Type: EventAdded, Path: p, Payload: known[p]}) {
					return
				}
			}
		}
		r.follow(ctx, path, children, known, rev, emit)
	})
	r.watches.add(w)
	return w, nil
}

// list reads the current state under path: the node itself, or its direct children.
func (r *EtcdRegistry) list(ctx context.Context, path string, children bool) (map[string][]byte, int64, error) {
	key := path
	var opts []clientv3.OpOption
	if children {
		key = path + "/"
		opts = append(opts, clientv3.WithPrefix())
	}
	resp, err := r.client.Get(ctx, key, opts...)
	if err != nil {
		return nil, 0, err
	}
	nodes := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		k := string(kv.Key)
		if children && !isChild(path, k) {
			continue
		}
		nodes[k] = kv.Value
	}
	return nodes, resp.Header.Revision, nil
}

// follow streams changes after rev. A broken watch (compaction, lost leader)
// is re-established after a fresh listing, and the difference against known
// is emitted so consumers never miss a removal.
func (r *EtcdRegistry) follow(ctx context.Context, path string, children bool, known map[string][]byte, rev int64, emit func(Event) bool) {
	key := path
	opts := []clientv3.OpOption{}
	if children {
		key = path + "/"
		opts = append(opts, clientv3.WithPrefix())
	}
	for {
		wch := r.client.Watch(clientv3.WithRequireLeader(ctx), key, append(opts, clientv3.WithRev(rev+1))...)
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				r.logger.Warnf("registry: watch %s: %v", path, err)
				break
			}
			if wresp.IsProgressNotify() {
				continue
			}
			for _, ev := range wresp.Events {
				k := string(ev.Kv.Key)
				if children && !isChild(path, k) {
					continue
				}
				e := Event{Path: k}
				switch {
				case ev.Type == mvccpb.DELETE:
					e.Type = EventRemoved
					delete(known, k)
				case ev.IsCreate():
					e.Type, e.Payload = EventAdded, ev.Kv.Value
					known[k] = ev.Kv.Value
				default:
					e.Type, e.Payload = EventUpdated, ev.Kv.Value
					known[k] = ev.Kv.Value
				}
				if !emit(e) {
					return
				}
			}
			rev = wresp.Header.Revision
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-time.After(r.cfg.ResyncDelay):
		case <-ctx.Done():
			return
		}
		current, newRev, err := r.list(ctx, path, children)
		if err != nil {
			r.logger.Warnf("registry: resync %s: %v", path, err)
			continue
		}
		for _, e := range diff(known, current) {
			if !emit(e) {
				return
			}
		}
		known, rev = current, newRev
	}
}

func (r *EtcdRegistry) Unwatch(path string) {
	r.watches.stopPath(path)
}

// Shutdown stops all watchers, closes the session (revoking its lease, which
// removes every ephemeral record) and closes the etcd client.
func (r *EtcdRegistry) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()

	r.watches.stopAll()
	var err error
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			r.logger.Warnf("registry: close session: %v", cerr)
		}
	}
	if cerr := r.client.Close(); cerr != nil {
		err = fmt.Errorf("registry: close etcd client: %w", cerr)
	}
	return err
}

func (r *EtcdRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
