package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry is an in-process Registry. It keeps the same event
// semantics as EtcdRegistry and is used by tests and single-process setups.
// Every watcher has its own unbounded queue so writers never block on slow
// consumers.
type MemoryRegistry struct {
	mu      sync.Mutex
	nodes   map[string][]byte
	subs    map[*memSub]struct{}
	watches watchSet
	closed  bool
}

type memSub struct {
	path     string
	children bool
	q        eventQueue
}

func (s *memSub) matches(p string) bool {
	if s.children {
		return isChild(s.path, p)
	}
	return s.path == p
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		nodes: make(map[string][]byte),
		subs:  make(map[*memSub]struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, path string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	typ := EventAdded
	if _, ok := r.nodes[path]; ok {
		typ = EventUpdated
	}
	data := slices.Clone(payload)
	r.nodes[path] = data
	r.publish(Event{Type: typ, Path: path, Payload: data})
	return nil
}

func (r *MemoryRegistry) Unregister(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.nodes[path]; !ok {
		return nil
	}
	delete(r.nodes, path)
	r.publish(Event{Type: EventRemoved, Path: path})
	return nil
}

func (r *MemoryRegistry) WatchNode(ctx context.Context, path string) (Watcher, error) {
	return r.watch(ctx, &memSub{path: path}, StartChangesOnly)
}

func (r *MemoryRegistry) WatchChildren(ctx context.Context, path string, mode StartMode) (Watcher, error) {
	return r.watch(ctx, &memSub{path: path, children: true}, mode)
}

func (r *MemoryRegistry) watch(ctx context.Context, sub *memSub, mode StartMode) (Watcher, error) {
	sub.q.init()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if mode == StartNormal {
		var existing []string
		for p := range r.nodes {
			if sub.matches(p) {
				existing = append(existing, p)
			}
		}
		slices.Sort(existing)
		for _, p := range existing {
			sub.q.push(Event{Type: EventAdded, Path: p, Payload: r.nodes[p]})
		}
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	w := startWatcher(ctx, sub.path, func(w *watcher) {
		r.watches.remove(w)
		r.mu.Lock()
		delete(r.subs, sub)
		r.mu.Unlock()
	}, sub.q.drain)
	r.watches.add(w)
	return w, nil
}

func (r *MemoryRegistry) Unwatch(path string) {
	r.watches.stopPath(path)
}

// Expire simulates the loss of the registry session: every ephemeral record
// is dropped and watchers see EventRemoved for each of them.
func (r *MemoryRegistry) Expire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.nodes))
	for p := range r.nodes {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	for _, p := range paths {
		delete(r.nodes, p)
		r.publish(Event{Type: EventRemoved, Path: p})
	}
}

// Get returns the payload stored at path.
func (r *MemoryRegistry) Get(path string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.nodes[path]
	return slices.Clone(data), ok
}

func (r *MemoryRegistry) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	clear(r.nodes)
	r.mu.Unlock()
	r.watches.stopAll()
	return nil
}

// publish must be called with r.mu held.
func (r *MemoryRegistry) publish(ev Event) {
	for sub := range r.subs {
		if sub.matches(ev.Path) {
			sub.q.push(ev)
		}
	}
}

// eventQueue is an unbounded FIFO with a wakeup channel.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
}

func (q *eventQueue) init() {
	q.notify = make(chan struct{}, 1)
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

func (q *eventQueue) drain(ctx context.Context, emit func(Event) bool) {
	for {
		for {
			ev, ok := q.pop()
			if !ok {
				break
			}
			if !emit(ev) {
				return
			}
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return
		}
	}
}
