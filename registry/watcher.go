package registry

import (
	"context"
	"sync"
)

// watcher runs a producer goroutine that feeds an unbuffered event channel.
// The channel is closed and onStop is called once the producer returns.
type watcher struct {
	path   string
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	onStop func(*watcher)
	once   sync.Once
}

// produceFunc sends events through emit until ctx is done. emit returns false
// once the watcher has been stopped.
type produceFunc func(ctx context.Context, emit func(Event) bool)

func startWatcher(parent context.Context, path string, onStop func(*watcher), produce produceFunc) *watcher {
	ctx, cancel := context.WithCancel(parent)
	w := &watcher{
		path:   path,
		events: make(chan Event),
		cancel: cancel,
		done:   make(chan struct{}),
		onStop: onStop,
	}
	emit := func(ev Event) bool {
		select {
		case w.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(w.done)
		defer func() {
			if w.onStop != nil {
				w.onStop(w)
			}
		}()
		defer close(w.events)
		defer cancel()
		produce(ctx, emit)
	}()
	return w
}

func (w *watcher) Events() <-chan Event {
	return w.events
}

func (w *watcher) Stop() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// watchSet tracks live watchers so they can be stopped by path or all at once.
type watchSet struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

func (s *watchSet) add(w *watcher) {
	select {
	case <-w.done:
		return
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchers == nil {
		s.watchers = make(map[*watcher]struct{})
	}
	s.watchers[w] = struct{}{}
}

func (s *watchSet) remove(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, w)
}

// take removes and returns the watchers matching keep.
func (s *watchSet) take(keep func(*watcher) bool) []*watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ws []*watcher
	for w := range s.watchers {
		if keep(w) {
			ws = append(ws, w)
			delete(s.watchers, w)
		}
	}
	return ws
}

func (s *watchSet) stopPath(path string) {
	for _, w := range s.take(func(w *watcher) bool { return w.path == path }) {
		w.Stop()
	}
}

func (s *watchSet) stopAll() {
	for _, w := range s.take(func(*watcher) bool { return true }) {
		w.Stop()
	}
}
