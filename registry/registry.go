// Package registry is the coordination-service client used for service
// discovery and liveness advertisement.
//
// Records live under a hierarchical path:
//
//	/{root}/{service}/{host}:{port}
//
// Records written through Register are ephemeral: they disappear when the
// registry session that created them ends. Changes are delivered as typed
// events on a Watcher channel, in the order the coordination service
// reported them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
)

// DefaultRoot is the path prefix all services are registered under.
const DefaultRoot = "poolrpc"

var (
	// ErrClosed is returned by operations on a registry after Shutdown.
	ErrClosed = errors.New("registry: closed")
	// ErrMalformedPath is returned by ParseEndpoint for paths that do not end in host:port.
	ErrMalformedPath = errors.New("registry: malformed instance path")
)

// EventType is the kind of change reported for a node.
type EventType int

const (
	EventAdded EventType = iota + 1
	EventUpdated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "ADDED"
	case EventUpdated:
		return "UPDATED"
	case EventRemoved:
		return "REMOVED"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is a change to a single node.
type Event struct {
	Type    EventType
	Path    string
	Payload []byte // nil for EventRemoved
}

// StartMode selects what WatchChildren delivers before live changes.
type StartMode int

const (
	// StartNormal delivers every existing child as EventAdded, then live changes.
	StartNormal StartMode = iota
	// StartChangesOnly delivers live changes only.
	StartChangesOnly
)

// Watcher delivers events until it is stopped.
type Watcher interface {
	// Events returns the event channel. It is closed when the watcher stops.
	Events() <-chan Event
	// Stop releases the watch. It is safe to call more than once.
	Stop()
}

// Registry is the coordination-service client.
type Registry interface {
	// Register creates or overwrites the ephemeral record at path.
	Register(ctx context.Context, path string, payload []byte) error
	// Unregister deletes the record at path. Deleting a missing record is not an error.
	Unregister(ctx context.Context, path string) error
	// WatchNode watches the node at path itself. The watch ends when ctx is done.
	WatchNode(ctx context.Context, path string) (Watcher, error)
	// WatchChildren watches the direct children of path. The watch ends when ctx is done.
	WatchChildren(ctx context.Context, path string, mode StartMode) (Watcher, error)
	// Unwatch stops every watcher created for path.
	Unwatch(path string)
	// Shutdown stops all watchers and ends the session. It is idempotent.
	Shutdown() error
}

// Endpoint identifies one reachable service instance.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ServicePath returns the registry path of a service.
func ServicePath(root, service string) string {
	return "/" + strings.Trim(root, "/") + "/" + service
}

// InstancePath returns the registry path of one instance of a service.
func InstancePath(root, service string, ep Endpoint) string {
	return ServicePath(root, service) + "/" + ep.String()
}

// ParseEndpoint parses the last element of an instance path as host:port.
func ParseEndpoint(p string) (Endpoint, error) {
	base := path.Base(p)
	host, port, err := net.SplitHostPort(base)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w %q: %v", ErrMalformedPath, p, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w %q: empty host", ErrMalformedPath, p)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return Endpoint{}, fmt.Errorf("%w %q: bad port %q", ErrMalformedPath, p, port)
	}
	return Endpoint{Host: host, Port: n}, nil
}

// isChild reports whether p is a direct child of parent.
func isChild(parent, p string) bool {
	rest, ok := strings.CutPrefix(p, strings.TrimSuffix(parent, "/")+"/")
	return ok && rest != "" && !strings.Contains(rest, "/")
}
