// Package loadbalance selects one endpoint out of a service's live address set.
//
// Random is the only strategy shipped. Balancer is the seam for other
// policies.
package loadbalance

import (
	"errors"

	"poolrpc/registry"
)

// ErrNoInstances is returned by Pick for an empty endpoint list.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer picks one endpoint for the next connection.
type Balancer interface {
	// Pick selects one endpoint from the list. It must not retain or modify
	// the slice and must be goroutine-safe.
	Pick(endpoints []registry.Endpoint) (registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
