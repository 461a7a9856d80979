package loadbalance

import (
	"math/rand"
	"sync"
	"time"

	"poolrpc/registry"
)

// RandomBalancer picks uniformly at random.
type RandomBalancer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

var _ Balancer = (*RandomBalancer)(nil)

// NewRandom returns a RandomBalancer. A zero seed uses the current time.
func NewRandom(seed int64) *RandomBalancer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomBalancer{rnd: rand.New(rand.NewSource(seed))}
}

func (b *RandomBalancer) Pick(endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoInstances
	}
	b.mu.Lock()
	i := b.rnd.Intn(len(endpoints))
	b.mu.Unlock()
	return endpoints[i], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
