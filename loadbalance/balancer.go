// Package loadbalance picks the forward sink for each message.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity sinks, messages spread in order
//   - WeightedRandom:  heterogeneous sinks, share proportional to Weight
//   - ConsistentHash:  one conversation always lands on the same sink
package loadbalance

import (
	"errors"
	"fmt"

	"wcf-bridge/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The forwarder calls Pick() once per message.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the
	// conversation; strategies without affinity ignore it.
	// Called for every message, possibly concurrently.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer for a configuration name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
