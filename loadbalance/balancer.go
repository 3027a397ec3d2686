// Package loadbalance chooses which registered instance a client dials.
//
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  pin a key (for example a host id) to one instance
package loadbalance

import "wsrpc/registry"

type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	Name() string
}
