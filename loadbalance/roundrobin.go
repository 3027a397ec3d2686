package loadbalance

import (
	"fmt"
	"sync/atomic"

	"wsrpc/registry"
)

// RoundRobinBalancer cycles through the instances in order without locking.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
