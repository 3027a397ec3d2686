package loadbalance

import (
	"fmt"
	"math/rand"

	"wsrpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its weight. A weight of zero or less counts as 1.
type WeightedRandomBalancer struct{}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}

	return nil, fmt.Errorf("unexpected error in weighted random selection")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
