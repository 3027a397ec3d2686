package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"wsrpc/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring, so the same
// key keeps landing on the same instance until the ring changes. Each instance
// owns 100 virtual nodes to spread the load evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32                             // Sorted hash values on the ring
	nodes    map[uint32]*registry.ServiceInstance // Hash value → instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

func virtualKey(addr string, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
}

// Add places an instance onto the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := virtualKey(instance.Addr, i)
		if _, ok := b.nodes[hash]; !ok {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Remove takes the instance with addr off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := virtualKey(addr, i)
		if inst, ok := b.nodes[hash]; ok && inst.Addr == addr {
			delete(b.nodes, hash)
		}
	}
	ring := b.ring[:0]
	for _, hash := range b.ring {
		if _, ok := b.nodes[hash]; ok {
			ring = append(ring, hash)
		}
	}
	b.ring = ring
}

// Pick finds the first node clockwise from the key's hash.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// KeyedBalancer adapts consistent hashing to the Balancer interface by
// pinning every pick to one key, typically the calling host id.
type KeyedBalancer struct {
	Key string
}

func (b *KeyedBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	ring := NewConsistentHashBalancer()
	for i := range instances {
		ring.Add(&instances[i])
	}
	return ring.Pick(b.Key)
}

func (b *KeyedBalancer) Name() string {
	return "Keyed"
}
