package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry keeps instances in process. Ttl is ignored: entries live
// until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance // Service → addr → instance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[serviceName] == nil {
		r.services[serviceName] = make(map[string]ServiceInstance)
	}
	r.services[serviceName][instance.Addr] = instance
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[serviceName], addr)
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(serviceName), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[serviceName]
		for i, w := range watchers {
			if w == ch {
				r.watchers[serviceName] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns instances sorted by address. The caller holds the lock.
func (r *MemoryRegistry) list(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for _, inst := range r.services[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notify replaces any unread update with the latest list. The caller holds the lock.
func (r *MemoryRegistry) notify(serviceName string) {
	instances := r.list(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}
