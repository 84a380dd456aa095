package registry

import (
	"sort"
	"sync"
)

// StaticRegistry keeps instances in memory. It serves fixed server lists
// from configuration and tests; ttl is ignored.
type StaticRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

// NewStaticRegistry returns an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string]map[string]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// NewStaticRegistryFrom registers every address under serviceName with
// weight 1.
func NewStaticRegistryFrom(serviceName string, addrs ...string) *StaticRegistry {
	r := NewStaticRegistry()
	for _, a := range addrs {
		r.Register(serviceName, ServiceInstance{Addr: a, Weight: 1}, 0)
	}
	return r
}

func (r *StaticRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.instances[serviceName]
	if !ok {
		m = make(map[string]ServiceInstance)
		r.instances[serviceName] = m
	}
	m[instance.Addr] = instance
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.instances[serviceName]; ok {
		delete(m, addr)
		r.notify(serviceName)
	}
	return nil
}

func (r *StaticRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(serviceName), nil
}

// Watch returns a channel that receives the full instance list after every
// change. A slow reader only sees the latest list.
func (r *StaticRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

func (r *StaticRegistry) list(serviceName string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(r.instances[serviceName]))
	for _, inst := range r.instances[serviceName] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (r *StaticRegistry) notify(serviceName string) {
	list := r.list(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
