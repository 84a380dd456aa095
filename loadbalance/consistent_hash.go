package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"p4rpc/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring. A key keeps
// its instance until the instance set changes, and then only keys of the
// removed or added instances move.
//
// Each instance is placed on the ring as replicas virtual nodes hashed from
// "{addr}#{i}", which keeps the distribution even with few instances.
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32
	nodes    map[uint32]*registry.ServiceInstance
	members  string // sorted addresses the ring was built from
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance on the ring.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// pick returns the instance owning key on the current ring.
func (b *ConsistentHashBalancer) pick(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, errNoInstances()
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

// Get returns the instance for key among the instances added so far.
func (b *ConsistentHashBalancer) Get(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pick(key)
}

// PickKey rebuilds the ring when instances differ from the last call, then
// returns the owner of key.
func (b *ConsistentHashBalancer) PickKey(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances()
	}
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	members := strings.Join(addrs, ",")

	b.mu.Lock()
	defer b.mu.Unlock()
	if members != b.members {
		b.ring = b.ring[:0]
		b.nodes = make(map[uint32]*registry.ServiceInstance)
		for i := range instances {
			inst := instances[i]
			b.add(&inst)
		}
		b.members = members
	}
	return b.pick(key)
}

// Pick without a key always lands on the same instance for a given set.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	return b.PickKey("", instances)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
