// Package loadbalance picks one server among the instances a registry
// returns.
//
// Three strategies are implemented:
//   - RoundRobin:      replicas of equal capacity
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  affinity, so a client workspace keeps using the same
//     edge server and its warm caches
package loadbalance

import (
	"p4rpc/registry"
	"p4rpc/rpcerr"
)

// Balancer chooses an instance. Pick is called for every new connection and
// must be safe for concurrent use.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// KeyedBalancer chooses an instance for a key, such as a client workspace
// name.
type KeyedBalancer interface {
	Balancer
	PickKey(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
}

func errNoInstances() error {
	return rpcerr.New(rpcerr.Connection, "load balance", "no instances available")
}
