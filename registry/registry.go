// Package registry tracks which servers are available for a service name,
// so that clients can be pointed at a pool of replicas or edge servers
// instead of a single P4PORT.
package registry

// ServiceInstance is one advertised server.
type ServiceInstance struct {
	// Addr is a server address in any form transport.ParseAddress accepts.
	Addr    string
	Weight  int // relative share for weighted balancing
	Version string
}

// Registry is a directory of service instances.
type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
