package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"p4rpc/rpcerr"
)

// KeyPrefix roots every key this package writes to etcd:
//
//	/p4rpc/{ServiceName}/{Addr} = JSON ServiceInstance
//
// Entries are attached to a TTL lease kept alive by the registering
// process, so a crashed server drops out on its own.
const KeyPrefix = "/p4rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{client: c, ctx: ctx, cancel: cancel}, nil
}

// ErrNoEndpoints is returned by Ping when the client has no endpoint left
// to ask.
var ErrNoEndpoints = rpcerr.New(rpcerr.Connection, "etcd ping", "no etcd endpoints")

// Ping checks that the first endpoint answers.
func (r *EtcdRegistry) Ping(ctx context.Context) error {
	eps := r.client.Endpoints()
	if len(eps) == 0 {
		return ErrNoEndpoints
	}
	if _, err := r.client.Status(ctx, eps[0]); err != nil {
		return rpcerr.Wrap(rpcerr.Connection, "etcd ping", err, "etcd unreachable at "+eps[0])
	}
	return nil
}

func serviceKey(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until Close.
//
// The lease ID stays local so several servers can share one EtcdRegistry.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(r.ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(r.ctx, serviceKey(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain keep-alive responses so the channel never fills.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	_, err := r.client.Delete(r.ctx, serviceKey(serviceName, addr))
	return err
}

// Watch emits the full instance list whenever anything under the service
// prefix changes. The channel is closed by Close.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := KeyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-read everything; simpler than applying events.
			instances, err := r.Discover(serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover lists the instances under the service prefix. Malformed values
// are skipped.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(r.ctx, KeyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops lease renewal and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
