package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"p4rpc/rpcerr"
)

// newTestEtcd connects to a local etcd, skipping the test when none runs.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := reg.Ping(ctx); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)

	inst1 := ServiceInstance{Addr: "ssl:127.0.0.1:1666", Weight: 10, Version: "2024.1"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:1667", Weight: 5, Version: "2024.1"}

	if err := reg.Register("depot", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("depot", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("depot")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("depot", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover("depot")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s, got %v", inst2.Addr, instances)
	}

	reg.Deregister("depot", inst2.Addr)
}

func TestPingWithoutEndpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := &EtcdRegistry{client: clientv3.NewCtxClient(ctx), ctx: ctx, cancel: cancel}
	defer reg.Close()

	err := reg.Ping(context.Background())
	if !errors.Is(err, ErrNoEndpoints) || !rpcerr.Is(err, rpcerr.Connection) {
		t.Fatalf("expect no-endpoints connection error, got %v", err)
	}
}
