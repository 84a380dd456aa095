package client

import (
	"testing"

	"p4rpc/config"
	"p4rpc/loadbalance"
	"p4rpc/registry"
	"p4rpc/rpcerr"
	"p4rpc/server"
	"p4rpc/trust"
)

func newClient(t *testing.T, reg registry.Registry, bal loadbalance.Balancer, cfg config.Config) *Client {
	t.Helper()
	c := NewClient(reg, bal, cfg, WithTrustStore(trust.NewMemoryStore()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientRoundRobin(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, "edge-a", reg)
	startServer(t, "edge-b", reg)

	cfg := testConfig("")
	c := newClient(t, reg, &loadbalance.RoundRobinBalancer{}, cfg)

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = Request{Name: "info"}
	}
	out, err := c.RunAll(ctxT(t), reqs, 2)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]int{}
	for i, maps := range out {
		if len(maps) != 1 {
			t.Fatalf("request %d: expect one reply, got %v", i, maps)
		}
		seen[maps[0]["serverName"]]++
	}
	if seen["edge-a"] != 3 || seen["edge-b"] != 3 {
		t.Fatalf("expect an even spread, got %v", seen)
	}
}

func TestClientWorkspaceAffinity(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, "edge-a", reg)
	startServer(t, "edge-b", reg)
	startServer(t, "edge-c", reg)

	c := newClient(t, reg, loadbalance.NewConsistentHashBalancer(), testConfig(""))
	ctx := ctxT(t)
	var first string
	for i := 0; i < 5; i++ {
		maps, err := c.Run(ctx, "info", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		name := maps[0]["serverName"]
		if first == "" {
			first = name
		}
		if name != first {
			t.Fatalf("workspace moved from %s to %s", first, name)
		}
	}
}

func TestClientReusesPooledSockets(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, "edge-a", reg)
	c := newClient(t, reg, &loadbalance.RoundRobinBalancer{}, testConfig(""))
	ctx := ctxT(t)

	for i := 0; i < 3; i++ {
		if _, err := c.Run(ctx, "info", nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pools) != 1 {
		t.Fatalf("expect one pool, got %d", len(c.pools))
	}
	for _, p := range c.pools {
		if p.Len() != 1 || p.Idle() != 1 {
			t.Fatalf("expect a single reused socket, got live=%d idle=%d", p.Len(), p.Idle())
		}
	}
}

func TestClientPooledSocketKeepsUnicode(t *testing.T) {
	reg := registry.NewStaticRegistry()
	startServer(t, "café", reg, server.WithUnicode(true))
	cfg := testConfig("")
	cfg.Charset = "iso8859-1"
	c := newClient(t, reg, &loadbalance.RoundRobinBalancer{}, cfg)
	ctx := ctxT(t)

	for i := 0; i < 2; i++ {
		maps, err := c.Run(ctx, "info", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := maps[0]["serverName"]; got != "café" {
			t.Fatalf("run %d: expect serverName decoded as UTF-8, got %q", i, got)
		}
	}

	s, err := c.Session()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ServerProtocol()["unicode"]; !ok {
		t.Fatal("a session on a reused socket must see the server protocol")
	}
	if s.ServerProtocol()["server2"] != server.ServerLevel {
		t.Fatalf("unexpected protocol %v", s.ServerProtocol())
	}
}

func TestClientErrors(t *testing.T) {
	reg := registry.NewStaticRegistry()
	c := newClient(t, reg, &loadbalance.RoundRobinBalancer{}, testConfig(""))
	if _, err := c.Run(ctxT(t), "info", nil, nil); !rpcerr.Is(err, rpcerr.Connection) {
		t.Fatalf("expect connection error with no servers, got %v", err)
	}

	startServer(t, "edge-a", reg)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(ctxT(t), "info", nil, nil); !rpcerr.Is(err, rpcerr.Connection) {
		t.Fatalf("expect connection error after close, got %v", err)
	}
}
