package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"

	"p4rpc/rpcerr"
)

type pipeFactory struct {
	mu      sync.Mutex
	created int
	peers   []net.Conn
}

func (f *pipeFactory) dial(context.Context) (net.Conn, error) {
	a, b := net.Pipe()
	f.mu.Lock()
	f.created++
	f.peers = append(f.peers, b)
	f.mu.Unlock()
	return a, nil
}

func (f *pipeFactory) close() {
	for _, p := range f.peers {
		p.Close()
	}
}

func TestPoolReuse(t *testing.T) {
	f := &pipeFactory{}
	defer f.close()
	p := NewPool(2, f.dial)
	defer p.Close()

	ctx := context.Background()
	c1, err := p.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	c1.Release()
	c2, err := p.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatal("expect idle socket to be reused")
	}
	if f.created != 1 {
		t.Fatalf("expect 1 socket created, got %d", f.created)
	}
	c2.Release()
}

func TestPoolBlocksAtLimit(t *testing.T) {
	f := &pipeFactory{}
	defer f.close()
	p := NewPool(1, f.dial)
	defer p.Close()

	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Get(ctx); !rpcerr.Is(err, rpcerr.Connection) {
		t.Fatalf("expect connection error on timeout, got %v", err)
	}

	got := make(chan *PoolConn)
	go func() {
		pc, _ := p.Get(context.Background())
		got <- pc
	}()
	held.Release()
	if pc := <-got; pc != held {
		t.Fatal("waiter must receive the released socket")
	} else {
		pc.Release()
	}
}

func TestPoolDiscardsUnusable(t *testing.T) {
	f := &pipeFactory{}
	defer f.close()
	p := NewPool(2, f.dial)
	defer p.Close()

	pc, _ := p.Get(context.Background())
	pc.MarkUnusable()
	pc.Release()
	if p.Len() != 0 || p.Idle() != 0 {
		t.Fatalf("unusable socket kept: len=%d idle=%d", p.Len(), p.Idle())
	}
	pc2, _ := p.Get(context.Background())
	if pc2 == pc {
		t.Fatal("unusable socket handed out again")
	}
	pc2.Release()
}

func TestPoolClose(t *testing.T) {
	f := &pipeFactory{}
	defer f.close()
	p := NewPool(2, f.dial)

	out, _ := p.Get(context.Background())
	idle, _ := p.Get(context.Background())
	idle.Release()

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal("second close must be a no-op")
	}
	if _, err := p.Get(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expect ErrPoolClosed, got %v", err)
	}
	out.Release()
	if p.Len() != 0 {
		t.Fatalf("expect no live sockets, got %d", p.Len())
	}
}

func TestPooledConnKeepsServerState(t *testing.T) {
	f := &pipeFactory{}
	defer f.close()
	p := NewPool(1, f.dial)
	defer p.Close()
	addr, err := ParseAddress("localhost:1666")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := Dial(ctx, addr, Options{Pool: p})
	if err != nil {
		t.Fatal(err)
	}
	first.SetUnicode(true)
	first.RecordProtocol(map[string]string{"server2": "46", "unicode": ""})
	if err := first.Disconnect(); err != nil {
		t.Fatal(err)
	}

	second, err := Dial(ctx, addr, Options{Pool: p})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Disconnect()
	if !second.Unicode() {
		t.Fatal("reused socket must keep the server's unicode mode")
	}
	if got := second.ServerProtocol(); got["server2"] != "46" {
		t.Fatalf("reused socket must keep the protocol values, got %v", got)
	}
	if f.created != 1 {
		t.Fatalf("expect one socket, got %d", f.created)
	}
}
