// Package transport also provides a socket pool (Pool) shared by the
// sessions that talk to one server.
//
// Pool design: a buffered channel is the idle queue. Buffered channels are
// goroutine-safe and blocking on empty is built in, so Get simply waits on
// the channel once the pool has created its maximum number of sockets.
//
// A socket belongs to exactly one Conn between Get and Put. The mutex guards
// the bookkeeping (live count, closed flag), not the sockets themselves.
package transport

import (
	"context"
	"net"
	"sync"

	"go.uber.org/multierr"

	"p4rpc/rpcerr"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = rpcerr.New(rpcerr.Connection, "socket pool", "pool closed")

// SocketFactory opens a new socket. For secure addresses the returned
// connection has already completed its TLS handshake.
type SocketFactory func(ctx context.Context) (net.Conn, error)

// Pool keeps reusable sockets to a single server.
type Pool struct {
	mu       sync.Mutex
	conns    chan *PoolConn // idle sockets, FIFO
	maxConns int
	curConns int // live sockets, idle or checked out
	closed   bool
	factory  SocketFactory
}

// PoolConn is a pooled socket. It also remembers what the server announced
// on it: the server sends its protocol reply once per socket, so a later
// user of the socket would not learn it otherwise.
type PoolConn struct {
	net.Conn
	pool     *Pool
	unusable bool // set when stream state can no longer be trusted
	unicode  bool
	protocol map[string]string
}

// NewPool creates a pool of at most maxConns sockets. Sockets are created
// lazily.
func NewPool(maxConns int, factory SocketFactory) *Pool {
	if maxConns < 1 {
		maxConns = 1
	}
	return &Pool{
		conns:    make(chan *PoolConn, maxConns),
		maxConns: maxConns,
		factory:  factory,
	}
}

// Get hands out an idle socket, creates one if under the limit, or blocks
// until one is returned or ctx is done.
func (p *Pool) Get(ctx context.Context) (*PoolConn, error) {
	for {
		select {
		case pc, ok := <-p.conns:
			if !ok {
				return nil, ErrPoolClosed
			}
			if pc.unusable {
				p.discard(pc)
				continue
			}
			return pc, nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.curConns < p.maxConns {
			p.curConns++
			p.mu.Unlock()
			return p.createNew(ctx)
		}
		p.mu.Unlock()

		select {
		case pc, ok := <-p.conns:
			if !ok {
				return nil, ErrPoolClosed
			}
			if pc.unusable {
				p.discard(pc)
				continue
			}
			return pc, nil
		case <-ctx.Done():
			return nil, rpcerr.Wrap(rpcerr.Connection, "socket pool", ctx.Err(), "waiting for a free socket")
		}
	}
}

// createNew runs the factory outside the lock; the slot was reserved by Get.
func (p *Pool) createNew(ctx context.Context) (*PoolConn, error) {
	nc, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.curConns--
		p.mu.Unlock()
		return nil, err
	}
	return &PoolConn{Conn: nc, pool: p, protocol: make(map[string]string)}, nil
}

func (p *Pool) discard(pc *PoolConn) {
	pc.Conn.Close()
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
}

// Put returns a socket. Unusable sockets, and any socket returned after
// Close, are closed instead of queued.
func (p *Pool) Put(pc *PoolConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc.unusable || p.closed {
		pc.Conn.Close()
		p.curConns--
		return
	}
	// Never blocks: the channel holds maxConns and at most maxConns exist.
	p.conns <- pc
}

// Len returns the number of live sockets.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curConns
}

// Idle returns the number of sockets waiting in the pool.
func (p *Pool) Idle() int {
	return len(p.conns)
}

// Close closes idle sockets and makes later Gets fail. Checked-out sockets
// are closed as they are returned. Close may be called more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.conns)
	var err error
	for pc := range p.conns {
		err = multierr.Append(err, pc.Conn.Close())
		p.curConns--
	}
	return err
}

// MarkUnusable keeps the socket from being reused.
func (pc *PoolConn) MarkUnusable() { pc.unusable = true }

// Release returns the socket to its pool.
func (pc *PoolConn) Release() { pc.pool.Put(pc) }
