package client

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"p4rpc/config"
	"p4rpc/loadbalance"
	"p4rpc/registry"
	"p4rpc/rpcerr"
	"p4rpc/transport"
)

// Client runs commands against whichever server the balancer picks among
// those the registry knows for cfg.Service. Sockets are pooled per server.
type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	cfg      config.Config
	opts     []SessionOption

	mu     sync.Mutex
	pools  map[string]*transport.Pool
	closed bool
}

// NewClient returns a client. opts are applied to every session it
// creates.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, cfg config.Config, opts ...SessionOption) *Client {
	return &Client{
		registry: reg,
		balancer: bal,
		cfg:      cfg,
		opts:     opts,
		pools:    make(map[string]*transport.Pool),
	}
}

// pick chooses a server. A keyed balancer is keyed by the client workspace
// so that a workspace keeps using the same server.
func (c *Client) pick() (*registry.ServiceInstance, error) {
	instances, err := c.registry.Discover(c.cfg.Service)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Connection, "discover", err, "cannot list servers for "+c.cfg.Service)
	}
	if kb, ok := c.balancer.(loadbalance.KeyedBalancer); ok && c.cfg.Client != "" {
		return kb.PickKey(c.cfg.Client, instances)
	}
	return c.balancer.Pick(instances)
}

func (c *Client) pool(addr *transport.Address, s *Session) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrPoolClosed
	}
	key := addr.String()
	p, ok := c.pools[key]
	if !ok {
		p = transport.NewPool(addr.PoolSize(), transport.Factory(addr, s.transportOptions(nil)))
		c.pools[key] = p
	}
	return p, nil
}

// Session returns a session on a freshly picked server, drawing its socket
// from that server's pool. The caller disconnects it, which returns the
// socket.
func (c *Client) Session() (*Session, error) {
	inst, err := c.pick()
	if err != nil {
		return nil, err
	}
	cfg := c.cfg
	cfg.Port = inst.Addr
	s, err := NewSession(cfg, c.opts...)
	if err != nil {
		return nil, err
	}
	if !s.addr.RSH() {
		p, err := c.pool(s.addr, s)
		if err != nil {
			return nil, err
		}
		s.pool = p
	}
	return s, nil
}

// Run executes one command on a pooled session.
func (c *Client) Run(ctx context.Context, name string, args []string, named map[string]string) ([]map[string]string, error) {
	s, err := c.Session()
	if err != nil {
		return nil, err
	}
	defer s.Disconnect()
	return s.Run(ctx, name, args, named)
}

// Request is one command for RunAll.
type Request struct {
	Name  string
	Args  []string
	Named map[string]string
}

// RunAll runs reqs concurrently, at most limit at a time (unlimited when
// limit <= 0), and returns the replies in request order. The first failure
// cancels the rest.
func (c *Client) RunAll(ctx context.Context, reqs []Request, limit int) ([][]map[string]string, error) {
	out := make([][]map[string]string, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, r := range reqs {
		g.Go(func() error {
			maps, err := c.Run(gctx, r.Name, r.Args, r.Named)
			if err != nil {
				return err
			}
			out[i] = maps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Close closes every pool. Sessions still holding sockets close them on
// Disconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	for _, p := range c.pools {
		err = multierr.Append(err, p.Close())
	}
	return err
}
