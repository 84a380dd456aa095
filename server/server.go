// Package server implements the server side of the wire protocol: enough of
// a Perforce server to answer user commands from registered Go receivers.
// It backs the integration tests and the serve CLI command.
//
// Connection lifecycle:
//
//	Accept conn → serveConn (one goroutine, strictly sequential)
//	  → protocol / compress2 / release2 control packets
//	  → user-<cmd>: send protocol reply once → handler → release
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"p4rpc/message"
	"p4rpc/protocol"
	"p4rpc/registry"
	"p4rpc/rpcerr"
	"p4rpc/transport"
)

// ServerLevel is the server2 protocol level announced to clients.
const ServerLevel = "46"

// Subsystem used for messages the server generates itself.
const subsystemServer = 6

// Option configures a Server.
type Option func(*Server)

// WithTLS serves TLS with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUnicode runs the server in unicode mode.
func WithUnicode(on bool) Option {
	return func(s *Server) { s.unicode = on }
}

// WithServiceName sets the name advertised in the registry.
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

// Server answers user commands from registered receivers.
type Server struct {
	commands    map[string]*registered
	logger      *zap.Logger
	tlsConfig   *tls.Config
	unicode     bool
	serviceName string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]bool // value is true while a command runs
	stopping bool              // Shutdown has begun; Serve must not start

	ctx    context.Context
	cancel context.CancelFunc

	wg            sync.WaitGroup // in-flight connections
	shutdown      atomic.Bool
	registry      registry.Registry // set once registered; guarded by mu
	advertiseAddr string
}

type registered struct {
	svc *service
	cmd *commandType
}

// NewServer returns a server with no commands.
func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		commands:    make(map[string]*registered),
		logger:      zap.NewNop(),
		serviceName: "p4rpc",
		conns:       make(map[net.Conn]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes rcvr's command methods. A later registration of the same
// command name replaces the earlier one.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	for name, ct := range svc.command {
		s.commands[name] = &registered{svc: svc, cmd: ct}
	}
	return nil
}

// ListenAndServe listens on address and serves.
func (s *Server) ListenAndServe(address, advertiseAddr string, reg registry.Registry) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return rpcerr.Wrap(rpcerr.Connection, "listen", err, "cannot listen on "+address)
	}
	return s.Serve(ln, advertiseAddr, reg)
}

// Serve accepts connections on ln until Shutdown. When reg is non-nil the
// server is registered under its service name at advertiseAddr (the
// routable address, which may differ from the listen address).
func (s *Server) Serve(ln net.Listener, advertiseAddr string, reg registry.Registry) error {
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	if reg != nil {
		inst := registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}
		if err := reg.Register(s.serviceName, inst, 10); err != nil {
			s.mu.Unlock()
			ln.Close()
			return err
		}
		s.registry = reg
	}
	s.advertiseAddr = advertiseAddr
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("serving", zap.String("addr", ln.Addr().String()), zap.Bool("tls", s.tlsConfig != nil))

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return rpcerr.Wrap(rpcerr.Connection, "accept", err, "accept failed")
		}
		if !s.track(nc) {
			nc.Close()
			continue
		}
		go s.serveConn(nc)
	}
}

// Addr returns the listen address once Serve is accepting, and nil before.
// By then the server is registered, if Serve was given a registry.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[nc] = false
	s.wg.Add(1)
	return true
}

// setBusy marks nc as running a command. It reports false once the server
// is shutting down and the connection should not start anything new.
func (s *Server) setBusy(nc net.Conn, busy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[nc] = busy
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
	s.wg.Done()
}

// connState is what the server remembers about one client.
type connState struct {
	protocol     map[string]string
	sentProtocol bool
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.untrack(nc)
	conn := transport.NewConn(nc, transport.Options{Unicode: s.unicode, Logger: s.logger})
	defer conn.Disconnect()

	logger := s.logger.With(zap.String("remote", nc.RemoteAddr().String()))
	st := &connState{protocol: make(map[string]string)}
	for {
		in, err := conn.GetPacket(nil, nil)
		if err != nil {
			if !s.shutdown.Load() && !closedByPeer(err) {
				logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		switch in.Function() {
		case protocol.FuncProtocol:
			for k, v := range in.Map() {
				st.protocol[k] = v
			}
		case protocol.FuncCompress2:
			if err := conn.AcceptCompression(); err != nil {
				logger.Warn("compression failed", zap.Error(err))
				return
			}
		case protocol.FuncRelease2, protocol.FuncFlush2:
			// Late replies to a command the client already abandoned.
		case protocol.FuncUser:
			if !s.setBusy(nc, true) {
				return
			}
			if err := s.runCommand(conn, in, st, logger); err != nil {
				logger.Debug("command aborted", zap.String("func", in.Func), zap.Error(err))
				return
			}
			if !s.setBusy(nc, false) {
				return
			}
		default:
			logger.Warn("unexpected function", zap.String("func", in.Func))
			return
		}
	}
}

func closedByPeer(err error) bool {
	return rpcerr.Is(err, rpcerr.Connection)
}

// runCommand answers one user-<cmd>. A handler error becomes a failed
// message; only a connection failure is returned.
func (s *Server) runCommand(conn *transport.Conn, in *protocol.Packet, st *connState, logger *zap.Logger) error {
	w := &ResponseWriter{conn: conn}
	if !st.sentProtocol {
		st.sentProtocol = true
		fields := []protocol.Field{protocol.Text("server2", ServerLevel)}
		if s.unicode {
			fields = append(fields, protocol.Text("unicode", ""))
		}
		if conn.Secure() {
			fields = append(fields, protocol.Text("security", "0"))
		}
		if err := w.put(protocol.FuncProtocol, fields...); err != nil {
			return err
		}
	}

	name := protocol.UserCommand(in.Func)
	fields := in.Map()
	delete(fields, "func")
	delete(fields, "")
	req := &Request{
		Command:  name,
		Args:     in.Args(),
		Fields:   fields,
		Protocol: st.protocol,
		Secure:   conn.Secure(),
		ctx:      s.ctx,
	}

	start := time.Now()
	var herr error
	if r, ok := s.commands[name]; ok {
		herr = r.svc.call(r.cmd, req, w)
	} else {
		herr = w.Message(message.New(message.Failed, message.GenericUnknown, subsystemServer, 1,
			"Unknown command.  Try 'p4 help' for info.", nil))
	}
	if herr != nil {
		if isConnErr(herr) {
			return herr
		}
		if err := w.Message(message.New(message.Failed, message.GenericFault, subsystemServer, 2,
			"%error%", map[string]string{"error": herr.Error()})); err != nil {
			return err
		}
	}
	logger.Debug("command served",
		zap.String("command", name),
		zap.Int("replies", w.sent),
		zap.Stringer("severity", w.worst),
		zap.Duration("took", time.Since(start)))

	return w.put(protocol.FuncRelease)
}

func isConnErr(err error) bool {
	return errors.Is(err, errCancelled) || rpcerr.Is(err, rpcerr.Connection)
}

// Shutdown stops the server:
//  1. deregister, so discovery stops routing clients here
//  2. close the listener
//  3. close idle connections and wait for running commands, closing the
//     rest at the timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.stopping = true
	reg, advertised := s.registry, s.advertiseAddr
	s.mu.Unlock()

	var err error
	if reg != nil {
		err = multierr.Append(err, reg.Deregister(s.serviceName, advertised))
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
	}
	for nc, busy := range s.conns {
		if !busy {
			nc.Close()
		}
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-time.After(timeout):
	}

	s.mu.Lock()
	for nc := range s.conns {
		nc.Close()
	}
	s.mu.Unlock()
	<-done
	return multierr.Append(err, rpcerr.New(rpcerr.Connection, "shutdown", "timeout waiting for open connections to finish"))
}
