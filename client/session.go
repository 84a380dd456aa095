// Package client is the façade over the transport and dispatch core: a
// Session owns one server connection and runs commands on it, and a Client
// spreads sessions over servers found through a registry.
package client

import (
	"context"
	"crypto/tls"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"p4rpc/codec"
	"p4rpc/config"
	"p4rpc/dispatch"
	"p4rpc/middleware"
	"p4rpc/protocol"
	"p4rpc/rpcerr"
	"p4rpc/transport"
	"p4rpc/trust"
)

// Values announced in the client protocol packet.
const (
	ClientAPILevel = "86"    // 2019.1
	ServerAPILevel = "99999" // newest server behavior
)

// State is where a session is in its lifecycle.
type State int

const (
	Disconnected State = iota
	Connected
	Authenticated
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	}
	return "disconnected"
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTrustStore replaces the trust file named in the config.
func WithTrustStore(st *trust.Store) SessionOption {
	return func(s *Session) { s.store = st }
}

// WithVerifyOptions lets connection-time verification install changed keys.
func WithVerifyOptions(o trust.VerifyOptions) SessionOption {
	return func(s *Session) { s.verify = o }
}

// WithStats shares a stats collector across sessions.
func WithStats(st *transport.Stats) SessionOption {
	return func(s *Session) { s.stats = st }
}

// WithPool takes sockets from p instead of dialing.
func WithPool(p *transport.Pool) SessionOption {
	return func(s *Session) { s.pool = p }
}

// WithTLSConfig sets the base TLS configuration.
func WithTLSConfig(cfg *tls.Config) SessionOption {
	return func(s *Session) { s.tlsConfig = cfg }
}

// WithMetrics records command counts and durations.
func WithMetrics(m *middleware.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithMiddleware adds middlewares inside the built-in ones.
func WithMiddleware(mws ...middleware.Middleware) SessionOption {
	return func(s *Session) { s.extra = append(s.extra, mws...) }
}

// Session is one logical connection to a server. Commands run one at a
// time; concurrent calls wait for each other.
type Session struct {
	id        string
	cfg       config.Config
	addr      *transport.Address
	codec     codec.Codec
	store     *trust.Store
	verify    trust.VerifyOptions
	logger    *zap.Logger
	stats     *transport.Stats
	pool      *transport.Pool
	tlsConfig *tls.Config
	metrics   *middleware.Metrics
	extra     []middleware.Middleware
	handler   middleware.HandlerFunc

	mu       sync.Mutex
	conn     *transport.Conn
	disp     *dispatch.Dispatcher
	state    State
	protocol map[string]string
	ticket   string
}

// NewSession validates cfg and prepares a session. Nothing is dialed until
// Connect or the first command.
func NewSession(cfg config.Config, opts ...SessionOption) (*Session, error) {
	addr, err := cfg.Address()
	if err != nil {
		return nil, err
	}
	cc, err := codec.GetCodec(cfg.Charset)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		addr:     addr,
		codec:    cc,
		logger:   zap.NewNop(),
		protocol: make(map[string]string),
		ticket:   cfg.Password,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		path := cfg.TrustFile
		if path == "" {
			path = trust.DefaultPath()
		}
		s.store = trust.NewFileStore(path)
	}
	if s.stats == nil {
		s.stats = &transport.Stats{}
	}
	s.logger = s.logger.With(zap.String("session", s.id), zap.String("server", addr.P4Port()))
	s.handler = middleware.Chain(s.middlewares()...)(s.execute)
	return s, nil
}

func (s *Session) middlewares() []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(s.logger)}
	if s.metrics != nil {
		mws = append(mws, middleware.MetricsMiddleware(s.metrics))
	}
	if s.cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(s.cfg.RateLimit, s.cfg.RateBurst))
	}
	if s.cfg.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(s.cfg.Retries, s.cfg.RetryBackoff, s.logger))
	}
	if s.cfg.CommandTimeout > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(s.cfg.CommandTimeout))
	}
	return append(mws, s.extra...)
}

// Connect dials the server, verifies its fingerprint on secure
// connections, and announces the client protocol. It is a no-op when
// already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, err := transport.Dial(ctx, s.addr, s.transportOptions(s.verifyPeer))
	if err != nil {
		return errors.Annotatef(err, "connect to %s", s.addr.P4Port())
	}

	pkt, _ := protocol.NewPacket(protocol.FuncProtocol.String(), s.protocolFields()...)
	if err := conn.PutPacket(pkt); err != nil {
		conn.Disconnect()
		return errors.Trace(err)
	}
	if s.cfg.Compress {
		if err := conn.EnableCompression(); err != nil {
			conn.Disconnect()
			return errors.Trace(err)
		}
	}

	for k, v := range conn.ServerProtocol() {
		s.protocol[k] = v
	}
	s.conn = conn
	s.disp = dispatch.New(conn, dispatch.WithLogger(s.logger))
	s.state = Connected
	s.logger.Debug("session connected", zap.Bool("secure", conn.Secure()), zap.Bool("compressed", conn.Compressed()))
	return nil
}

func (s *Session) transportOptions(verify transport.VerifyFunc) transport.Options {
	return transport.Options{
		Codec:       s.codec,
		Unicode:     s.unicode(),
		Stats:       s.stats,
		Pool:        s.pool,
		Verify:      verify,
		TLSConfig:   s.tlsConfig,
		DialTimeout: s.cfg.DialTimeout,
		Logger:      s.logger,
	}
}

func (s *Session) verifyPeer(address, fp string) error {
	return s.store.Verify(address, fp, s.verify)
}

func (s *Session) protocolFields() []protocol.Field {
	sndbuf := s.addr.IntProperty(transport.PropSendBufSize, 0)
	rcvbuf := s.addr.IntProperty(transport.PropRecvBufSize, 0)
	fields := []protocol.Field{
		protocol.Text("cmpfile", ""),
		protocol.Text("client", ClientAPILevel),
		protocol.Text("api", ServerAPILevel),
		protocol.Text("enableStreams", ""),
		protocol.Text("expandAndmaps", ""),
		protocol.Text("host", s.cfg.Host),
		protocol.Text("port", s.addr.P4Port()),
	}
	if sndbuf > 0 {
		fields = append(fields, protocol.Text("sndbuf", strconv.Itoa(sndbuf)))
	}
	if rcvbuf > 0 {
		fields = append(fields, protocol.Text("rcvbuf", strconv.Itoa(rcvbuf)))
	}
	return fields
}

func (s *Session) unicode() bool {
	if s.conn != nil && s.conn.Unicode() {
		return true
	}
	_, ok := s.protocol["unicode"]
	return ok
}

// env is the client environment block for a command.
func (s *Session) env() *protocol.Env {
	cwd, _ := os.Getwd()
	osName := "UNIX"
	if runtime.GOOS == "windows" {
		osName = "NT"
	}
	charset := ""
	if s.codec != codec.UTF8 {
		charset = s.codec.Name()
	}
	return &protocol.Env{
		Prog:    s.cfg.ProgName,
		Version: s.cfg.ProgVersion,
		Client:  s.cfg.Client,
		Cwd:     cwd,
		Host:    s.cfg.Host,
		OS:      osName,
		User:    s.cfg.User,
		Unicode: s.unicode(),
		Charset: charset,
	}
}

func (s *Session) command(name string, args []string, named map[string]string) *dispatch.Command {
	return &dispatch.Command{
		Name:  name,
		Args:  args,
		Named: named,
	}
}

// prepare fills in what depends on connection state. Callers hold s.mu.
func (s *Session) prepare(cmd *dispatch.Command) dispatch.Command {
	c := *cmd
	if c.Env == nil {
		c.Env = s.env()
	}
	if c.Ticket == "" {
		c.Ticket = s.ticket
	}
	if c.Password == "" {
		c.Password = s.ticket
	}
	return c
}

// execute is the innermost handler: it connects on demand, runs cmd, and
// drops the connection when the dispatcher left it stale.
func (s *Session) execute(ctx context.Context, cmd *dispatch.Command) (*dispatch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	res, err := s.disp.Dispatch(ctx, s.prepare(cmd))
	s.after()
	return res, err
}

// after records what the server announced and drops a stale connection.
func (s *Session) after() {
	for k, v := range s.conn.ServerProtocol() {
		s.protocol[k] = v
	}
	if s.disp.Stale() {
		s.conn.MarkUnusable()
		s.drop()
	}
}

func (s *Session) drop() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Disconnect(); err != nil {
		s.logger.Debug("disconnect", zap.Error(err))
	}
	s.conn, s.disp = nil, nil
	s.state = Disconnected
}

// Exec runs a prepared command through the middleware chain.
func (s *Session) Exec(ctx context.Context, cmd *dispatch.Command) (*dispatch.Result, error) {
	return s.handler(ctx, cmd)
}

// Run executes a command and returns its tagged replies. Failed server
// messages are returned as a Server-kind error next to whatever data came
// back.
func (s *Session) Run(ctx context.Context, name string, args []string, named map[string]string) ([]map[string]string, error) {
	res, err := s.handler(ctx, s.command(name, args, named))
	if err != nil {
		return nil, err
	}
	return res.Maps(), res.Err()
}

// RunStreaming hands each reply to cb as it arrives. When cb stops the
// command the connection is dropped and the next command reconnects.
// Streaming commands bypass retry, since replies already delivered cannot
// be taken back.
func (s *Session) RunStreaming(ctx context.Context, name string, args []string, key int, cb dispatch.StreamingCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connect(ctx); err != nil {
		return err
	}
	cmd := s.command(name, args, nil)
	err := s.disp.Stream(ctx, s.prepare(cmd), key, cb)
	s.after()
	return err
}

// Login authenticates with password and keeps the ticket the server hands
// back for later commands.
func (s *Session) Login(ctx context.Context, password string) error {
	cmd := s.command("login", nil, nil)
	cmd.Password = password
	res, err := s.handler(ctx, cmd)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.SetPassword && res.Password != "" {
		s.ticket = res.Password
	} else {
		s.ticket = password
	}
	if s.conn != nil {
		s.state = Authenticated
	}
	return nil
}

// Fingerprint connects without verification and returns the key
// fingerprint the server presents.
func (s *Session) Fingerprint(ctx context.Context) (string, error) {
	if !s.addr.Secure {
		return "", rpcerr.New(rpcerr.Syntax, "fingerprint", "%s is not an SSL address", s.addr.P4Port())
	}
	opts := s.transportOptions(nil)
	opts.Pool = nil
	conn, err := transport.Dial(ctx, s.addr, opts)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer conn.Disconnect()
	return conn.Fingerprint(), nil
}

// AddTrust records trust for the session's server. The presented
// fingerprint is learned by connecting, unless a replacement value is
// given for a key the server does not present yet.
func (s *Session) AddTrust(ctx context.Context, opts trust.AddOptions) (string, error) {
	fp := opts.Fingerprint
	if !opts.Replacement || fp == "" {
		presented, err := s.Fingerprint(ctx)
		if err != nil {
			return "", err
		}
		fp = presented
	}
	return s.store.AddTrust(s.addr.HostPort(), fp, opts)
}

// RemoveTrust drops the trust entry for the session's server.
func (s *Session) RemoveTrust(replacement bool) (string, error) {
	return s.store.RemoveTrust(s.addr.HostPort(), replacement)
}

// Trusts lists the trust entries of every server.
func (s *Session) Trusts(replacement bool) ([]trust.Entry, error) {
	return s.store.Trusts(replacement)
}

// Disconnect closes the connection. The session can connect again.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Disconnect()
	s.conn, s.disp = nil, nil
	s.state = Disconnected
	return err
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerProtocol returns the protocol values the server announced.
func (s *Session) ServerProtocol() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.protocol))
	for k, v := range s.protocol {
		out[k] = v
	}
	return out
}

// Stats returns the session's transport counters.
func (s *Session) Stats() *transport.Stats { return s.stats }

// Address returns the server address.
func (s *Session) Address() *transport.Address { return s.addr }
