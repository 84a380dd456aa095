// Package transport owns the physical channel to a Perforce server and moves
// whole packets over it.
//
// A Conn wraps exactly one channel (a TCP socket, a TLS socket, or the stdin
// and stdout of a local server process) and layers streams on top of it:
//
//	raw socket / pipes
//	  └─ bufio (read + write)
//	       └─ deflate / inflate      (after EnableCompression, never reverts)
//	            └─ GetPacket / PutPacket (preamble + payload, charset)
//
// The protocol is strictly request/reply, so a Conn is used by one command at
// a time and is not safe for concurrent use. Concurrency comes from more
// connections (see Pool), not from multiplexing one socket.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"p4rpc/codec"
	"p4rpc/protocol"
	"p4rpc/rpcerr"
)

const streamBufSize = 32 * 1024

// Options configures a Conn.
type Options struct {
	// Codec translates text for non-unicode servers. Nil means UTF-8.
	Codec codec.Codec
	// Unicode is the server's unicode mode if already known.
	Unicode bool
	// Stats receives counters; a private Stats is used when nil.
	Stats *Stats
	// Pool, when set, supplies the socket instead of a fresh dial.
	Pool *Pool
	// Verify is consulted with the server fingerprint on secure connections.
	Verify VerifyFunc
	// TLSConfig is the base TLS configuration for secure addresses.
	TLSConfig *tls.Config
	// DialTimeout bounds the TCP connect. Zero means no limit beyond ctx.
	DialTimeout time.Duration
	// Now is the clock used for certificate validity; defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Conn is one connection to a server.
type Conn struct {
	addr   *Address
	opts   Options
	logger *zap.Logger
	stats  *Stats

	closer  io.Closer // raw channel when not pooled
	netConn net.Conn  // nil for rsh and in-memory streams
	pooled  *PoolConn

	br  *bufio.Reader
	bw  *bufio.Writer
	in  io.Reader   // top of the read stack
	out flushWriter // top of the write stack

	deflater *deflateWriter
	inflater *inflateReader

	codec       codec.Codec
	unicode     bool
	compressed  bool
	secure      bool
	fingerprint string
	timeout     time.Duration
	sendBuf     *protocol.SendBuffer
	closed      bool
	// server protocol values seen on this channel
	protocol map[string]string
}

// Dial opens a connection to addr. For secure addresses the handshake runs
// here, the certificate validity window is checked, and the fingerprint is
// passed to opts.Verify.
func Dial(ctx context.Context, addr *Address, opts Options) (*Conn, error) {
	c := newConn(addr, opts)

	if addr.RSH() {
		proc, err := startRsh(addr.Command)
		if err != nil {
			return nil, err
		}
		c.closer = proc
		c.setStreams(proc, proc)
		c.stats.ConnectionsCreated.Add(1)
		c.logger.Debug("started rsh server", zap.String("command", addr.Command))
		return c, nil
	}

	var nc net.Conn
	if opts.Pool != nil {
		pc, err := opts.Pool.Get(ctx)
		if err != nil {
			return nil, err
		}
		c.pooled, nc = pc, pc.Conn
		if pc.unicode {
			c.unicode = true
		}
		for k, v := range pc.protocol {
			c.protocol[k] = v
		}
	} else {
		var err error
		if nc, err = DialSocket(ctx, addr, opts); err != nil {
			return nil, err
		}
		c.closer = nc
	}
	c.netConn = nc
	c.stats.ConnectionsCreated.Add(1)

	if tc, ok := nc.(*tls.Conn); ok {
		if err := c.verifyPeer(tc); err != nil {
			c.abandon()
			return nil, err
		}
	}
	c.setStreams(nc, nc)
	c.logger.Debug("connected",
		zap.String("server", addr.P4Port()),
		zap.Bool("secure", c.secure),
		zap.Bool("pooled", c.pooled != nil))
	return c, nil
}

// NewConn wraps an already-open duplex stream, e.g. a server-side socket or
// one end of an in-memory pipe. If rwc is a *tls.Conn the connection is
// secure; no fingerprint verification is done here.
func NewConn(rwc io.ReadWriteCloser, opts Options) *Conn {
	c := newConn(&Address{Properties: map[string]string{}}, opts)
	c.closer = rwc
	if nc, ok := rwc.(net.Conn); ok {
		c.netConn = nc
	}
	if _, ok := rwc.(*tls.Conn); ok {
		c.secure = true
	}
	c.setStreams(rwc, rwc)
	return c
}

func newConn(addr *Address, opts Options) *Conn {
	c := &Conn{
		addr:     addr,
		opts:     opts,
		logger:   opts.Logger,
		stats:    opts.Stats,
		codec:    opts.Codec,
		unicode:  opts.Unicode,
		secure:   addr.Secure,
		timeout:  addr.SoTimeout(),
		sendBuf:  protocol.NewSendBuffer(),
		protocol: make(map[string]string),
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.stats == nil {
		c.stats = &Stats{}
	}
	if c.codec == nil {
		c.codec = codec.UTF8
	}
	return c
}

// DialSocket opens the raw socket for addr, applying the address's socket
// properties and, for secure addresses, the TLS handshake. It is also the
// natural SocketFactory for a Pool.
func DialSocket(ctx context.Context, addr *Address, opts Options) (net.Conn, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	if !addr.BoolProperty(PropKeepAlive, true) {
		d.KeepAlive = -1
	}
	nc, err := d.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Connection, "dial", err,
			"Unable to connect to Perforce server at "+addr.HostPort())
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(addr.BoolProperty(PropTCPNoDelay, true))
		if n := addr.IntProperty(PropRecvBufSize, 0); n > 0 {
			_ = tcp.SetReadBuffer(n)
		}
		if n := addr.IntProperty(PropSendBufSize, 0); n > 0 {
			_ = tcp.SetWriteBuffer(n)
		}
	}
	if !addr.Secure {
		return nc, nil
	}
	tc, err := clientTLS(ctx, nc, addr.Host, opts.TLSConfig)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return tc, nil
}

// Factory returns a SocketFactory dialing addr with opts.
func Factory(addr *Address, opts Options) SocketFactory {
	return func(ctx context.Context) (net.Conn, error) {
		return DialSocket(ctx, addr, opts)
	}
}

func (c *Conn) verifyPeer(tc *tls.Conn) error {
	c.secure = true
	fp, err := peerFingerprint(tc.ConnectionState(), c.opts.now())
	if err != nil {
		return err
	}
	c.fingerprint = fp
	if c.opts.Verify != nil {
		return c.opts.Verify(c.addr.HostPort(), fp)
	}
	return nil
}

// abandon drops the channel after a failed setup.
func (c *Conn) abandon() {
	c.closed = true
	if c.pooled != nil {
		c.pooled.Release()
		return
	}
	if c.closer != nil {
		c.closer.Close()
	}
}

func (c *Conn) setStreams(r io.Reader, w io.Writer) {
	c.br = bufio.NewReaderSize(r, streamBufSize)
	c.bw = bufio.NewWriterSize(w, streamBufSize)
	c.in = c.br
	c.out = c.bw
}

// GetPacket reads one complete packet. rule and filter may be nil.
//
// The preamble is read first (looping on short reads) and its checksum
// validated; then exactly the declared number of payload bytes are read.
// Every read beyond the first needed for the payload counts as an
// incomplete read.
func (c *Conn) GetPacket(rule *protocol.FieldRule, filter protocol.Filter) (*protocol.Packet, error) {
	if c.closed {
		return nil, rpcerr.New(rpcerr.Connection, "get packet", "connection closed")
	}
	c.armDeadline(true)

	var head [protocol.PreambleSize]byte
	if err := c.readFull(head[:], false); err != nil {
		return nil, err
	}
	pre, err := protocol.RetrievePreamble(head[:])
	if err != nil {
		return nil, err
	}
	size := pre.PayloadSize()
	if size <= 0 {
		return nil, rpcerr.New(rpcerr.Protocol, "get packet", "Bad payload size in RPC preamble: %d", size)
	}

	payload := make([]byte, size)
	if err := c.readFull(payload, true); err != nil {
		return nil, err
	}
	c.stats.recordRecv(protocol.PreambleSize + size)

	pkt, err := protocol.ConstructPacket(pre, payload, protocol.ParseOptions{
		Unicode: c.unicode,
		Codec:   c.codec,
		Rule:    rule,
		Filter:  filter,
	})
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

func (c *Conn) readFull(buf []byte, countIncomplete bool) error {
	for off := 0; off < len(buf); {
		n, err := c.in.Read(buf[off:])
		if n > 0 {
			off += n
			c.stats.StreamRecvs.Add(1)
			if countIncomplete && off < len(buf) {
				c.stats.IncompleteReads.Add(1)
			}
		}
		if err != nil {
			if off == len(buf) {
				return nil
			}
			return c.readError(err)
		}
	}
	return nil
}

func (c *Conn) readError(err error) error {
	var re *rpcerr.Error
	switch {
	case errors.As(err, &re):
		return err
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return rpcerr.Wrap(rpcerr.Connection, "get packet", err, "server connection unexpectedly closed")
	case isTimeout(err):
		return rpcerr.Wrap(rpcerr.Connection, "get packet", err, "read timed out")
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return rpcerr.Wrap(rpcerr.Connection, "get packet", err, "read failed")
	}
	return rpcerr.Wrap(rpcerr.Internal, "get packet", err, "unexpected failure reading from server")
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// PutPacket sends a single packet and flushes.
func (c *Conn) PutPacket(p *protocol.Packet) error {
	_, err := c.PutPackets(p)
	return err
}

// PutPackets marshals and sends packets in order, flushing after each so
// that packet boundaries line up with compression flush points. It returns
// the number of bytes written.
func (c *Conn) PutPackets(pkts ...*protocol.Packet) (int64, error) {
	if c.closed {
		return 0, rpcerr.New(rpcerr.Connection, "put packet", "connection closed")
	}
	var total int64
	for _, p := range pkts {
		if p == nil {
			return total, rpcerr.New(rpcerr.Internal, "put packet", "nil packet")
		}
		if p.Func == "" {
			return total, rpcerr.New(rpcerr.Internal, "put packet", "missing function name")
		}

		c.sendBuf.Reset()
		grows := c.sendBuf.Grows()
		if err := p.MarshalTo(c.sendBuf, c.textCodec()); err != nil {
			return total, err
		}
		c.stats.BufferCompacts.Add(int64(c.sendBuf.Grows() - grows))

		c.armDeadline(false)
		wire := c.sendBuf.Seal()
		if _, err := c.out.Write(wire); err != nil {
			return total, c.sendError(err)
		}
		if err := c.out.Flush(); err != nil {
			return total, c.sendError(err)
		}
		c.stats.recordSend(len(wire))
		total += int64(len(wire))
	}
	return total, nil
}

func (c *Conn) sendError(err error) error {
	var re *rpcerr.Error
	if errors.As(err, &re) {
		return err
	}
	if isTimeout(err) && c.secure {
		return rpcerr.Wrap(rpcerr.Connection, "put packet", err,
			"SSL connect to "+c.addr.P4Port()+" failed.\nRemove SSL protocol prefix.")
	}
	return rpcerr.Wrap(rpcerr.Connection, "put packet", err, "Unable to send command to Perforce server")
}

func (c *Conn) textCodec() codec.Codec {
	if c.unicode {
		return codec.UTF8
	}
	return c.codec
}

func (c *Conn) armDeadline(read bool) {
	if c.netConn == nil || c.timeout <= 0 {
		return
	}
	dl := time.Now().Add(c.timeout)
	if read {
		_ = c.netConn.SetReadDeadline(dl)
	} else {
		_ = c.netConn.SetWriteDeadline(dl)
	}
}

// SetDeadline overrides the per-operation socket timeout with an absolute
// deadline, typically taken from a context. A zero time restores the
// per-operation timeout.
func (c *Conn) SetDeadline(t time.Time) error {
	if c.netConn == nil {
		return nil
	}
	if t.IsZero() {
		c.timeout = c.addr.SoTimeout()
		return c.netConn.SetDeadline(time.Time{})
	}
	c.timeout = 0
	return c.netConn.SetDeadline(t)
}

// EnableCompression switches both directions to DEFLATE. It flushes pending
// plain output, sends the compress2 control packet in the clear, flushes
// again and then wraps the streams. Calling it again is a no-op.
func (c *Conn) EnableCompression() error {
	if c.compressed {
		return nil
	}
	if err := c.out.Flush(); err != nil {
		return c.sendError(err)
	}
	pkt, _ := protocol.NewPacket(protocol.FuncCompress2.String())
	if err := c.PutPacket(pkt); err != nil {
		return err
	}
	if err := c.out.Flush(); err != nil {
		return c.sendError(err)
	}
	return c.wrapCompression()
}

// AcceptCompression is the receiving side of EnableCompression: called after
// a compress2 packet has been read, it wraps the streams without sending.
func (c *Conn) AcceptCompression() error {
	if c.compressed {
		return nil
	}
	return c.wrapCompression()
}

func (c *Conn) wrapCompression() error {
	dw, err := newDeflateWriter(c.bw)
	if err != nil {
		return err
	}
	c.deflater = dw
	c.inflater = newInflateReader(c.br)
	c.out = dw
	c.in = c.inflater
	c.compressed = true
	c.stats.CompressedConnections.Add(1)
	c.logger.Debug("compression enabled", zap.String("server", c.addr.P4Port()))
	return nil
}

// MarkUnusable records that the stream state is no longer trustworthy, e.g.
// after a cancelled command left replies unread. A pooled socket is then
// closed on Disconnect instead of being reused.
func (c *Conn) MarkUnusable() {
	if c.pooled != nil {
		c.pooled.MarkUnusable()
	}
}

// Disconnect closes the top streams and releases the channel: back to the
// pool if pooled, otherwise closed. Errors are reported but the Conn is
// closed either way.
//
// Nothing is written on a compressed stream: every packet was already
// flushed, and a final DEFLATE block would block on a peer that has stopped
// reading.
func (c *Conn) Disconnect() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if c.deflater == nil && c.bw != nil && c.bw.Buffered() > 0 {
		c.armDeadline(false)
		err = multierr.Append(err, c.bw.Flush())
	}
	c.deflater = nil
	if c.inflater != nil {
		err = multierr.Append(err, c.inflater.Close())
	}

	switch {
	case c.pooled != nil:
		// Compressed streams cannot be handed to the next user.
		if c.compressed || err != nil {
			c.pooled.MarkUnusable()
		}
		if c.netConn != nil && !c.pooled.unusable {
			_ = c.netConn.SetDeadline(time.Time{})
		}
		c.pooled.Release()
	case c.closer != nil:
		err = multierr.Append(err, c.closer.Close())
	}
	if err != nil {
		c.logger.Debug("disconnect", zap.Error(err))
		return rpcerr.Wrap(rpcerr.Connection, "disconnect", err, "error closing connection")
	}
	return nil
}

// Close is Disconnect, for io.Closer.
func (c *Conn) Close() error { return c.Disconnect() }

// Address returns the address the Conn was dialed with.
func (c *Conn) Address() *Address { return c.addr }

// Secure reports whether the channel is TLS.
func (c *Conn) Secure() bool { return c.secure }

// Fingerprint returns the server key fingerprint of a secure connection.
func (c *Conn) Fingerprint() string { return c.fingerprint }

// Compressed reports whether compression is on.
func (c *Conn) Compressed() bool { return c.compressed }

// Unicode reports whether text is exchanged as UTF-8.
func (c *Conn) Unicode() bool { return c.unicode }

// SetUnicode records the server's unicode mode, learned from its protocol
// reply. A pooled socket keeps it for its next user.
func (c *Conn) SetUnicode(on bool) {
	c.unicode = on
	if c.pooled != nil {
		c.pooled.unicode = on
	}
}

// RecordProtocol merges server protocol values into what the channel
// remembers.
func (c *Conn) RecordProtocol(values map[string]string) {
	for k, v := range values {
		c.protocol[k] = v
		if c.pooled != nil {
			c.pooled.protocol[k] = v
		}
	}
}

// ServerProtocol returns a copy of the server protocol values seen on the
// channel, including those seen by earlier users of a pooled socket.
func (c *Conn) ServerProtocol() map[string]string {
	out := make(map[string]string, len(c.protocol))
	for k, v := range c.protocol {
		out[k] = v
	}
	return out
}

// SetCodec replaces the charset codec.
func (c *Conn) SetCodec(cc codec.Codec) {
	if cc == nil {
		cc = codec.UTF8
	}
	c.codec = cc
}

// Stats returns the connection's counters.
func (c *Conn) Stats() *Stats { return c.stats }

// Closed reports whether Disconnect has been called.
func (c *Conn) Closed() bool { return c.closed }
