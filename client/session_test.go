package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"p4rpc/config"
	"p4rpc/dispatch"
	"p4rpc/internal/testutil/tlstest"
	"p4rpc/message"
	"p4rpc/registry"
	"p4rpc/rpcerr"
	"p4rpc/server"
	"p4rpc/trust"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Depot answers a handful of commands. name tells servers apart.
type Depot struct {
	name string
}

func (d *Depot) Info(req *server.Request, w *server.ResponseWriter) error {
	return w.Tagged(map[string]string{
		"userName":   req.User(),
		"clientName": req.Get("client"),
		"serverName": d.name,
	})
}

func (d *Depot) Count(req *server.Request, w *server.ResponseWriter) error {
	n, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := w.Tagged(map[string]string{"n": strconv.Itoa(i)}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Depot) Fail(req *server.Request, w *server.ResponseWriter) error {
	return w.Message(message.New(message.Failed, message.GenericUnknown, 1, 7,
		"Path '%path%' is not under client's root.", map[string]string{"path": req.Args[0]}))
}

func (d *Depot) Login(req *server.Request, w *server.ResponseWriter) error {
	pw, err := w.Password("Enter password: ")
	if err != nil {
		return err
	}
	if pw != "secret" {
		return w.Message(message.New(message.Failed, message.GenericProtect, 6, 3, "Password invalid.", nil))
	}
	return w.SetPassword("TICKET-" + req.User())
}

// Describe asks a plain question and echoes the answer.
func (d *Depot) Describe(req *server.Request, w *server.ResponseWriter) error {
	text, err := w.Prompt("Enter a description: ", false)
	if err != nil {
		return err
	}
	return w.Tagged(map[string]string{"desc": text})
}

func startServer(t *testing.T, name string, reg registry.Registry, opts ...server.Option) string {
	t.Helper()
	s := server.NewServer(opts...)
	if err := s.Register(&Depot{name: name}); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln, addr, reg) }()
	t.Cleanup(func() {
		s.Shutdown(time.Second)
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	// Registration happens in Serve; Discover must see the server.
	for s.Addr() == nil {
		select {
		case err := <-done:
			done <- err
			t.Fatalf("serve exited early: %v", err)
		case <-time.After(time.Millisecond):
		}
	}
	return addr
}

func testConfig(port string) config.Config {
	cfg := config.Default()
	cfg.Port = port
	cfg.User = "bruno"
	cfg.Client = "bruno-ws"
	cfg.Retries = 0
	return cfg
}

func newSession(t *testing.T, cfg config.Config, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{WithTrustStore(trust.NewMemoryStore())}, opts...)
	s, err := NewSession(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionRun(t *testing.T) {
	addr := startServer(t, "main", nil)
	s := newSession(t, testConfig(addr))
	ctx := ctxT(t)

	if s.State() != Disconnected {
		t.Fatalf("expect disconnected before first command, got %s", s.State())
	}
	maps, err := s.Run(ctx, "info", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 1 || maps[0]["userName"] != "bruno" || maps[0]["clientName"] != "bruno-ws" {
		t.Fatalf("unexpected info %v", maps)
	}
	if s.State() != Connected {
		t.Fatalf("expect connected, got %s", s.State())
	}
	if got := s.ServerProtocol()["server2"]; got != server.ServerLevel {
		t.Fatalf("expect server2 recorded, got %q", got)
	}

	_, err = s.Run(ctx, "fail", []string{"/tmp/x"}, nil)
	if !rpcerr.Is(err, rpcerr.Server) || err.Error() != "Path '/tmp/x' is not under client's root." {
		t.Fatalf("expect server error, got %v", err)
	}
	if s.State() != Connected {
		t.Fatal("a failed command must not drop the connection")
	}

	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if s.State() != Disconnected {
		t.Fatalf("expect disconnected, got %s", s.State())
	}
}

func TestSessionLogin(t *testing.T) {
	addr := startServer(t, "main", nil)
	s := newSession(t, testConfig(addr))
	ctx := ctxT(t)

	err := s.Login(ctx, "wrong")
	if !rpcerr.Is(err, rpcerr.Server) {
		t.Fatalf("expect server error for bad password, got %v", err)
	}
	if s.State() == Authenticated {
		t.Fatal("failed login must not authenticate")
	}
	if err := s.Login(ctx, "secret"); err != nil {
		t.Fatal(err)
	}
	if s.State() != Authenticated {
		t.Fatalf("expect authenticated, got %s", s.State())
	}
	if s.ticket != "TICKET-bruno" {
		t.Fatalf("expect ticket from server, got %q", s.ticket)
	}
}

func TestSessionPasswordStaysOffPlainPrompts(t *testing.T) {
	addr := startServer(t, "main", nil)
	cfg := testConfig(addr)
	cfg.Password = "hunter2"
	s := newSession(t, cfg)
	ctx := ctxT(t)

	maps, err := s.Run(ctx, "describe", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 1 || maps[0]["desc"] != "" {
		t.Fatalf("password leaked into a plain prompt: %v", maps)
	}
	if err := s.Login(ctx, "secret"); err != nil {
		t.Fatal(err)
	}
}

func TestSessionStreamingCancelReconnects(t *testing.T) {
	addr := startServer(t, "main", nil)
	s := newSession(t, testConfig(addr))
	ctx := ctxT(t)

	var got []string
	err := s.RunStreaming(ctx, "count", []string{"10"}, 7, dispatch.StreamingFunc(func(key int, r dispatch.Reply) bool {
		if key != 7 {
			t.Errorf("expect key 7, got %d", key)
		}
		got = append(got, r.Fields["n"])
		return len(got) < 2
	}))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "0,1" {
		t.Fatalf("expect exactly two replies, got %v", got)
	}
	if s.State() != Disconnected {
		t.Fatalf("cancelled stream must drop the connection, got %s", s.State())
	}

	maps, err := s.Run(ctx, "count", []string{"3"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 3 {
		t.Fatalf("expect 3 replies after reconnect, got %d", len(maps))
	}
	if n := s.Stats().Snapshot().ConnectionsCreated; n != 2 {
		t.Fatalf("expect 2 connections, got %d", n)
	}
}

func TestSessionCompression(t *testing.T) {
	addr := startServer(t, "main", nil)
	cfg := testConfig(addr)
	cfg.Compress = true
	s := newSession(t, cfg)

	maps, err := s.Run(ctxT(t), "count", []string{"50"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 50 {
		t.Fatalf("expect 50 replies, got %d", len(maps))
	}
	if s.Stats().Snapshot().CompressedConnections != 1 {
		t.Fatal("expect a compressed connection")
	}
}

func trustErr(t *testing.T, err error, want trust.MismatchType) {
	t.Helper()
	var te *trust.TrustError
	if !errors.As(err, &te) || te.Type != want {
		t.Fatalf("expect %s trust error, got %v", want, err)
	}
	if !rpcerr.Is(err, rpcerr.Security) {
		t.Fatalf("expect security kind, got %s", rpcerr.KindOf(err))
	}
}

func TestSessionTrustOverTLS(t *testing.T) {
	cert := tlstest.NewServerCert(t, "p4d")
	addr := startServer(t, "secure", nil, server.WithTLS(cert.ServerConfig()))
	store := trust.NewFileStore(filepath.Join(t.TempDir(), ".p4trust"))
	s := newSession(t, testConfig("ssl:"+addr), WithTrustStore(store))
	ctx := ctxT(t)

	want, err := trust.Fingerprint(cert.Leaf.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	fp, err := s.Fingerprint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fp != want {
		t.Fatalf("fingerprint mismatch: %s != %s", fp, want)
	}

	// Never seen: refused, and AddTrust needs consent.
	trustErr(t, s.Connect(ctx), trust.NewConnection)
	_, err = s.AddTrust(ctx, trust.AddOptions{})
	trustErr(t, err, trust.NewConnection)

	msg, err := s.AddTrust(ctx, trust.AddOptions{AutoAccept: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "Added trust for Perforce server") {
		t.Fatalf("unexpected message %q", msg)
	}
	if _, err := s.Run(ctx, "info", nil, nil); err != nil {
		t.Fatalf("trusted server must connect: %v", err)
	}
	s.Disconnect()

	// Key changed: refused until forced.
	other := strings.Repeat("AB:", 19) + "AB"
	if _, err := s.AddTrust(ctx, trust.AddOptions{Fingerprint: other}); err != nil {
		t.Fatal(err)
	}
	trustErr(t, s.Connect(ctx), trust.NewKey)
	_, err = s.AddTrust(ctx, trust.AddOptions{AutoAccept: true})
	trustErr(t, err, trust.NewKey)
	if _, err := s.AddTrust(ctx, trust.AddOptions{Force: true, AutoAccept: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	s.Disconnect()

	// A replacement entry is promoted on first use.
	if _, err := s.RemoveTrust(false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddTrust(ctx, trust.AddOptions{Replacement: true, Fingerprint: want}); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("replacement must be accepted: %v", err)
	}
	repl, err := s.Trusts(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(repl) != 0 {
		t.Fatalf("replacement must be consumed, got %v", repl)
	}
	entries, err := s.Trusts(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Fingerprint != want {
		t.Fatalf("expect promoted entry, got %v", entries)
	}
}

func TestSessionFingerprintNeedsSSL(t *testing.T) {
	s := newSession(t, testConfig("127.0.0.1:1"))
	if _, err := s.Fingerprint(ctxT(t)); !rpcerr.Is(err, rpcerr.Syntax) {
		t.Fatalf("expect syntax error, got %v", err)
	}
}

func TestSessionConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := newSession(t, testConfig(addr))
	_, err = s.Run(ctxT(t), "info", nil, nil)
	if !rpcerr.Is(err, rpcerr.Connection) {
		t.Fatalf("expect connection error, got %v", err)
	}
	if s.State() != Disconnected {
		t.Fatal("expect disconnected")
	}
}
