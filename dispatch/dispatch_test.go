package dispatch

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/juju/errors"

	"p4rpc/message"
	"p4rpc/protocol"
	"p4rpc/rpcerr"
)

// scriptConn replays a fixed list of server packets and records what the
// client sends.
type scriptConn struct {
	in   []*protocol.Packet
	sent []*protocol.Packet
}

func (c *scriptConn) GetPacket(*protocol.FieldRule, protocol.Filter) (*protocol.Packet, error) {
	if len(c.in) == 0 {
		return nil, rpcerr.New(rpcerr.Connection, "get packet", "server connection unexpectedly closed")
	}
	p := c.in[0]
	c.in = c.in[1:]
	return p, nil
}

func (c *scriptConn) PutPacket(p *protocol.Packet) error {
	c.sent = append(c.sent, p)
	return nil
}

func (c *scriptConn) PutPackets(pkts ...*protocol.Packet) (int64, error) {
	for _, p := range pkts {
		c.PutPacket(p)
	}
	return 0, nil
}

func (c *scriptConn) Unicode() bool { return false }

func (c *scriptConn) sentFuncs() []string {
	var out []string
	for _, p := range c.sent {
		out = append(out, p.Func)
	}
	return out
}

func pkt(fn string, kv ...string) *protocol.Packet {
	var fields []protocol.Field
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, protocol.Text(kv[i], kv[i+1]))
	}
	p, _ := protocol.NewPacket(fn, fields...)
	return p
}

func msgPacket(sev message.Severity, format string, kv ...string) *protocol.Packet {
	code := message.MakeCode(sev, len(kv)/2, 0, 6, 1)
	return pkt("client-Message", append([]string{"code0", strconv.FormatUint(uint64(code), 10), "fmt0", format}, kv...)...)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDispatchCollectsReplies(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{
		pkt("client-FstatInfo", "depotFile", "//depot/a", "headRev", "2"),
		pkt("client-FstatInfo", "depotFile", "//depot/b", "headRev", "7"),
		msgPacket(message.Warn, "%path% - no such file(s).", "path", "//depot/c"),
		pkt("release"),
	}}
	d := New(conn)
	res, err := d.Dispatch(context.Background(), Command{Name: "fstat", Args: []string{"//depot/..."}})
	if err != nil {
		t.Fatal(err)
	}

	maps := res.Maps()
	if len(maps) != 2 || maps[1]["headRev"] != "7" {
		t.Fatalf("unexpected data replies %v", maps)
	}
	if len(res.Messages) != 1 || res.Messages[0].String() != "//depot/c - no such file(s)." {
		t.Fatalf("unexpected messages %v", res.Messages)
	}
	if res.Err() != nil {
		t.Fatalf("warnings are not errors: %v", res.Err())
	}
	if got := conn.sentFuncs(); !equal(got, []string{"user-fstat", "release2"}) {
		t.Fatalf("unexpected sent packets %v", got)
	}
	if args := conn.sent[0].Args(); len(args) != 1 || args[0] != "//depot/..." {
		t.Fatalf("unexpected command args %v", args)
	}
	if d.Stale() {
		t.Fatal("clean command must not leave connection stale")
	}
}

func TestDispatchServerErrorIsData(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{
		msgPacket(message.Failed, "Path '%path%' is not under client's root.", "path", "/tmp/x"),
		pkt("client-OutputError", "data", "second failure\n"),
		pkt("release"),
	}}
	res, err := New(conn).Dispatch(context.Background(), Command{Name: "edit"})
	if err != nil {
		t.Fatalf("server errors must not abort dispatch: %v", err)
	}
	if res.Severity() != message.Failed {
		t.Fatalf("expect failed severity, got %v", res.Severity())
	}
	err = res.Err()
	if !rpcerr.Is(err, rpcerr.Server) {
		t.Fatalf("expect server error, got %v", err)
	}
	if err.Error() != "Path '/tmp/x' is not under client's root.\nsecond failure" {
		t.Fatalf("unexpected text %q", err.Error())
	}
}

func TestDispatchFatalAborts(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{
		msgPacket(message.Fatal, "Perforce password (P4PASSWD) invalid or unset."),
		pkt("release"),
	}}
	d := New(conn)
	_, err := d.Dispatch(context.Background(), Command{Name: "info"})
	if !rpcerr.Is(err, rpcerr.Server) {
		t.Fatalf("expect server error, got %v", err)
	}
	if !d.Stale() {
		t.Fatal("fatal message must leave the connection stale")
	}
}

func TestDispatchControlPackets(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{
		pkt("protocol", "server2", "46", "unicode", ""),
		pkt("flush1", "himark", "2000", "fseq", "1"),
		pkt("client-Ack", "confirm", "dm-OpenFile", "handle", "h1"),
		pkt("client-Prompt", "data", "Enter password: ", "confirm", "dm-Login", "noecho", ""),
		pkt("client-Crypto", "confirm", "dm-Crypto", "daddr", "10.0.0.1"),
		pkt("client-SetPassword", "data", "TICKET123"),
		pkt("release"),
	}}
	var prompted string
	var hidden bool
	res, err := New(conn).Dispatch(context.Background(), Command{
		Name:   "login",
		Ticket: "T0K3N",
		Prompt: func(p string, noecho bool) (string, error) {
			prompted, hidden = p, noecho
			return "secret\n", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"user-login", "flush2", "dm-OpenFile", "dm-Login", "dm-Crypto", "release2"}
	if got := conn.sentFuncs(); !equal(got, want) {
		t.Fatalf("expect %v, got %v", want, got)
	}

	flush := conn.sent[1]
	if v, _ := flush.Get("himark"); v != "2000" {
		t.Fatal("flush2 must echo flush1 fields")
	}
	if v, _ := conn.sent[2].Get("handle"); v != "h1" {
		t.Fatal("ack confirm must echo handle")
	}
	if v, _ := conn.sent[3].Get("data"); v != "secret" {
		t.Fatalf("expect prompt answer without newline, got %q", v)
	}
	if prompted != "Enter password: " || !hidden {
		t.Fatalf("unexpected prompt %q noecho=%v", prompted, hidden)
	}
	if v, _ := conn.sent[4].Get("token"); v != "T0K3N" {
		t.Fatalf("expect ticket as crypto token, got %q", v)
	}
	if !res.SetPassword || res.Password != "TICKET123" {
		t.Fatal("expect password recorded")
	}
	if res.Protocol["server2"] != "46" {
		t.Fatalf("expect protocol values recorded, got %v", res.Protocol)
	}
}

func TestDispatchPasswordOnlyForLoginPrompts(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{
		pkt("client-Prompt", "data", "Enter a description: ", "confirm", "dm-Prompt"),
		pkt("client-Prompt", "data", "Enter password: ", "confirm", "dm-Login", "noecho", ""),
		pkt("client-Prompt", "data", "Enter new password: ", "confirm", "dm-Passwd", "noecho", ""),
		pkt("release"),
	}}
	_, err := New(conn).Dispatch(context.Background(), Command{Name: "change", Password: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"user-change", "dm-Prompt", "dm-Login", "dm-Passwd", "release2"}
	if got := conn.sentFuncs(); !equal(got, want) {
		t.Fatalf("expect %v, got %v", want, got)
	}
	if v, _ := conn.sent[1].Get("data"); v != "" {
		t.Fatalf("a plain prompt must not receive the password, got %q", v)
	}
	for _, i := range []int{2, 3} {
		if v, _ := conn.sent[i].Get("data"); v != "hunter2" {
			t.Fatalf("%s: expect password, got %q", conn.sent[i].Func, v)
		}
	}
}

func TestDispatchUnknownFunction(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{pkt("client-Bogus")}}
	d := New(conn)
	_, err := d.Dispatch(context.Background(), Command{Name: "info"})
	if !errors.Is(err, rpcerr.ErrUnknownFunction) {
		t.Fatalf("expect unknown function, got %v", err)
	}
	if !d.Stale() {
		t.Fatal("expect stale connection")
	}
	if _, err := d.Dispatch(context.Background(), Command{Name: "info"}); !rpcerr.Is(err, rpcerr.Internal) {
		t.Fatalf("stale dispatcher must refuse commands, got %v", err)
	}
}

func TestDispatchConnectionLoss(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{pkt("client-OutputInfo", "data", "line")}}
	_, err := New(conn).Dispatch(context.Background(), Command{Name: "info"})
	if !rpcerr.Is(err, rpcerr.Connection) {
		t.Fatalf("expect connection error, got %v", err)
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{pkt("release")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(conn).Dispatch(ctx, Command{Name: "info"})
	if !rpcerr.Is(err, rpcerr.Connection) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expect cancelled connection error, got %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatal("nothing must be sent on a cancelled context")
	}
}

func TestStreamDeliversAndStops(t *testing.T) {
	var in []*protocol.Packet
	for i := 0; i < 5; i++ {
		in = append(in, pkt("client-FstatInfo", "depotFile", "//depot/f"+strconv.Itoa(i)))
	}
	in = append(in, pkt("release"))
	conn := &scriptConn{in: in}
	d := New(conn)

	var got []string
	err := d.Stream(context.Background(), Command{Name: "fstat"}, 42, StreamingFunc(func(key int, r Reply) bool {
		if key != 42 {
			t.Fatalf("unexpected key %d", key)
		}
		got = append(got, r.Fields["depotFile"])
		return len(got) < 2
	}))
	if err != nil {
		t.Fatalf("stopping must not be an error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expect 2 results before stop, got %v", got)
	}
	if len(conn.in) != 4 {
		t.Fatalf("no packets may be read after stop, %d left", len(conn.in))
	}
	if fs := conn.sentFuncs(); fs[len(fs)-1] != "release2" {
		t.Fatalf("expect release2 as cancel signal, got %v", fs)
	}
	if !d.Stale() {
		t.Fatal("cancelled stream must leave connection stale")
	}
}

func TestStreamRunsToCompletion(t *testing.T) {
	conn := &scriptConn{in: []*protocol.Packet{
		pkt("client-OutputInfo", "data", "a"),
		msgPacket(message.Info, "done"),
		pkt("release"),
	}}
	count := 0
	err := New(conn).Stream(context.Background(), Command{Name: "info"}, 1, StreamingFunc(func(int, Reply) bool {
		count++
		return true
	}))
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expect 2 deliveries, got %d", count)
	}
}

func TestStreamKeepsNoReplies(t *testing.T) {
	big := strings.Repeat("x", 64*1024)
	var in []*protocol.Packet
	for i := 0; i < 8; i++ {
		in = append(in, pkt("client-OutputText", "data", big))
	}
	in = append(in, msgPacket(message.Info, "done"), pkt("release"))
	d := New(&scriptConn{in: in})

	delivered := 0
	res, err := d.run(context.Background(), &Command{Name: "print"}, func(Reply) bool {
		delivered++
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 9 {
		t.Fatalf("expect 9 deliveries, got %d", delivered)
	}
	if len(res.Replies) != 0 || len(res.Messages) != 0 {
		t.Fatalf("streamed replies must not be retained, kept %d replies %d messages",
			len(res.Replies), len(res.Messages))
	}

	d = New(&scriptConn{in: []*protocol.Packet{pkt("client-OutputText", "data", big), pkt("release")}})
	res, err = d.run(context.Background(), &Command{Name: "print"}, func(Reply) bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled || len(res.Replies) != 0 {
		t.Fatalf("expect a cancelled result with nothing kept, got %+v", res)
	}
}

func TestCommandPacketOrder(t *testing.T) {
	cmd := Command{
		Name:  "files",
		Args:  []string{"//depot/a", "//depot/b"},
		Named: map[string]string{"tag": "", "maxResults": "10"},
		Env:   &protocol.Env{Client: "ws", User: "bruno"},
	}
	p, err := cmd.Packet()
	if err != nil {
		t.Fatal(err)
	}
	if p.Func != "user-files" || p.Env == nil {
		t.Fatalf("unexpected packet %+v", p)
	}
	if p.Fields[0].Name != "maxResults" || p.Fields[1].Name != "tag" {
		t.Fatal("named fields must be sorted")
	}
	if _, err := (&Command{}).Packet(); !rpcerr.Is(err, rpcerr.Internal) {
		t.Fatal("expect internal error for empty command")
	}
}
