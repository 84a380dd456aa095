// Package dispatch runs one command over a connection: it sends the
// user-<cmd> packet and then answers server callbacks until the server
// releases the client.
package dispatch

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"p4rpc/message"
	"p4rpc/protocol"
	"p4rpc/rpcerr"
)

// PacketConn is the part of a connection the dispatcher needs.
type PacketConn interface {
	GetPacket(rule *protocol.FieldRule, filter protocol.Filter) (*protocol.Packet, error)
	PutPacket(p *protocol.Packet) error
	PutPackets(pkts ...*protocol.Packet) (int64, error)
	Unicode() bool
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

type unicoder interface {
	SetUnicode(on bool)
}

// protocolRecorder is a connection that remembers server protocol values
// beyond a single command.
type protocolRecorder interface {
	RecordProtocol(values map[string]string)
}

// PromptFunc answers a client-Prompt. noecho is set for secrets.
type PromptFunc func(prompt string, noecho bool) (string, error)

// Command is a user command and everything needed to answer its callbacks.
type Command struct {
	Name  string
	Args  []string
	Named map[string]string
	Env   *protocol.Env
	// Password answers a client-Prompt confirmed by dm-Login or dm-Passwd.
	// It is never offered to any other prompt.
	Password string
	// Prompt answers the remaining prompts, and password prompts when
	// Password is empty. Nil answers with an empty string.
	Prompt PromptFunc
	// Input is sent when the server asks for client-InputData.
	Input string
	// Ticket is offered in reply to client-Crypto.
	Ticket string
	Rule   *protocol.FieldRule
	Filter protocol.Filter
}

// Packet returns the user-<name> packet for cmd.
func (cmd *Command) Packet() (*protocol.Packet, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return nil, rpcerr.New(rpcerr.Internal, "dispatch", "missing command name")
	}
	keys := make([]string, 0, len(cmd.Named))
	for k := range cmd.Named {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]protocol.Field, 0, len(keys)+len(cmd.Args))
	for _, k := range keys {
		fields = append(fields, protocol.Text(k, cmd.Named[k]))
	}
	for _, a := range cmd.Args {
		fields = append(fields, protocol.Arg(a))
	}
	pkt, err := protocol.NewPacket(protocol.UserFunction(cmd.Name), fields...)
	if err != nil {
		return nil, err
	}
	pkt.Env = cmd.Env
	return pkt, nil
}

// StreamingCallback receives replies as they arrive. Returning false stops
// the command.
type StreamingCallback interface {
	Result(key int, r Reply) bool
}

// StreamingFunc adapts a function to StreamingCallback.
type StreamingFunc func(key int, r Reply) bool

func (f StreamingFunc) Result(key int, r Reply) bool { return f(key, r) }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger logs every packet at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher drives commands over one connection, one at a time.
type Dispatcher struct {
	conn   PacketConn
	logger *zap.Logger
	stale  bool
}

// New returns a dispatcher for conn.
func New(conn PacketConn, opts ...Option) *Dispatcher {
	d := &Dispatcher{conn: conn, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stale reports whether the connection was left in an unknown state by a
// failed or cancelled command and should be replaced.
func (d *Dispatcher) Stale() bool { return d.stale }

// Dispatch runs cmd and collects every reply. Server messages are returned
// as data; only a fatal message or a transport failure is an error.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Result, error) {
	return d.run(ctx, &cmd, nil)
}

// Stream runs cmd and hands each reply to cb as it arrives, tagged with key.
// When cb returns false the command is cancelled and Stream returns nil.
func (d *Dispatcher) Stream(ctx context.Context, cmd Command, key int, cb StreamingCallback) error {
	_, err := d.run(ctx, &cmd, func(r Reply) bool {
		return cb.Result(key, r)
	})
	return err
}

func (d *Dispatcher) run(ctx context.Context, cmd *Command, deliver func(Reply) bool) (*Result, error) {
	if d.stale {
		return nil, rpcerr.New(rpcerr.Internal, "dispatch", "connection needs to be re-established")
	}
	if err := ctx.Err(); err != nil {
		return nil, rpcerr.Wrap(rpcerr.Connection, "dispatch", err, "command not sent")
	}

	pkt, err := cmd.Packet()
	if err != nil {
		return nil, err
	}

	stop := d.watch(ctx)
	defer stop()

	if err := d.conn.PutPacket(pkt); err != nil {
		d.stale = true
		return nil, d.ctxError(ctx, err)
	}
	d.logger.Debug("sent", zap.String("func", pkt.Func), zap.Int("args", len(cmd.Args)))

	res := &Result{}
	for {
		if err := ctx.Err(); err != nil {
			d.stale = true
			return res, rpcerr.Wrap(rpcerr.Connection, "dispatch", err, "command interrupted")
		}

		in, err := d.conn.GetPacket(cmd.Rule, cmd.Filter)
		if err != nil {
			d.stale = true
			return res, d.ctxError(ctx, err)
		}
		d.logger.Debug("received", zap.String("func", in.Func), zap.Int("bytes", in.Length))

		done, rep, err := d.handle(cmd, in, res)
		if err != nil {
			d.stale = true
			return res, err
		}
		if rep != nil {
			// A stream hands replies over instead of keeping them.
			if deliver == nil {
				res.add(*rep)
			}
			if rep.Severity >= message.Fatal {
				d.stale = true
				return res, rpcerr.New(rpcerr.Server, "dispatch", "%s", rep.Text())
			}
			if deliver != nil && !deliver(*rep) {
				return res, d.cancel(res)
			}
		}
		if done {
			return res, nil
		}
	}
}

// handle answers one incoming packet. It returns done once the server has
// released the client, and the reply to record, if any.
func (d *Dispatcher) handle(cmd *Command, in *protocol.Packet, res *Result) (bool, *Reply, error) {
	fn := in.Function()
	switch fn {
	case protocol.FuncRelease:
		return true, nil, d.send(protocol.FuncRelease2.String())

	case protocol.FuncFlush1:
		return false, nil, d.send(protocol.FuncFlush2.String(), in.Fields...)

	case protocol.FuncProtocol:
		if res.Protocol == nil {
			res.Protocol = make(map[string]string)
		}
		values := in.Map()
		delete(values, "func")
		for k, v := range values {
			res.Protocol[k] = v
		}
		if r, ok := d.conn.(protocolRecorder); ok {
			r.RecordProtocol(values)
		}
		if _, ok := in.Get("unicode"); ok {
			if u, ok := d.conn.(unicoder); ok {
				u.SetUnicode(true)
			}
		}
		return false, nil, nil

	case protocol.FuncClientMessage:
		fields := in.Map()
		msgs, err := message.Decode(fields)
		if err != nil {
			return false, nil, err
		}
		return false, &Reply{
			Kind:     KindMessage,
			Func:     fn,
			Fields:   fields,
			Messages: msgs,
			Severity: message.Highest(msgs),
		}, nil

	case protocol.FuncClientOutputError:
		data, _ := in.Get("data")
		msg := message.New(message.Failed, message.GenericNone, 0, 0, strings.TrimRight(data, "\n"), nil)
		return false, &Reply{
			Kind:     KindError,
			Func:     fn,
			Fields:   in.Map(),
			Data:     []byte(data),
			Messages: []message.ServerMessage{msg},
			Severity: message.Failed,
		}, nil

	case protocol.FuncClientFstatInfo, protocol.FuncClientOutputInfo:
		return false, &Reply{Kind: KindData, Func: fn, Fields: in.Map()}, nil

	case protocol.FuncClientOutputText:
		return false, &Reply{Kind: KindText, Func: fn, Fields: in.Map(), Data: rawField(in, "data")}, nil

	case protocol.FuncClientOutputBinary, protocol.FuncClientOutputData:
		return false, &Reply{Kind: KindBinary, Func: fn, Fields: in.Map(), Data: rawField(in, "data")}, nil

	case protocol.FuncClientProgress:
		return false, nil, nil

	case protocol.FuncClientAck:
		return false, nil, d.confirm(in, nil)

	case protocol.FuncClientPrompt:
		return false, nil, d.prompt(cmd, in)

	case protocol.FuncClientCrypto:
		token := cmd.Ticket
		if token == "" {
			token = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		}
		return false, nil, d.confirm(in, []protocol.Field{protocol.Text("token", token)})

	case protocol.FuncClientSetPassword:
		res.SetPassword = true
		res.Password, _ = in.Get("data")
		return false, nil, nil

	case protocol.FuncClientInputData:
		return false, nil, d.confirm(in, []protocol.Field{protocol.Text("data", cmd.Input)})

	case protocol.FuncClientSSO:
		return false, nil, d.confirm(in, []protocol.Field{protocol.Text("status", "unset")})
	}
	return false, nil, rpcerr.UnknownFunction(in.Func)
}

func rawField(in *protocol.Packet, name string) []byte {
	for _, f := range in.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return nil
}

func (d *Dispatcher) send(fn string, fields ...protocol.Field) error {
	pkt, err := protocol.NewPacket(fn, fields...)
	if err != nil {
		return err
	}
	return d.conn.PutPacket(pkt)
}

// confirm calls back the server function named by the packet's confirm
// field, echoing the packet's fields with extra overriding them.
func (d *Dispatcher) confirm(in *protocol.Packet, extra []protocol.Field) error {
	fn, ok := in.Get("confirm")
	if !ok || fn == "" {
		if in.Function() == protocol.FuncClientAck {
			if decline, ok := in.Get("decline"); ok && decline != "" {
				fn = decline
			}
		}
	}
	if fn == "" {
		return rpcerr.New(rpcerr.Protocol, "dispatch", "no confirm function in %s", in.Func)
	}

	override := make(map[string]bool, len(extra))
	for _, f := range extra {
		override[f.Name] = true
	}
	fields := make([]protocol.Field, 0, len(in.Fields)+len(extra))
	for _, f := range in.Fields {
		if f.Name == "func" || override[f.Name] || f.Positional() {
			continue
		}
		fields = append(fields, f)
	}
	fields = append(fields, extra...)
	return d.send(fn, fields...)
}

func (d *Dispatcher) prompt(cmd *Command, in *protocol.Packet) error {
	text, _ := in.Get("data")
	_, noecho := in.Get("noecho")
	confirm, _ := in.Get("confirm")
	var answer string
	switch fn := protocol.LookupFunction(confirm); {
	case (fn == protocol.FuncDmLogin || fn == protocol.FuncDmPasswd) && cmd.Password != "":
		answer = cmd.Password
	case cmd.Prompt != nil:
		var err error
		if answer, err = cmd.Prompt(text, noecho); err != nil {
			return rpcerr.Wrap(rpcerr.Internal, "dispatch", err, "prompt failed")
		}
	}
	answer = strings.NewReplacer("\r", "", "\n", "").Replace(answer)
	return d.confirm(in, []protocol.Field{protocol.Text("data", answer)})
}

// cancel tells the server the client is done and leaves the connection
// marked stale, since replies may still be in flight.
func (d *Dispatcher) cancel(res *Result) error {
	res.Cancelled = true
	d.stale = true
	d.logger.Debug("command cancelled by callback")
	if err := d.send(protocol.FuncRelease2.String()); err != nil {
		return err
	}
	return nil
}

// watch interrupts a blocked read when ctx is done, for connections that
// support deadlines.
func (d *Dispatcher) watch(ctx context.Context) func() {
	dl, ok := d.conn.(deadliner)
	if !ok {
		return func() {}
	}
	if t, has := ctx.Deadline(); has {
		_ = dl.SetDeadline(t)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = dl.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		if stop() {
			_ = dl.SetDeadline(time.Time{})
		}
	}
}

func (d *Dispatcher) ctxError(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return rpcerr.Wrap(rpcerr.Connection, "dispatch", cerr, "command interrupted")
	}
	return err
}
