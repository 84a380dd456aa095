package server

import (
	"context"
	"sort"
	"strconv"

	"p4rpc/message"
	"p4rpc/protocol"
	"p4rpc/rpcerr"
	"p4rpc/transport"
)

// Request is one user command as received.
type Request struct {
	Command string
	Args    []string
	// Fields holds every named field, including the client env block
	// (user, client, host, prog, ...).
	Fields map[string]string
	// Protocol holds the values the client sent in its protocol packet.
	Protocol map[string]string
	Secure   bool

	ctx context.Context
}

// Context is cancelled when the server shuts down.
func (r *Request) Context() context.Context { return r.ctx }

// Get returns a named field.
func (r *Request) Get(name string) string { return r.Fields[name] }

// User returns the user from the client env block.
func (r *Request) User() string { return r.Fields["user"] }

// ResponseWriter sends client callbacks for the command being served.
// Every method writes straight through to the connection.
type ResponseWriter struct {
	conn  *transport.Conn
	fseq  int
	sent  int
	worst message.Severity
}

func (w *ResponseWriter) put(fn protocol.Function, fields ...protocol.Field) error {
	pkt, err := protocol.NewPacket(fn.String(), fields...)
	if err != nil {
		return err
	}
	if err := w.conn.PutPacket(pkt); err != nil {
		return err
	}
	w.sent++
	return nil
}

// Tagged sends one tagged record as client-FstatInfo.
func (w *ResponseWriter) Tagged(record map[string]string) error {
	return w.put(protocol.FuncClientFstatInfo, sortedFields(record)...)
}

// Info sends a line of informational output at the given indent level.
func (w *ResponseWriter) Info(level int, text string) error {
	return w.put(protocol.FuncClientOutputInfo,
		protocol.Text("level", strconv.Itoa(level)),
		protocol.Text("data", text))
}

// Text sends text output.
func (w *ResponseWriter) Text(text string) error {
	return w.put(protocol.FuncClientOutputText, protocol.Text("data", text))
}

// Binary sends raw content, e.g. a file revision.
func (w *ResponseWriter) Binary(data []byte) error {
	return w.put(protocol.FuncClientOutputBinary, protocol.Bytes("data", data))
}

// Message sends a coded message.
func (w *ResponseWriter) Message(m message.ServerMessage) error {
	if s := m.Severity(); s > w.worst {
		w.worst = s
	}
	return w.put(protocol.FuncClientMessage, sortedFields(m.Fields(0))...)
}

// Error sends plain error text as client-OutputError.
func (w *ResponseWriter) Error(text string) error {
	if w.worst < message.Failed {
		w.worst = message.Failed
	}
	return w.put(protocol.FuncClientOutputError, protocol.Text("data", text))
}

// SetPassword hands the client a ticket to store.
func (w *ResponseWriter) SetPassword(ticket string) error {
	return w.put(protocol.FuncClientSetPassword, protocol.Text("data", ticket))
}

// Prompt asks the client a question and waits for the answer. The client
// replies through dm-Prompt.
func (w *ResponseWriter) Prompt(text string, noecho bool) (string, error) {
	fields := []protocol.Field{
		protocol.Text("data", text),
		protocol.Text("confirm", protocol.FuncDmPrompt.String()),
	}
	if noecho {
		fields = append(fields, protocol.Text("noecho", ""))
	}
	if err := w.put(protocol.FuncClientPrompt, fields...); err != nil {
		return "", err
	}
	in, err := w.await(protocol.FuncDmPrompt)
	if err != nil {
		return "", err
	}
	answer, _ := in.Get("data")
	return answer, nil
}

// Password asks for a password. The prompt is confirmed through dm-Login,
// which is what lets the client answer it from a stored password.
func (w *ResponseWriter) Password(text string) (string, error) {
	err := w.put(protocol.FuncClientPrompt,
		protocol.Text("data", text),
		protocol.Text("confirm", protocol.FuncDmLogin.String()),
		protocol.Text("noecho", ""))
	if err != nil {
		return "", err
	}
	in, err := w.await(protocol.FuncDmLogin)
	if err != nil {
		return "", err
	}
	answer, _ := in.Get("data")
	return answer, nil
}

// Input asks the client for its command input (the -i form of a spec
// command).
func (w *ResponseWriter) Input() (string, error) {
	err := w.put(protocol.FuncClientInputData,
		protocol.Text("confirm", protocol.FuncDmPrompt.String()))
	if err != nil {
		return "", err
	}
	in, err := w.await(protocol.FuncDmPrompt)
	if err != nil {
		return "", err
	}
	data, _ := in.Get("data")
	return data, nil
}

// Flush sends flush1 and waits for the matching flush2.
func (w *ResponseWriter) Flush() error {
	w.fseq++
	seq := strconv.Itoa(w.fseq)
	if err := w.put(protocol.FuncFlush1, protocol.Text("fseq", seq)); err != nil {
		return err
	}
	for {
		in, err := w.await(protocol.FuncFlush2)
		if err != nil {
			return err
		}
		if got, _ := in.Get("fseq"); got == seq {
			return nil
		}
	}
}

// await reads until the client calls want. A release2 means the client
// gave up on the command.
func (w *ResponseWriter) await(want protocol.Function) (*protocol.Packet, error) {
	for {
		in, err := w.conn.GetPacket(nil, nil)
		if err != nil {
			return nil, err
		}
		switch in.Function() {
		case want:
			return in, nil
		case protocol.FuncRelease2:
			return nil, errCancelled
		case protocol.FuncFlush2:
			continue
		}
		return nil, rpcerr.New(rpcerr.Protocol, "await", "expected %s, got %s", want, in.Func)
	}
}

var errCancelled = rpcerr.New(rpcerr.Connection, "await", "client cancelled the command")

func sortedFields(m map[string]string) []protocol.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]protocol.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, protocol.Text(k, m[k]))
	}
	return fields
}
