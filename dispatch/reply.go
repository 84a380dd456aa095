package dispatch

import (
	"p4rpc/message"
	"p4rpc/protocol"
	"p4rpc/rpcerr"
)

// ReplyKind says what a reply carries.
type ReplyKind int

const (
	// KindData is a tagged map, e.g. client-FstatInfo or client-OutputInfo.
	KindData ReplyKind = iota
	// KindText is a block of text output.
	KindText
	// KindBinary is raw file content.
	KindBinary
	// KindMessage is a coded server message.
	KindMessage
	// KindError is client-OutputError text.
	KindError
)

func (k ReplyKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Reply is one result-bearing packet from the server.
type Reply struct {
	Kind     ReplyKind
	Func     protocol.Function
	Fields   map[string]string
	Data     []byte
	Messages []message.ServerMessage
	Severity message.Severity
}

// Text renders the reply as a line of output.
func (r Reply) Text() string {
	switch r.Kind {
	case KindMessage:
		return message.Join(r.Messages)
	case KindText, KindBinary, KindError:
		return string(r.Data)
	}
	return r.Fields["data"]
}

// Result collects everything a command produced.
type Result struct {
	Replies  []Reply
	Messages []message.ServerMessage
	// Protocol holds server protocol values seen during the command, e.g.
	// server2 and unicode.
	Protocol map[string]string
	// Password is set when the server sent client-SetPassword.
	Password    string
	SetPassword bool
	// Cancelled is set when a streaming callback stopped the command.
	Cancelled bool
}

func (r *Result) add(rep Reply) {
	r.Replies = append(r.Replies, rep)
	r.Messages = append(r.Messages, rep.Messages...)
}

// Maps returns the field maps of the data replies in order.
func (r *Result) Maps() []map[string]string {
	var out []map[string]string
	for _, rep := range r.Replies {
		if rep.Kind == KindData {
			out = append(out, rep.Fields)
		}
	}
	return out
}

// Severity returns the worst severity among the messages.
func (r *Result) Severity() message.Severity {
	return message.Highest(r.Messages)
}

// Err returns the messages of error severity or worse as a Server error, or
// nil when the command succeeded. Warnings and info are not errors.
func (r *Result) Err() error {
	var failed []message.ServerMessage
	for _, m := range r.Messages {
		if m.AtLeast(message.Failed) {
			failed = append(failed, m)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return rpcerr.New(rpcerr.Server, "", "%s", message.Join(failed))
}
