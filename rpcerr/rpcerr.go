// Package rpcerr defines the closed set of error kinds raised by the p4rpc
// transport and dispatch core.
//
// Every failure the core reports carries exactly one Kind. Callers branch on
// the kind (or on Retryable) instead of inspecting concrete error types:
//
//	Protocol   ─ checksum mismatch, malformed field, bad length     → reconnect
//	Connection ─ refused, closed, I/O failure, timeout              → may retry
//	Security   ─ trust mismatch, bad certificate, handshake failure → ask user
//	Server     ─ fatal message reported by the server               → surface
//	Internal   ─ state that cannot be trusted any more              → reconnect
//	Syntax     ─ bad address or configuration                       → fix input
package rpcerr

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind classifies an error.
type Kind int

const (
	Internal Kind = iota
	Protocol
	Connection
	Security
	Server
	Syntax
)

var kindNames = [...]string{
	Internal:   "internal",
	Protocol:   "protocol",
	Connection: "connection",
	Security:   "security",
	Server:     "server",
	Syntax:     "syntax",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a fresh connection might succeed where this one
// failed. Only connection-level failures qualify.
func (k Kind) Retryable() bool {
	return k == Connection
}

// Error is the concrete error type for every kind.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "get packet"
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable is shorthand for e.Kind.Retryable().
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New returns an error of the given kind with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Internal
// when the chain has none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Retryable reports whether err is worth retrying on a fresh connection.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// ErrUnknownFunction is returned when the server sends a function name that
// is not in the function table.
var ErrUnknownFunction = &Error{Kind: Protocol, Msg: "unknown function"}

// UnknownFunction wraps ErrUnknownFunction with the offending name.
func UnknownFunction(name string) error {
	return &Error{Kind: Protocol, Op: "dispatch", Msg: name, Err: ErrUnknownFunction}
}
