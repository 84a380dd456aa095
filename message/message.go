// Package message decodes the messages a server sends with client-Message
// and client-OutputError, and renders their format strings.
//
// A message travels as numbered field pairs, code<N> and fmt<N>, plus named
// arguments referenced from the format as %name%. The code packs five
// values into 32 bits:
//
//	bits 28-31  severity
//	bits 24-27  argument count
//	bits 16-23  generic code
//	bits 10-15  subsystem
//	bits  0-9   unique code
package message

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"p4rpc/rpcerr"
)

// Severity is the server's classification of a message.
type Severity int

const (
	Empty  Severity = iota // E_EMPTY
	Info                   // E_INFO
	Warn                   // E_WARN
	Failed                 // E_FAILED
	Fatal                  // E_FATAL
)

var severityNames = [...]string{"empty", "info", "warning", "error", "fatal"}

func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "severity(" + strconv.Itoa(int(s)) + ")"
}

// Common generic codes.
const (
	GenericNone    = 0
	GenericUsage   = 1
	GenericUnknown = 2
	GenericEmpty   = 17
	GenericFault   = 33
	GenericNotYet  = 36
	GenericProtect = 38
)

// ServerMessage is one coded message.
type ServerMessage struct {
	Code uint32
	Fmt  string
	Args map[string]string
}

// MakeCode packs the parts of a message code.
func MakeCode(sev Severity, argc, generic, subsystem, unique int) uint32 {
	return uint32(sev&0x0f)<<28 |
		uint32(argc&0x0f)<<24 |
		uint32(generic&0xff)<<16 |
		uint32(subsystem&0x3f)<<10 |
		uint32(unique&0x3ff)
}

// New builds a message; the argument count is taken from args.
func New(sev Severity, generic, subsystem, unique int, format string, args map[string]string) ServerMessage {
	return ServerMessage{
		Code: MakeCode(sev, len(args), generic, subsystem, unique),
		Fmt:  format,
		Args: args,
	}
}

func (m ServerMessage) Severity() Severity { return Severity(m.Code >> 28 & 0x0f) }
func (m ServerMessage) ArgCount() int      { return int(m.Code >> 24 & 0x0f) }
func (m ServerMessage) Generic() int       { return int(m.Code >> 16 & 0xff) }
func (m ServerMessage) Subsystem() int     { return int(m.Code >> 10 & 0x3f) }
func (m ServerMessage) UniqueCode() int    { return int(m.Code & 0x3ff) }

// ID is the subsystem and unique code combined, stable across releases.
func (m ServerMessage) ID() int { return m.Subsystem()<<10 | m.UniqueCode() }

// String renders the format with the message arguments.
func (m ServerMessage) String() string {
	return Interpolate(m.Fmt, m.Args)
}

// AtLeast reports whether the message is of severity s or worse.
func (m ServerMessage) AtLeast(s Severity) bool { return m.Severity() >= s }

// Fields returns the wire fields for the message at position i: code<i>,
// fmt<i>, and the arguments.
func (m ServerMessage) Fields(i int) map[string]string {
	out := make(map[string]string, len(m.Args)+2)
	for k, v := range m.Args {
		out[k] = v
	}
	out["code"+strconv.Itoa(i)] = strconv.FormatUint(uint64(m.Code), 10)
	out["fmt"+strconv.Itoa(i)] = m.Fmt
	return out
}

// Decode extracts every code<N>/fmt<N> pair from a reply map. The remaining
// fields are the arguments shared by all of them. A map without code0
// yields no messages.
func Decode(fields map[string]string) ([]ServerMessage, error) {
	args := make(map[string]string, len(fields))
	for k, v := range fields {
		if !isMessageKey(k) {
			args[k] = v
		}
	}
	var out []ServerMessage
	for i := 0; ; i++ {
		codeStr, ok := fields["code"+strconv.Itoa(i)]
		if !ok {
			break
		}
		code, err := strconv.ParseUint(strings.TrimSpace(codeStr), 10, 32)
		if err != nil {
			return out, rpcerr.Wrap(rpcerr.Protocol, "decode message", err,
				fmt.Sprintf("bad message code %q", codeStr))
		}
		out = append(out, ServerMessage{
			Code: uint32(code),
			Fmt:  fields["fmt"+strconv.Itoa(i)],
			Args: args,
		})
	}
	return out, nil
}

func isMessageKey(k string) bool {
	for _, p := range []string{"code", "fmt"} {
		if rest, ok := strings.CutPrefix(k, p); ok && rest != "" {
			if _, err := strconv.Atoi(rest); err == nil {
				return true
			}
		}
	}
	return k == "func"
}

// Highest returns the worst severity among msgs, Empty when there are none.
func Highest(msgs []ServerMessage) Severity {
	h := Empty
	for _, m := range msgs {
		if s := m.Severity(); s > h {
			h = s
		}
	}
	return h
}

// Join renders msgs one per line.
func Join(msgs []ServerMessage) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.String())
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var (
	altPattern = regexp.MustCompile(`\[[^\[\]^]*\]`)
	varPattern = regexp.MustCompile(`%[^%]*%`)
)

// Interpolate renders a server format string.
//
// %name% is replaced by args[name]; an unknown name is left as is. %'text'%
// is a literal and renders as text. [a|b] renders whichever alternative has
// a non-empty variable; [a] renders a only if its variables are set.
func Interpolate(format string, args map[string]string) string {
	if !strings.ContainsAny(format, "%|") {
		return format
	}
	expanded := altPattern.ReplaceAllStringFunc(format, func(m string) string {
		body := m[1 : len(m)-1]
		if strings.Contains(body, "|") {
			parts := strings.Split(body, "|")
			if len(parts) != 2 {
				return ""
			}
			switch {
			case strings.Contains(parts[0], "%"):
				if hasValue(parts[0], args) {
					return parts[0]
				}
				return parts[1]
			case strings.Contains(parts[1], "%"):
				if hasValue(parts[1], args) {
					return parts[1]
				}
				return parts[0]
			}
			return m
		}
		if hasValue(body, args) {
			return body
		}
		if !strings.Contains(body, "%") {
			return m
		}
		return ""
	})
	return varPattern.ReplaceAllStringFunc(expanded, func(m string) string {
		if literal(m) {
			return m[2 : len(m)-2]
		}
		if v, ok := args[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

func hasValue(s string, args map[string]string) bool {
	for _, m := range varPattern.FindAllString(s, -1) {
		if literal(m) {
			return true
		}
		if args[m[1:len(m)-1]] != "" {
			return true
		}
	}
	return false
}

func literal(m string) bool {
	return len(m) >= 4 && m[1] == '\'' && m[len(m)-2] == '\''
}
