package transport

import (
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"p4rpc/rpcerr"
)

// Address schemes. The "nts" variants select the non-thread-safe transport
// in the original client library; here they behave like their plain
// counterparts but are kept distinct so addresses round-trip.
const (
	SchemeJava       = "p4java"
	SchemeJavaSSL    = "p4javassl"
	SchemeRPC        = "p4jrpc"
	SchemeRPCSSL     = "p4jrpcssl"
	SchemeRPCNTS     = "p4jrpcnts"
	SchemeRPCNTSSSL  = "p4jrpcntsssl"
	SchemeRSH        = "p4jrsh"
	propertyPrefix   = "com.perforce.p4java.rpc."
	defaultSoTimeout = 30 * time.Second
)

var schemes = map[string]struct{ secure, nts bool }{
	SchemeJava:      {},
	SchemeJavaSSL:   {secure: true},
	SchemeRPC:       {},
	SchemeRPCSSL:    {secure: true},
	SchemeRPCNTS:    {nts: true},
	SchemeRPCNTSSSL: {secure: true, nts: true},
}

// Property nicknames understood on the address query string.
const (
	PropSocketPoolSize  = "socketPoolSize"
	PropSoTimeout       = "sockSoTimeout"
	PropTCPNoDelay      = "tcpNoDelay"
	PropKeepAlive       = "useKeepAlive"
	PropRecvBufSize     = "sockRecvBufSize"
	PropSendBufSize     = "sockSendBufSize"
	PropApplicationName = "applicationName"
)

// Address identifies a server and how to reach it.
type Address struct {
	Scheme  string
	Secure  bool
	NTS     bool
	Host    string
	Port    int
	Command string // rsh command line; Host and Port are unset
	// Properties are the query-string tuning values, keyed by nickname.
	Properties map[string]string
}

// ParseAddress accepts both URI form (p4javassl://host:1666?socketPoolSize=4)
// and P4PORT form (ssl:host:1666, tcp:host:1666, host:1666, 1666,
// rsh:command).
func ParseAddress(s string) (*Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, rpcerr.New(rpcerr.Syntax, "parse address", "empty server address")
	}
	if i := strings.Index(s, "://"); i >= 0 {
		return parseURI(s, s[:i], s[i+3:])
	}
	return parseP4Port(s)
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) *Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func parseURI(full, scheme, rest string) (*Address, error) {
	scheme = strings.ToLower(scheme)
	if scheme == SchemeRSH {
		if strings.TrimSpace(rest) == "" {
			return nil, rpcerr.New(rpcerr.Syntax, "parse address", "missing rsh command in %q", full)
		}
		return &Address{Scheme: SchemeRSH, Command: rest, Properties: map[string]string{}}, nil
	}
	variant, ok := schemes[scheme]
	if !ok {
		return nil, rpcerr.New(rpcerr.Syntax, "parse address", "unknown protocol %q", scheme)
	}

	hostport, query, _ := strings.Cut(rest, "?")
	hostport = strings.TrimSuffix(hostport, "/")
	host, port, err := splitHostPort(full, hostport)
	if err != nil {
		return nil, err
	}
	props, err := parseProperties(query)
	if err != nil {
		return nil, err
	}
	return &Address{
		Scheme:     scheme,
		Secure:     variant.secure,
		NTS:        variant.nts,
		Host:       host,
		Port:       port,
		Properties: props,
	}, nil
}

func parseP4Port(s string) (*Address, error) {
	a := &Address{Scheme: SchemeJava, Properties: map[string]string{}}
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(prefix) {
		case "rsh":
			if strings.TrimSpace(rest) == "" {
				return nil, rpcerr.New(rpcerr.Syntax, "parse address", "missing rsh command in %q", s)
			}
			return &Address{Scheme: SchemeRSH, Command: rest, Properties: a.Properties}, nil
		case "ssl", "ssl4", "ssl6", "ssl46", "ssl64":
			a.Scheme, a.Secure = SchemeJavaSSL, true
			s = rest
		case "tcp", "tcp4", "tcp6", "tcp46", "tcp64":
			s = rest
		}
	}
	// A bare port number means the local host.
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 65535 {
			return nil, rpcerr.New(rpcerr.Syntax, "parse address", "invalid port %d", n)
		}
		a.Host, a.Port = "localhost", n
		return a, nil
	}
	host, port, err := splitHostPort(s, s)
	if err != nil {
		return nil, err
	}
	a.Host, a.Port = host, port
	return a, nil
}

func splitHostPort(full, hostport string) (string, int, error) {
	if hostport == "" {
		return "", 0, rpcerr.New(rpcerr.Syntax, "parse address", "missing host in %q", full)
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return "", 0, rpcerr.New(rpcerr.Syntax, "parse address", "missing port in %q", full)
		}
		return "", 0, rpcerr.Wrap(rpcerr.Syntax, "parse address", err, "bad host:port")
	}
	if host == "" {
		return "", 0, rpcerr.New(rpcerr.Syntax, "parse address", "missing host in %q", full)
	}
	if portStr == "" {
		return "", 0, rpcerr.New(rpcerr.Syntax, "parse address", "missing port in %q", full)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, rpcerr.New(rpcerr.Syntax, "parse address", "invalid port %q", portStr)
	}
	return host, port, nil
}

func parseProperties(query string) (map[string]string, error) {
	props := map[string]string{}
	if query == "" {
		return props, nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Syntax, "parse address", err, "bad query string")
	}
	for k, v := range values {
		if len(v) > 0 {
			props[strings.TrimPrefix(k, propertyPrefix)] = v[len(v)-1]
		}
	}
	return props, nil
}

// RSH reports whether the address runs a local subprocess.
func (a *Address) RSH() bool { return a.Scheme == SchemeRSH }

// HostPort returns "host:port".
func (a *Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// P4Port returns the address in P4PORT syntax.
func (a *Address) P4Port() string {
	switch {
	case a.RSH():
		return "rsh:" + a.Command
	case a.Secure:
		return "ssl:" + a.HostPort()
	default:
		return a.HostPort()
	}
}

// String returns the URI form.
func (a *Address) String() string {
	if a.RSH() {
		return a.Scheme + "://" + a.Command
	}
	s := a.Scheme + "://" + a.HostPort()
	if len(a.Properties) == 0 {
		return s
	}
	keys := make([]string, 0, len(a.Properties))
	for k := range a.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	q := url.Values{}
	for _, k := range keys {
		q.Set(k, a.Properties[k])
	}
	return s + "?" + q.Encode()
}

// Property returns the named property or def.
func (a *Address) Property(name, def string) string {
	if v, ok := a.Properties[name]; ok {
		return v
	}
	return def
}

// IntProperty returns the named property as an int, or def when it is unset
// or not a number.
func (a *Address) IntProperty(name string, def int) int {
	if v, ok := a.Properties[name]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// BoolProperty returns the named property as a bool, or def.
func (a *Address) BoolProperty(name string, def bool) bool {
	if v, ok := a.Properties[name]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// SoTimeout returns the socket read/write timeout. sockSoTimeout is in
// milliseconds and zero disables the timeout.
func (a *Address) SoTimeout() time.Duration {
	ms := a.IntProperty(PropSoTimeout, int(defaultSoTimeout/time.Millisecond))
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// PoolSize returns socketPoolSize, zero when pooling is off.
func (a *Address) PoolSize() int {
	return a.IntProperty(PropSocketPoolSize, 0)
}
