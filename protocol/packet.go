package protocol

import (
	"strconv"

	"p4rpc/codec"
	"p4rpc/rpcerr"
)

// Field is one name/value pair of a packet. An empty Name marks a positional
// argument. Raw fields are sent and kept as bytes; other fields are text and
// pass through the connection's charset codec.
type Field struct {
	Name  string
	Value []byte
	Raw   bool
}

// Text returns a named text field.
func Text(name, value string) Field { return Field{Name: name, Value: []byte(value)} }

// Bytes returns a named raw field.
func Bytes(name string, value []byte) Field { return Field{Name: name, Value: value, Raw: true} }

// Arg returns a positional text field.
func Arg(value string) Field { return Field{Value: []byte(value)} }

// Positional reports whether f is a positional argument.
func (f Field) Positional() bool { return f.Name == "" }

// String returns the value as a Go string.
func (f Field) String() string { return string(f.Value) }

// Packet is a single protocol message. Packets read off the wire are never
// modified after ConstructPacket returns.
type Packet struct {
	Func   string
	Fields []Field
	Env    *Env
	// Length is the payload size in bytes; set on receipt and after
	// marshaling.
	Length int
}

// NewPacket builds an outgoing packet. The function name is mandatory.
func NewPacket(fn string, fields ...Field) (*Packet, error) {
	if fn == "" {
		return nil, rpcerr.New(rpcerr.Internal, "new packet", "missing function name")
	}
	return &Packet{Func: fn, Fields: fields}, nil
}

// Function resolves the packet's function name against the table.
func (p *Packet) Function() Function { return LookupFunction(p.Func) }

// Get returns the first field named name.
func (p *Packet) Get(name string) (string, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return string(f.Value), true
		}
	}
	return "", false
}

// Args returns the positional arguments in order.
func (p *Packet) Args() []string {
	var args []string
	for _, f := range p.Fields {
		if f.Positional() {
			args = append(args, string(f.Value))
		}
	}
	return args
}

// Map flattens the fields into a reply map. A repeated name gets a numeric
// suffix on each repeat (name, name0, name1, ...), except func2 where the
// first value wins since some proxies send it twice.
func (p *Packet) Map() map[string]string {
	m := make(map[string]string, len(p.Fields))
	for _, f := range p.Fields {
		if _, dup := m[f.Name]; !dup {
			m[f.Name] = string(f.Value)
			continue
		}
		if f.Name == "func2" {
			continue
		}
		for i := 0; ; i++ {
			key := f.Name + strconv.Itoa(i)
			if _, taken := m[key]; !taken {
				m[key] = string(f.Value)
				break
			}
		}
	}
	return m
}

// MarshalTo appends the packet to buf in wire order: named fields, then
// positional fields, then the env block, then func. Text values are encoded
// with enc; a nil enc sends them as UTF-8.
func (p *Packet) MarshalTo(buf *SendBuffer, enc codec.Codec) error {
	if p.Func == "" {
		return rpcerr.New(rpcerr.Internal, "marshal packet", "missing function name")
	}
	put := func(f Field) error {
		v := f.Value
		if !f.Raw && enc != nil {
			var err error
			if v, err = enc.Encode(string(f.Value)); err != nil {
				return err
			}
		}
		buf.AppendField(f.Name, v)
		return nil
	}
	for _, f := range p.Fields {
		if !f.Positional() {
			if err := put(f); err != nil {
				return err
			}
		}
	}
	for _, f := range p.Fields {
		if f.Positional() {
			if err := put(f); err != nil {
				return err
			}
		}
	}
	for _, f := range p.Env.Fields() {
		if err := put(f); err != nil {
			return err
		}
	}
	buf.AppendFunc(p.Func)
	p.Length = buf.PayloadLen()
	return nil
}

// Marshal returns the complete packet bytes, preamble included.
func (p *Packet) Marshal(enc codec.Codec) ([]byte, error) {
	buf := NewSendBuffer()
	if err := p.MarshalTo(buf, enc); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Seal()...), nil
}

// ParseOptions controls how an incoming payload is decoded.
type ParseOptions struct {
	// Unicode is set once the server has declared unicode mode; text is
	// then always UTF-8 on the wire.
	Unicode bool
	// Codec decodes text for non-unicode servers. Nil keeps bytes as-is.
	Codec  codec.Codec
	Rule   *FieldRule
	Filter Filter
}

func (o ParseOptions) textCodec() codec.Codec {
	if o.Unicode || o.Codec == nil {
		return codec.UTF8
	}
	return o.Codec
}

// ConstructPacket parses a payload whose preamble has already been read.
func ConstructPacket(pre Preamble, payload []byte, opts ParseOptions) (*Packet, error) {
	if !pre.ValidChecksum() {
		return nil, rpcerr.New(rpcerr.Protocol, "construct packet", "bad checksum in RPC preamble")
	}
	if pre.PayloadSize() != len(payload) {
		return nil, rpcerr.New(rpcerr.Internal, "construct packet",
			"payload is %d bytes, preamble declares %d", len(payload), pre.PayloadSize())
	}
	if opts.Rule != nil {
		opts.Rule.Reset()
	}
	if opts.Filter != nil {
		defer opts.Filter.Reset()
	}

	dec := opts.textCodec()
	pkt := &Packet{Length: len(payload)}
	skipRest := false

	for pos := 0; pos < len(payload); {
		name, value, n, err := RetrieveField(payload[pos:])
		if err != nil {
			return nil, err
		}
		pos += n

		raw := IsBinaryField(name)
		if opts.Rule != nil {
			opts.Rule.Update(name)
			raw = raw || opts.Rule.SkipConversion()
		}

		f := Field{Name: name, Raw: raw}
		if raw || name == "func" {
			f.Value = append([]byte(nil), value...)
		} else {
			s, err := dec.Decode(value)
			if err != nil {
				return nil, err
			}
			f.Value = []byte(s)
		}

		if opts.Filter != nil && !IsProtocolKey(name) && !opts.Filter.DoNotSkip(name) {
			if skipRest || opts.Filter.Skip(f, &skipRest) {
				continue
			}
		}

		if name == "func" {
			pkt.Func = string(f.Value)
			continue
		}
		pkt.Fields = append(pkt.Fields, f)
	}
	return pkt, nil
}
