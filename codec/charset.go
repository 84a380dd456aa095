package codec

import (
	"golang.org/x/text/encoding"

	"p4rpc/rpcerr"
)

type utf8Codec struct{}

func (utf8Codec) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (utf8Codec) Decode(b []byte) (string, error) { return string(b), nil }
func (utf8Codec) Name() string                    { return "utf8" }

// textCodec adapts an x/text encoding. Encoders and decoders are created per
// call because they carry transform state and are not safe to share.
type textCodec struct {
	name string
	enc  encoding.Encoding
}

func (c *textCodec) Encode(s string) ([]byte, error) {
	b, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Protocol, "encode "+c.name, err, "unmappable character")
	}
	return b, nil
}

func (c *textCodec) Decode(b []byte) (string, error) {
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", rpcerr.Wrap(rpcerr.Protocol, "decode "+c.name, err, "invalid byte sequence")
	}
	return string(out), nil
}

func (c *textCodec) Name() string { return c.name }
