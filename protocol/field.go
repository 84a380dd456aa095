package protocol

import (
	"bytes"
	"encoding/binary"

	"p4rpc/rpcerr"
)

// lengthFieldSize is the size of the value length inside a field.
const lengthFieldSize = 4

// FieldSize returns the marshaled size of a field.
func FieldSize(name string, value []byte) int {
	return len(name) + 1 + lengthFieldSize + len(value) + 1
}

// MarshalField serializes one field. An empty name marks a positional
// argument. Bytes are copied verbatim; no charset conversion happens here.
func MarshalField(name string, value []byte) []byte {
	return AppendField(make([]byte, 0, FieldSize(name, value)), name, value)
}

// AppendField appends the marshaled field to dst.
func AppendField(dst []byte, name string, value []byte) []byte {
	dst = append(dst, name...)
	dst = append(dst, 0)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(value)))
	dst = append(dst, value...)
	return append(dst, 0)
}

// RetrieveField decodes the field at the start of buf, returning the raw name,
// the value (a sub-slice of buf) and the number of bytes consumed.
func RetrieveField(buf []byte) (name string, value []byte, n int, err error) {
	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return "", nil, 0, rpcerr.New(rpcerr.Protocol, "retrieve field",
			"unterminated field name")
	}
	name = string(buf[:end])
	pos := end + 1

	if len(buf)-pos < lengthFieldSize {
		return "", nil, 0, rpcerr.New(rpcerr.Protocol, "retrieve field",
			"insufficient bytes in buffer to retrieve value length for %q", name)
	}
	valLen := int(int32(binary.LittleEndian.Uint32(buf[pos:])))
	pos += lengthFieldSize
	if valLen < 0 {
		return "", nil, 0, rpcerr.New(rpcerr.Protocol, "retrieve field",
			"negative value length %d for %q", valLen, name)
	}
	if len(buf)-pos < valLen+1 {
		return "", nil, 0, rpcerr.New(rpcerr.Protocol, "retrieve field",
			"insufficient bytes in buffer to retrieve value for %q", name)
	}
	value = buf[pos : pos+valLen]
	pos += valLen
	if buf[pos] != 0 {
		return "", nil, 0, rpcerr.New(rpcerr.Protocol, "retrieve field",
			"missing value terminator for %q", name)
	}
	return name, value, pos + 1, nil
}
