// Package protocol implements the Perforce RPC packet format.
//
// Every packet is a fixed 5-byte preamble followed by a variable-length
// payload. The preamble carries the payload length (little-endian) and a
// one-byte XOR checksum over the length bytes, so a reader can reject a
// desynchronized stream before trusting the length:
//
//	0    1                 5
//	┌────┬─────────────────┬───────────────────────────────┐
//	│ ck │  payload length │  field field ... func field   │
//	│    │  uint32 LE      │  payloadLen bytes             │
//	└────┴─────────────────┴───────────────────────────────┘
//	ck = b1 ^ b2 ^ b3 ^ b4
//
// Each field inside the payload is
//
//	name... 0x00 │ len uint32 LE │ value (len bytes) │ 0x00
//
// An empty name marks a positional argument. The function name travels as
// the field named "func", always last.
package protocol

import (
	"encoding/binary"

	"p4rpc/rpcerr"
)

// PreambleSize is the fixed size of the packet header in bytes.
const PreambleSize = 5

// Preamble is the fixed packet header.
type Preamble [PreambleSize]byte

// ConstructPreamble encodes payloadLength and its checksum.
func ConstructPreamble(payloadLength int) Preamble {
	var p Preamble
	binary.LittleEndian.PutUint32(p[1:], uint32(payloadLength))
	p[0] = p[1] ^ p[2] ^ p[3] ^ p[4]
	return p
}

// RetrievePreamble decodes a preamble from the first PreambleSize bytes of b
// and validates its checksum.
func RetrievePreamble(b []byte) (Preamble, error) {
	var p Preamble
	if len(b) < PreambleSize {
		return p, rpcerr.New(rpcerr.Protocol, "retrieve preamble",
			"short preamble: %d bytes", len(b))
	}
	copy(p[:], b[:PreambleSize])
	if !p.ValidChecksum() {
		return p, rpcerr.New(rpcerr.Protocol, "retrieve preamble",
			"bad checksum in RPC preamble")
	}
	return p, nil
}

// ValidChecksum reports whether the checksum byte matches the length bytes.
func (p Preamble) ValidChecksum() bool {
	return p[0] == p[1]^p[2]^p[3]^p[4]
}

// PayloadSize returns the declared payload length. The wire value is
// unsigned but callers compare against zero, so a length with the top bit
// set comes back negative and is rejected as a bad payload size.
func (p Preamble) PayloadSize() int {
	return int(int32(binary.LittleEndian.Uint32(p[1:])))
}

// Bytes returns the encoded header.
func (p Preamble) Bytes() []byte {
	return p[:]
}
