package protocol

import (
	"testing"

	"p4rpc/rpcerr"
)

func TestPreambleRoundTrip(t *testing.T) {
	for _, n := range []int{1, 255, 256, 2048, 1 << 20, 0x7fffffff} {
		p := ConstructPreamble(n)
		got, err := RetrievePreamble(p.Bytes())
		if err != nil {
			t.Fatalf("RetrievePreamble(%d): %v", n, err)
		}
		if got.PayloadSize() != n {
			t.Fatalf("payload size: expect %d, got %d", n, got.PayloadSize())
		}
	}
}

func TestPreambleLayout(t *testing.T) {
	p := ConstructPreamble(0x01020304)
	want := Preamble{0x01 ^ 0x02 ^ 0x03 ^ 0x04, 0x04, 0x03, 0x02, 0x01}
	if p != want {
		t.Fatalf("expect % x, got % x", want[:], p[:])
	}
}

// Flipping a single byte anywhere in the preamble must break the checksum.
func TestPreambleCorruption(t *testing.T) {
	p := ConstructPreamble(4242)
	for i := 0; i < PreambleSize; i++ {
		for _, mask := range []byte{0x01, 0x80, 0xff} {
			b := p
			b[i] ^= mask
			_, err := RetrievePreamble(b[:])
			if !rpcerr.Is(err, rpcerr.Protocol) {
				t.Fatalf("byte %d mask %#x: expect protocol error, got %v", i, mask, err)
			}
		}
	}
}

func TestPreambleShort(t *testing.T) {
	_, err := RetrievePreamble([]byte{0, 1, 2})
	if !rpcerr.Is(err, rpcerr.Protocol) {
		t.Fatalf("expect protocol error, got %v", err)
	}
}

// A consistent preamble with a non-positive length still parses; it is the
// reader's job to reject it.
func TestPreambleNonPositiveLength(t *testing.T) {
	p := ConstructPreamble(0)
	got, err := RetrievePreamble(p.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got.PayloadSize() != 0 {
		t.Fatalf("expect 0, got %d", got.PayloadSize())
	}

	neg := Preamble{}
	neg[4] = 0x80
	neg[0] = neg[1] ^ neg[2] ^ neg[3] ^ neg[4]
	if neg.PayloadSize() >= 0 {
		t.Fatalf("expect negative size, got %d", neg.PayloadSize())
	}
}
