package protocol

import (
	"bytes"
	"testing"
)

func TestSendBufferGrowthPolicy(t *testing.T) {
	b := NewSendBuffer()
	if b.Cap() != InitialSendBufSize {
		t.Fatalf("initial cap: expect %d, got %d", InitialSendBufSize, b.Cap())
	}

	// Fits: no growth.
	b.AppendField("small", make([]byte, 100))
	if b.Grows() != 0 {
		t.Fatalf("unexpected growth")
	}

	// Does not fit: grows to len + field + increment.
	before := len(b.buf)
	big := make([]byte, 4000)
	need := FieldSize("big", big)
	b.AppendField("big", big)
	if b.Grows() != 1 {
		t.Fatalf("expect one growth, got %d", b.Grows())
	}
	if b.Cap() != before+need+SendBufReallocIncr {
		t.Fatalf("cap: expect %d, got %d", before+need+SendBufReallocIncr, b.Cap())
	}

	// The slack absorbs a following small field.
	b.AppendField("x", make([]byte, 10))
	if b.Grows() != 1 {
		t.Fatalf("slack should absorb small field, grows=%d", b.Grows())
	}
}

// Remaining capacity exactly equal to the field size still triggers growth.
func TestSendBufferGrowsOnExactFit(t *testing.T) {
	b := NewSendBuffer()
	room := b.Cap() - len(b.buf)
	value := make([]byte, room-FieldSize("v", nil))
	b.AppendField("v", value)
	if b.Grows() != 1 {
		t.Fatalf("expect growth on exact fit, got %d", b.Grows())
	}
}

func TestSendBufferSealAndReset(t *testing.T) {
	b := NewSendBuffer()
	b.AppendField("a", []byte("1"))
	b.AppendFunc("flush1")
	out := b.Seal()

	pre, err := RetrievePreamble(out)
	if err != nil {
		t.Fatal(err)
	}
	if pre.PayloadSize() != len(out)-PreambleSize {
		t.Fatalf("preamble size %d, payload %d", pre.PayloadSize(), len(out)-PreambleSize)
	}
	if !bytes.HasSuffix(out, MarshalField("func", []byte("flush1"))) {
		t.Fatal("func field must be last")
	}

	b.Reset()
	if b.PayloadLen() != 0 {
		t.Fatalf("reset left %d payload bytes", b.PayloadLen())
	}
}
