package protocol

const (
	// InitialSendBufSize is the starting capacity of a SendBuffer.
	InitialSendBufSize = 2048
	// SendBufReallocIncr is the slack added beyond the required size on
	// every growth, bounding how often large packets reallocate.
	SendBufReallocIncr = 1024
)

// SendBuffer accumulates one outgoing packet. The first PreambleSize bytes
// are reserved and backpatched by Seal once the payload size is known.
//
// Growth is explicit rather than left to append: when the spare capacity
// cannot take the next field, the buffer is reallocated to
// len + len(field) + increment.
type SendBuffer struct {
	buf   []byte
	grows int
}

// NewSendBuffer returns an empty buffer with the initial capacity.
func NewSendBuffer() *SendBuffer {
	b := &SendBuffer{buf: make([]byte, 0, InitialSendBufSize)}
	b.Reset()
	return b
}

// Reset empties the buffer for the next packet, keeping its capacity.
func (b *SendBuffer) Reset() {
	var zero Preamble
	b.buf = append(b.buf[:0], zero[:]...)
}

// AppendField marshals a field into the buffer, growing by the standard
// increment if needed.
func (b *SendBuffer) AppendField(name string, value []byte) {
	b.ensure(FieldSize(name, value), SendBufReallocIncr)
	b.buf = AppendField(b.buf, name, value)
}

// AppendFunc writes the trailing "func" field. Its growth slack is just the
// name length since nothing follows it.
func (b *SendBuffer) AppendFunc(name string) {
	b.ensure(FieldSize("func", []byte(name)), len(name))
	b.buf = AppendField(b.buf, "func", []byte(name))
}

func (b *SendBuffer) ensure(need, incr int) {
	if cap(b.buf)-len(b.buf) > need {
		return
	}
	grown := make([]byte, len(b.buf), len(b.buf)+need+incr)
	copy(grown, b.buf)
	b.buf = grown
	b.grows++
}

// PayloadLen returns the number of payload bytes written so far.
func (b *SendBuffer) PayloadLen() int { return len(b.buf) - PreambleSize }

// Cap returns the current capacity.
func (b *SendBuffer) Cap() int { return cap(b.buf) }

// Grows returns how many times the buffer has been reallocated.
func (b *SendBuffer) Grows() int { return b.grows }

// Seal backpatches the preamble and returns the complete packet bytes. The
// returned slice is only valid until the next Reset.
func (b *SendBuffer) Seal() []byte {
	p := ConstructPreamble(b.PayloadLen())
	copy(b.buf[:PreambleSize], p[:])
	return b.buf
}
