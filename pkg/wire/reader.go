package wire

import "encoding/binary"

// Reader is a sequential cursor over one protocol message. Every read
// advances the cursor by the consumed length; reading past the end of the
// buffer is a decode error and the cursor does not recover. A Reader is
// used for exactly one message and holds no other state.
type Reader struct {
	buf []byte
	off int
}

// NewReader creates a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Uint8 consumes one byte.
func (r *Reader) Uint8() (byte, byte) {
	if r.off >= len(r.buf) {
		return 0, ErrShortMessage
	}
	v := r.buf[r.off]
	r.off++
	return v, ErrNone
}

// Uint16 consumes two bytes as a big-endian integer.
func (r *Reader) Uint16() (uint16, byte) {
	if r.off+2 > len(r.buf) {
		return 0, ErrShortMessage
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, ErrNone
}

// Bytes consumes exactly n bytes. The returned slice aliases the message
// buffer and is only valid while the message is.
func (r *Reader) Bytes(n int) ([]byte, byte) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, ErrShortMessage
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, ErrNone
}

// String consumes exactly n bytes as a string.
func (r *Reader) String(n int) (string, byte) {
	b, code := r.Bytes(n)
	if code != ErrNone {
		return "", code
	}
	return string(b), ErrNone
}
