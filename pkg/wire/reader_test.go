package wire

import (
	"bytes"
	"testing"
)

func TestReaderSequentialReads(t *testing.T) {
	r := NewReader([]byte{0x05, 0x01, 0xBB, 'a', 'b', 'c', 0x1F, 0x90})

	if v, code := r.Uint8(); code != ErrNone || v != 0x05 {
		t.Fatalf("Uint8 = %v, %v", v, code)
	}
	if b, code := r.Bytes(2); code != ErrNone || !bytes.Equal(b, []byte{0x01, 0xBB}) {
		t.Fatalf("Bytes(2) = %v, %v", b, code)
	}
	if s, code := r.String(3); code != ErrNone || s != "abc" {
		t.Fatalf("String(3) = %q, %v", s, code)
	}
	if v, code := r.Uint16(); code != ErrNone || v != 8080 {
		t.Fatalf("Uint16 = %v, %v", v, code)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", r.Remaining())
	}
}

func TestReaderShortBuffer(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		read func(*Reader) byte
	}{
		{"uint8 on empty", nil, func(r *Reader) byte { _, code := r.Uint8(); return code }},
		{"uint16 on one byte", []byte{0x05}, func(r *Reader) byte { _, code := r.Uint16(); return code }},
		{"bytes past end", []byte{0x01, 0x02}, func(r *Reader) byte { _, code := r.Bytes(3); return code }},
		{"string past end", []byte{0x01}, func(r *Reader) byte { _, code := r.String(2); return code }},
		{"negative length", []byte{0x01}, func(r *Reader) byte { _, code := r.Bytes(-1); return code }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := tt.read(NewReader(tt.buf)); code != ErrShortMessage {
				t.Fatalf("code = %d, want ErrShortMessage", code)
			}
		})
	}
}

func TestReaderDoesNotRecover(t *testing.T) {
	r := NewReader([]byte{0x05})
	if _, code := r.Uint16(); code != ErrShortMessage {
		t.Fatal("expected short message")
	}
	// The failed read must not have consumed the remaining byte.
	if v, code := r.Uint8(); code != ErrNone || v != 0x05 {
		t.Fatalf("Uint8 after failure = %v, %v", v, code)
	}
}
