package mux

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		cmd     byte
		payload []byte
	}{
		{"open no payload", FrameOpen, nil},
		{"open ack", FrameOpenAck, nil},
		{"data", FrameData, []byte{0x05, 0x01, 0x00}},
		{"close with code", FrameClose, []byte{33}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Frame{Cmd: tt.cmd, ConnID: uuid.New(), Payload: tt.payload}

			encoded := in.Encode()
			if len(encoded) != HeaderSize+len(tt.payload) {
				t.Fatalf("encoded length %d, want %d", len(encoded), HeaderSize+len(tt.payload))
			}

			out := DecodeFrame(encoded)
			if out == nil {
				t.Fatal("decode returned nil")
			}
			if out.Cmd != in.Cmd {
				t.Fatalf("cmd %d, want %d", out.Cmd, in.Cmd)
			}
			if out.ConnID != in.ConnID {
				t.Fatalf("conn ID %s, want %s", out.ConnID, in.ConnID)
			}
			if !bytes.Equal(out.Payload, in.Payload) {
				t.Fatalf("payload %v, want %v", out.Payload, in.Payload)
			}
		})
	}
}

func TestDecodeFramePayloadIsCopied(t *testing.T) {
	in := &Frame{Cmd: FrameData, ConnID: uuid.New(), Payload: []byte("payload")}
	encoded := in.Encode()

	out := DecodeFrame(encoded)
	copy(encoded[HeaderSize:], "clobber")
	if string(out.Payload) != "payload" {
		t.Fatalf("payload %q mutated through the source buffer", out.Payload)
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	valid := (&Frame{Cmd: FrameData, ConnID: uuid.New(), Payload: []byte("ok")}).Encode()

	truncated := make([]byte, HeaderSize-1)
	copy(truncated, valid)

	unknownCmd := append([]byte(nil), valid...)
	unknownCmd[0] = FrameClose + 1

	zeroCmd := append([]byte(nil), valid...)
	zeroCmd[0] = 0

	lengthOverclaims := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(lengthOverclaims[cmdSize+idSize:], 100)

	lengthUnderclaims := append([]byte(nil), valid...)
	binary.BigEndian.PutUint32(lengthUnderclaims[cmdSize+idSize:], 1)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", truncated},
		{"unknown command", unknownCmd},
		{"zero command", zeroCmd},
		{"length larger than payload", lengthOverclaims},
		{"length smaller than payload", lengthUnderclaims},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if f := DecodeFrame(tt.data); f != nil {
				t.Fatalf("expected nil, got %+v", f)
			}
		})
	}
}
