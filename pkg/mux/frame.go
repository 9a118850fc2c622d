// Package mux runs many engine connections over a single message
// transport. Each frame carries a command, a connection ID, and an
// optional payload; a Handler demultiplexes frames onto per-connection
// engine state machines and pumps relay data back with one bounded
// upstream pull per outgoing frame, so a slow transport paces the
// upstream reads.
package mux

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Frame commands.
const (
	FrameOpen    byte = iota + 1 // Client opens a connection
	FrameOpenAck                 // Server acknowledges the open
	FrameData                    // SOCKS5 negotiation or relay bytes
	FrameClose                   // Either side terminates; payload is the close code
)

// Frame field sizes in bytes.
const (
	cmdSize    = 1
	idSize     = 16
	lenSize    = 4
	HeaderSize = cmdSize + idSize + lenSize
)

// Frame is one mux message:
//
//	+---------+---------------+----------------+---------+
//	| Command | Connection ID | Payload Length | Payload |
//	+---------+---------------+----------------+---------+
//	|    1B   |      16B      |       4B       |   var   |
type Frame struct {
	Cmd     byte
	ConnID  uuid.UUID
	Payload []byte
}

// Encode serializes the frame.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Cmd
	copy(buf[cmdSize:], f.ConnID[:])
	binary.BigEndian.PutUint32(buf[cmdSize+idSize:], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// DecodeFrame parses one frame. It returns nil when the data is shorter
// than the header, carries an unknown command, or its length field does
// not match the actual payload.
func DecodeFrame(data []byte) *Frame {
	if len(data) < HeaderSize {
		return nil
	}

	cmd := data[0]
	if cmd < FrameOpen || cmd > FrameClose {
		return nil
	}

	var id uuid.UUID
	copy(id[:], data[cmdSize:cmdSize+idSize])

	payloadLen := binary.BigEndian.Uint32(data[cmdSize+idSize : HeaderSize])
	if uint32(len(data)) != uint32(HeaderSize)+payloadLen {
		return nil
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		copy(payload, data[HeaderSize:])
	}

	return &Frame{Cmd: cmd, ConnID: id, Payload: payload}
}
