// Package transport defines the message transport the engine's adapters
// run over, plus the implementations shipped with socksgate: an in-memory
// pair, an authenticated-encryption wrapper, and an Azure Block Blob
// rendezvous.
//
// A Transport carries discrete messages, not a byte stream: every Send is
// delivered to exactly one Receive on the peer, whole. Adapters rely on
// that framing during SOCKS5 negotiation, where the engine requires one
// complete protocol message per processing call.
package transport

import "context"

// Error codes for transport operations. Values are aligned with the
// engine's error table in pkg/socks.
const (
	ErrNone            byte = 0 // Operation completed successfully
	ErrContextCanceled byte = 2 // Context was canceled during operation

	// Transport errors (20-29)
	ErrTransportClosed  byte = 20 // Transport is permanently closed
	ErrTransportTimeout byte = 21 // Operation exceeded time limit
	ErrTransportError   byte = 22 // Generic transport error
	ErrSealBroken       byte = 23 // Message failed authenticated decryption
)

// Transport is a bidirectional message channel. All methods are safe for
// concurrent use.
type Transport interface {
	// Send transmits one message. It blocks until the message is handed
	// to the peer side or the context is canceled.
	Send(ctx context.Context, data []byte) byte

	// Receive waits for and returns the next message. It blocks until a
	// message is available or the context is canceled.
	Receive(ctx context.Context) ([]byte, byte)

	// IsClosed reports whether the given code means the transport is
	// permanently closed.
	IsClosed(code byte) bool

	// Close permanently shuts the transport down. Pending and future
	// operations fail with ErrTransportClosed.
	Close() byte
}
