package socks

import "socksgate/pkg/wire"

// Engine error codes. Byte values keep close frames compact and map
// one-to-one onto RFC 1928 reply codes where a mapping exists. Ranges are
// allocated per concern; values shared with pkg/wire and pkg/transport
// cross package boundaries unchanged.
const (
	// General errors (0-9)
	ErrNone            byte = 0 // Operation completed successfully
	ErrContextCanceled byte = 2 // Context canceled

	// Connection errors (10-19)
	ErrConnectionClosed   byte = 10 // Connection was terminated
	ErrConnectionNotFound byte = 11 // Connection ID does not exist
	ErrConnectionExists   byte = 12 // Connection ID already in use
	ErrInvalidState       byte = 13 // Connection in wrong state for operation
	ErrHandlerStopped     byte = 15 // Engine is no longer running

	// SOCKS errors (30-39)
	ErrInvalidSocksVersion byte = 30 // Unsupported SOCKS protocol version
	ErrUnsupportedCommand  byte = 31 // SOCKS command not implemented
	ErrHostUnreachable     byte = 32 // Target host not accessible
	ErrConnectionRefused   byte = 33 // Target refused connection
	ErrNetworkUnreachable  byte = 34 // Network path not accessible
	ErrAddressNotSupported byte = wire.ErrAddressNotSupported // Address format not supported
	ErrTTLExpired          byte = 36 // Time-to-live exceeded
	ErrGeneralFailure      byte = 37 // Unspecified SOCKS failure
	ErrAuthFailed          byte = 38 // No acceptable authentication method

	// Decode errors (40-49)
	ErrShortMessage   byte = wire.ErrShortMessage   // Malformed or truncated message
	ErrAddressTooLong byte = wire.ErrAddressTooLong // Domain name exceeds 255 bytes
)

// ReplyCode maps an engine error code to the RFC 1928 reply code sent to
// the client. Codes without a defined mapping fall back to general
// failure.
func ReplyCode(code byte) byte {
	switch code {
	case ErrNone:
		return wire.RepSucceeded
	case ErrNetworkUnreachable:
		return wire.RepNetworkUnreachable
	case ErrHostUnreachable:
		return wire.RepHostUnreachable
	case ErrConnectionRefused:
		return wire.RepConnectionRefused
	case ErrTTLExpired:
		return wire.RepTTLExpired
	case ErrUnsupportedCommand:
		return wire.RepCommandNotSupported
	case ErrAddressNotSupported:
		return wire.RepAddressNotSupported
	default:
		return wire.RepGeneralFailure
	}
}
