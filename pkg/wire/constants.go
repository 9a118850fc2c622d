// Package wire implements the SOCKS5 wire format from RFC 1928: the
// protocol constants, a cursor-based binary reader over a single message,
// the address codec, and reply encoding helpers.
package wire

// SOCKS protocol versions.
const (
	Version5 byte = 0x05 // SOCKS Protocol Version 5
)

// Authentication methods as defined in RFC 1928.
const (
	MethodNoAuth       byte = 0x00 // No authentication required
	MethodGSSAPI       byte = 0x01 // GSSAPI
	MethodUserPass     byte = 0x02 // Username/Password (RFC 1929)
	MethodNoAcceptable byte = 0xFF // No acceptable methods
)

// SOCKS5 commands that clients may request.
const (
	CmdConnect      byte = 0x01 // Establish TCP/IP stream connection
	CmdBind         byte = 0x02 // Listen for incoming TCP connection
	CmdUDPAssociate byte = 0x03 // Set up UDP relay
)

// Address types for target and bound addresses.
const (
	AddrIPv4   byte = 0x01 // IPv4 address (4 bytes)
	AddrDomain byte = 0x03 // Domain name (1-byte length prefix)
	AddrIPv6   byte = 0x04 // IPv6 address (16 bytes)
)

// Reply codes sent from server to client.
const (
	RepSucceeded           byte = 0x00 // Request granted
	RepGeneralFailure      byte = 0x01 // General failure
	RepNotAllowed          byte = 0x02 // Connection not allowed by ruleset
	RepNetworkUnreachable  byte = 0x03 // Network unreachable
	RepHostUnreachable     byte = 0x04 // Host unreachable
	RepConnectionRefused   byte = 0x05 // Connection refused by destination
	RepTTLExpired          byte = 0x06 // TTL expired
	RepCommandNotSupported byte = 0x07 // Command not supported
	RepAddressNotSupported byte = 0x08 // Address type not supported
)

// MaxHeaderSize is the largest possible greeting or request message:
// a request carrying a 255-byte domain name.
const MaxHeaderSize = 262

// Decode error codes. Byte values are shared with the engine's error
// table in pkg/socks so codes cross package boundaries unchanged.
const (
	ErrNone                byte = 0  // Operation completed successfully
	ErrAddressNotSupported byte = 35 // Address type tag not recognized
	ErrShortMessage        byte = 40 // Message ended before the field did
	ErrAddressTooLong      byte = 41 // Domain name exceeds 255 bytes
)
