package wire

import "net"

// Address is the wire form of a SOCKS5 address field: the type tag and
// the encoded payload, without the trailing port.
//
// IPv4 payloads are 4 bytes, IPv6 payloads 16 bytes, and domain payloads
// carry a 1-byte length prefix followed by the name.
type Address struct {
	Type byte
	Body []byte
}

// EncodeAddr converts a textual host into its wire representation.
// A host that parses as a numeric IP maps to the IPv4 or IPv6 form by
// family; anything else is treated as a domain name with a one-byte
// length prefix, which limits it to 255 bytes.
func EncodeAddr(host string) (Address, byte) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return Address{Type: AddrIPv4, Body: v4}, ErrNone
		}
		return Address{Type: AddrIPv6, Body: ip.To16()}, ErrNone
	}

	if len(host) > 255 {
		return Address{}, ErrAddressTooLong
	}
	body := make([]byte, 1+len(host))
	body[0] = byte(len(host))
	copy(body[1:], host)
	return Address{Type: AddrDomain, Body: body}, ErrNone
}

// DecodeAddr reads the address payload for the given type tag from r and
// returns its textual form. An unrecognized tag is surfaced as
// ErrAddressNotSupported so the caller can reply accordingly.
func DecodeAddr(atyp byte, r *Reader) (string, byte) {
	switch atyp {
	case AddrIPv4:
		b, code := r.Bytes(net.IPv4len)
		if code != ErrNone {
			return "", code
		}
		return net.IP(b).String(), ErrNone

	case AddrIPv6:
		b, code := r.Bytes(net.IPv6len)
		if code != ErrNone {
			return "", code
		}
		return net.IP(b).String(), ErrNone

	case AddrDomain:
		n, code := r.Uint8()
		if code != ErrNone {
			return "", code
		}
		return r.String(int(n))

	default:
		return "", ErrAddressNotSupported
	}
}
