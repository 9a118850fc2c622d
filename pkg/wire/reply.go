package wire

import (
	"encoding/binary"
	"net"
)

// Reply builds a SOCKS5 reply carrying the bound address of the outbound
// socket. The ATYP and address width follow the IP family: a 10-byte
// IPv4-shaped reply or a 22-byte IPv6-shaped one.
//
//	+----+-----+-----+------+----------+----------+
//	|VER | REP | RSV | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-----+------+----------+----------+
//	| 1  |  1  |  1  |  1   | Variable |    2     |
func Reply(rep byte, bndIP net.IP, bndPort uint16) []byte {
	if v4 := bndIP.To4(); v4 != nil {
		msg := make([]byte, 10)
		msg[0] = Version5
		msg[1] = rep
		msg[3] = AddrIPv4
		copy(msg[4:8], v4)
		binary.BigEndian.PutUint16(msg[8:], bndPort)
		return msg
	}

	msg := make([]byte, 22)
	msg[0] = Version5
	msg[1] = rep
	msg[3] = AddrIPv6
	copy(msg[4:20], bndIP.To16())
	binary.BigEndian.PutUint16(msg[20:], bndPort)
	return msg
}

// ZeroReply builds the 10-byte IPv4-shaped reply with a zeroed address
// and port, used when no meaningful bound address exists.
func ZeroReply(rep byte) []byte {
	return []byte{Version5, rep, 0x00, AddrIPv4, 0, 0, 0, 0, 0, 0}
}
