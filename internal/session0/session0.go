// Package session0 implements the un-conversated control-plane
// sub-protocol that shares the UDP port with every KCP session: a
// datagram whose 32-bit leading field is zero, followed by a 16-bit
// "what" selecting PING/PONG/RESET/LISTEN/CONNECT/PUNCH/KEEPALIVE.
// It is the rendezvous and liveness layer, entirely separate from any
// one session's KCP stream.
package session0

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// What identifies a session-0 message kind.
type What uint16

const (
	Ping What = iota
	Pong
	Reset
	Listen
	Connect
	Punch
	Keepalive
)

func (w What) String() string {
	switch w {
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case Reset:
		return "RESET"
	case Listen:
		return "LISTEN"
	case Connect:
		return "CONNECT"
	case Punch:
		return "PUNCH"
	case Keepalive:
		return "KEEPALIVE"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the fixed zero-conv + what prefix every session-0
// datagram carries.
const HeaderSize = 4 + 2

// ErrNotSession0 is returned by ParseHeader when the leading 32-bit
// field is non-zero (i.e. the datagram belongs to a real session).
var ErrNotSession0 = errors.New("session0: conversation-id is non-zero")

// ParseHeader reads the zero-conv/what prefix and returns the payload
// that follows it.
func ParseHeader(buf []byte) (What, []byte, error) {
	if len(buf) < HeaderSize {
		return 0, nil, errors.New("session0: packet shorter than header")
	}
	if binary.BigEndian.Uint32(buf[:4]) != 0 {
		return 0, nil, ErrNotSession0
	}
	what := What(binary.BigEndian.Uint16(buf[4:6]))
	return what, buf[HeaderSize:], nil
}

// WriteHeader serializes the zero-conv/what prefix into dst, which must
// have at least HeaderSize bytes of capacity, returning the number of
// header bytes written.
func WriteHeader(dst []byte, what What) int {
	binary.BigEndian.PutUint32(dst[:4], 0)
	binary.BigEndian.PutUint16(dst[4:6], uint16(what))
	return HeaderSize
}

// AddrFamily mirrors the wire ATYP values (spec §6).
type AddrFamily uint8

const (
	ATYPInet  AddrFamily = 1
	ATYPInet6 AddrFamily = 4
)

// AddrRecord is one `family | addr | port` record as carried by
// LISTEN/CONNECT/PUNCH payloads.
type AddrRecord struct {
	IP   net.IP
	Port uint16
}

// EncodedLen reports how many bytes this record occupies on the wire.
func (a AddrRecord) EncodedLen() int {
	if ip4 := a.IP.To4(); ip4 != nil {
		return 1 + 4 + 2
	}
	return 1 + 16 + 2
}

// Encode appends the wire form of a to dst and returns the result.
func (a AddrRecord) Encode(dst []byte) []byte {
	if ip4 := a.IP.To4(); ip4 != nil {
		dst = append(dst, byte(ATYPInet))
		dst = append(dst, ip4...)
	} else {
		dst = append(dst, byte(ATYPInet6))
		dst = append(dst, a.IP.To16()...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	return append(dst, portBuf[:]...)
}

// DecodeAddrRecord parses one address record from the front of buf,
// returning the record and the remaining bytes.
func DecodeAddrRecord(buf []byte) (AddrRecord, []byte, error) {
	if len(buf) < 1 {
		return AddrRecord{}, nil, errors.New("session0: empty address record")
	}
	family := AddrFamily(buf[0])
	buf = buf[1:]
	var ipLen int
	switch family {
	case ATYPInet:
		ipLen = 4
	case ATYPInet6:
		ipLen = 16
	default:
		return AddrRecord{}, nil, errors.Errorf("session0: unknown address family %d", family)
	}
	if len(buf) < ipLen+2 {
		return AddrRecord{}, nil, errors.New("session0: truncated address record")
	}
	ip := net.IP(append([]byte(nil), buf[:ipLen]...))
	port := binary.BigEndian.Uint16(buf[ipLen : ipLen+2])
	return AddrRecord{IP: ip, Port: port}, buf[ipLen+2:], nil
}

// AddrRecordFromUDP builds an AddrRecord from a resolved UDP address.
func AddrRecordFromUDP(addr *net.UDPAddr) AddrRecord {
	return AddrRecord{IP: addr.IP, Port: uint16(addr.Port)}
}

// UDPAddr converts a decoded record back into a dialable net.UDPAddr.
func (a AddrRecord) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}
