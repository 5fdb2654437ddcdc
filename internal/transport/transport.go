// Package transport picks the net.PacketConn a Pump runs over: a plain
// UDP socket, or — when TCP disguise is requested — a raw socket that
// speaks the TCP wire format without terminating a real TCP connection,
// via github.com/xtaci/tcpraw (spec §9, "TCP camouflage is a transport
// concern, not a codec one"). This mirrors the teacher's own
// server/listen_linux.go +build split between kcp.ListenWithOptions and
// tcpraw.Listen, generalized to both dial and listen.
package transport

import (
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/tcpraw"
)

// Mode selects the wire disguise a Pump's socket presents.
type Mode int

const (
	ModeUDP Mode = iota
	ModeTCP
)

func (m Mode) String() string {
	if m == ModeTCP {
		return "tcp"
	}
	return "udp"
}

// Listen opens a server-side PacketConn bound to addr in the requested
// Mode. sockBuf, when positive, sets the OS socket's read/write buffer
// size on the listening socket (spec §6.2's "tunable kernel socket
// buffers"), mirroring the teacher's lis.SetReadBuffer/SetWriteBuffer
// calls in server/main.go.
func Listen(mode Mode, addr string, sockBuf int) (net.PacketConn, error) {
	switch mode {
	case ModeTCP:
		conn, err := tcpraw.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "tcpraw.Listen")
		}
		applySockBuf(conn, sockBuf)
		return conn, nil
	default:
		conn, err := listenReusePort(addr)
		if err != nil {
			return nil, errors.Wrap(err, "listen udp")
		}
		applySockBuf(conn, sockBuf)
		return conn, nil
	}
}

// Dial opens a client-side PacketConn whose only correspondent is raddr,
// in the requested Mode. sockBuf behaves as in Listen.
func Dial(mode Mode, raddr string, sockBuf int) (net.PacketConn, net.Addr, error) {
	switch mode {
	case ModeTCP:
		tcpAddr, err := net.ResolveTCPAddr("tcp", raddr)
		if err != nil {
			return nil, nil, errors.Wrap(err, "net.ResolveTCPAddr")
		}
		conn, err := tcpraw.Dial("tcp", raddr)
		if err != nil {
			return nil, nil, errors.Wrap(err, "tcpraw.Dial")
		}
		applySockBuf(conn, sockBuf)
		return conn, tcpAddr, nil
	default:
		udpAddr, err := net.ResolveUDPAddr("udp", raddr)
		if err != nil {
			return nil, nil, errors.Wrap(err, "net.ResolveUDPAddr")
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			return nil, nil, errors.Wrap(err, "net.ListenUDP")
		}
		applySockBuf(conn, sockBuf)
		return conn, udpAddr, nil
	}
}

// bufSetter is satisfied by both *net.UDPConn and tcpraw's TCPConn.
type bufSetter interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// applySockBuf best-effort tunes the OS socket buffers: errors from a
// platform that rejects the request are ignored (neither logged nor
// returned), so startup never fails here. A non-positive sockBuf is a
// no-op.
func applySockBuf(conn net.PacketConn, sockBuf int) {
	if sockBuf <= 0 {
		return
	}
	bs, ok := conn.(bufSetter)
	if !ok {
		return
	}
	_ = bs.SetReadBuffer(sockBuf)
	_ = bs.SetWriteBuffer(sockBuf)
}
