//go:build linux

package frame

import (
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// udpConn is satisfied by *net.UDPConn; tcpraw.TCPConn does not implement
// it, which is exactly the signal used to fall back to one-message-per-
// syscall I/O for TCP-disguised transport (spec §9 design note).
type udpConn interface {
	SyscallConn() (syscall.RawConn, error)
	ReadMsgUDP(b, oob []byte) (n, oobn, flags int, addr *net.UDPAddr, err error)
}

type ipBatchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

type linuxBatcher struct {
	conn ipBatchConn
}

func newBatcher(conn net.PacketConn) (batcher, bool) {
	if _, ok := conn.(udpConn); !ok {
		return nil, false
	}
	addr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	if err != nil {
		return nil, false
	}
	if addr.IP.To4() != nil {
		return &linuxBatcher{conn: ipv4.NewPacketConn(conn)}, true
	}
	return &linuxBatcher{conn: ipv6.NewPacketConn(conn)}, true
}

func (b *linuxBatcher) readBatch(bufs [][]byte) (int, []net.Addr, []int, error) {
	msgs := make([]ipv4.Message, len(bufs))
	for i := range bufs {
		msgs[i].Buffers = [][]byte{bufs[i]}
	}
	n, err := b.conn.ReadBatch(msgs, 0)
	addrs := make([]net.Addr, n)
	sizes := make([]int, n)
	for i := 0; i < n; i++ {
		addrs[i] = msgs[i].Addr
		sizes[i] = msgs[i].N
	}
	return n, addrs, sizes, err
}

func (b *linuxBatcher) writeBatch(bufs [][]byte, addrs []net.Addr) (int, error) {
	msgs := make([]ipv4.Message, len(bufs))
	for i := range bufs {
		msgs[i].Buffers = [][]byte{bufs[i]}
		msgs[i].Addr = addrs[i]
	}
	return b.conn.WriteBatch(msgs, 0)
}
