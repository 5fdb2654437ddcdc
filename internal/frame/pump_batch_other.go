//go:build !linux

package frame

import "net"

// newBatcher never succeeds outside Linux: the Pump falls back to
// one-message-per-syscall I/O, which is correct everywhere, just not
// vectorised (spec §9 design note on vectored syscalls).
func newBatcher(conn net.PacketConn) (batcher, bool) {
	return nil, false
}
