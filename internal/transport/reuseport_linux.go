//go:build linux

package transport

import (
	"context"
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// listenReusePort binds a UDP socket with SO_REUSEPORT set, letting a
// rendezvous broker and a tunnel endpoint share one port across several
// processes (or several engine instances on one box) the way the
// teacher's server/listen_linux.go build-tag split carries a
// Linux-specific socket option alongside a portable fallback.
func listenReusePort(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		return nil, errors.Wrap(err, "net.ListenConfig.ListenPacket")
	}
	return pc.(*net.UDPConn), nil
}
