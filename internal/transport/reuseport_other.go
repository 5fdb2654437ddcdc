//go:build !linux

package transport

import (
	"net"

	"github.com/pkg/errors"
)

// listenReusePort is the non-Linux fallback: SO_REUSEPORT is a
// Linux-only socket option, so elsewhere a plain bind is the best this
// can do, same as the teacher's server/listen.go non-Linux path.
func listenReusePort(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ListenUDP")
	}
	return conn, nil
}
