package tunnel

import (
	"net"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

// State is one of the two independent state machines a Session tracks:
// tcp_state (the local TCP endpoint's lifecycle) and kcp_state (the
// remote conversation's lifecycle), per spec §4.4.
type State int

const (
	StateInit State = iota
	StateConnect
	StateConnected
	StateLinger
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnect:
		return "CONNECT"
	case StateConnected:
		return "CONNECTED"
	case StateLinger:
		return "LINGER"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Session is one KCP conversation bridging a local TCP connection to a
// remote peer's forwarded TCP endpoint. Exactly one event-loop
// goroutine mutates a Session's KCP block, buffers, and state fields;
// the TCP bridge goroutines only ever touch the Bridge's own buffered
// channels (readCh/writeCh), never Session fields
// directly, so no mutex guards them (spec §5, "no locks").
type Session struct {
	ConvID     uint32
	Peer       net.Addr
	KCP        *kcp.KCP
	IsAccepted bool // true on the side that accepted the inbound connection (server)

	TCPState State
	KCPState State

	Created   time.Time
	LastSend  time.Time
	LastRecv  time.Time
	LastReset time.Time

	TCPConn net.Conn

	// rbuf and wbuf are not used: bytes read from the local TCP
	// endpoint go from Bridge chunks straight into PUSH TLVs and
	// KCP.Send, and PUSH payloads go straight to Bridge.TryWrite.
	rbuf []byte
	wbuf []byte

	// tlvAssembly accumulates raw bytes pulled from KCP.Recv until a
	// complete TLV frame is available.
	tlvAssembly []byte

	BytesUp   uint64
	BytesDown uint64

	pendingDial bool
}

// NewSession constructs a Session in state INIT. The caller (the
// engine) is responsible for wiring KCP's output callback to the
// codec+pump before the first Update/Input call.
func NewSession(conv uint32, peer net.Addr, isAccepted bool) *Session {
	now := time.Now()
	return &Session{
		ConvID:     conv,
		Peer:       peer,
		IsAccepted: isAccepted,
		TCPState:   StateInit,
		KCPState:   StateInit,
		Created:    now,
		LastSend:   now,
		LastRecv:   now,
	}
}

// Key uniquely identifies a session by (peer address, conversation-id)
// for the session table's map, per spec §3 "Session Key".
func Key(peer net.Addr, conv uint32) string {
	var b [4]byte
	b[0] = byte(conv >> 24)
	b[1] = byte(conv >> 16)
	b[2] = byte(conv >> 8)
	b[3] = byte(conv)
	return peer.String() + "|" + string(b[:])
}

// TouchRecv records that a datagram was just received for this session.
func (s *Session) TouchRecv() { s.LastRecv = time.Now() }

// TouchSend records that a datagram was just sent for this session.
func (s *Session) TouchSend() { s.LastSend = time.Now() }

// IdleFor reports how long it has been since any traffic was received.
func (s *Session) IdleFor() time.Duration { return time.Since(s.LastRecv) }

// Reachable always returns true: a Session does not track whether the
// table still holds it (TIME_WAIT expiry removes it from the table,
// tracked by the caller, not this type).
func (s *Session) Reachable() bool { return true }

// AppendAssembly accumulates bytes pulled off KCP.Recv until a full TLV
// frame is available; only the engine's event-loop goroutine ever calls
// this.
func (s *Session) AppendAssembly(data []byte) {
	s.tlvAssembly = append(s.tlvAssembly, data...)
}

// Assembly exposes the current unconsumed byte run for TLV decoding.
func (s *Session) Assembly() []byte { return s.tlvAssembly }

// ConsumeAssembly drops the first n bytes of the assembly buffer, once
// the caller has decoded a complete TLV frame from them.
func (s *Session) ConsumeAssembly(n int) {
	s.tlvAssembly = append(s.tlvAssembly[:0], s.tlvAssembly[n:]...)
}
