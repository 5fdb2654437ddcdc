package session0

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/kcptun-rdv/internal/xlog"
)

// Sender is the minimal outbound capability a Handler needs; it is
// satisfied by small adapters in the engine and in the rendezvous
// command, without coupling this package to frame.Pump directly.
type Sender interface {
	SendSession0(to net.Addr, what What, payload []byte) error
}

// ResetNotifier is implemented by whatever owns the session table, so a
// received RESET can tear down the matching session without session0
// importing the tunnel package; the engine, which imports both,
// implements it.
type ResetNotifier interface {
	ResetSession(peer net.Addr, conv uint32)
}

// PongObserver lets a rendezvous client learn the RTT/bandwidth and
// commit a peer address once a PONG arrives (spec §4.5).
type PongObserver interface {
	OnPong(peer net.Addr, rttMillis int64)
}

// listenerEntry is one rendezvous LISTEN registration: the address the
// listener claims plus the address it was actually observed from
// (which may differ across NATs).
type listenerEntry struct {
	claimed  AddrRecord
	observed net.Addr
	seenAt   time.Time
}

// Handler implements the rendezvous-server and PING/PONG/RESET logic of
// spec §4.5. In a client or server without a rendezvous address the
// Handler only answers PING/PONG/RESET; the LISTEN/CONNECT/PUNCH
// triangle is exercised only by a rendezvous-mode deployment, but the
// same Handler serves all three roles since nothing stops a server from
// also forwarding rendezvous traffic.
type Handler struct {
	log      *xlog.Logger
	sender   Sender
	resetter ResetNotifier
	pongObs  PongObserver

	listeners map[string]listenerEntry
}

// NewHandler builds a Handler. resetter and pongObs may be nil for
// deployments that don't need them (e.g. a pure rendezvous server never
// observes PONGs for itself).
func NewHandler(log *xlog.Logger, sender Sender, resetter ResetNotifier, pongObs PongObserver) *Handler {
	return &Handler{
		log:       log,
		sender:    sender,
		resetter:  resetter,
		pongObs:   pongObs,
		listeners: make(map[string]listenerEntry),
	}
}

// Handle dispatches one session-0 datagram already identified by
// ParseHeader. from is the UDP address the datagram was observed to
// originate from.
func (h *Handler) Handle(from net.Addr, what What, payload []byte) error {
	switch what {
	case Ping:
		return h.handlePing(from, payload)
	case Pong:
		return h.handlePong(from, payload)
	case Reset:
		return h.handleReset(from, payload)
	case Listen:
		return h.handleListen(from, payload)
	case Connect:
		return h.handleConnect(from, payload)
	case Punch:
		return h.handlePunch(from, payload)
	case Keepalive:
		// A bare session-0 keepalive carries no session state; the
		// TLV-framed KEEPALIVE inside a KCP stream is the per-session
		// echo handled by the engine.
		return nil
	default:
		return errors.Errorf("session0: unknown what=%d", uint16(what))
	}
}

func (h *Handler) handlePing(from net.Addr, payload []byte) error {
	if len(payload) < 4 {
		return errors.New("session0: short PING payload")
	}
	return h.sender.SendSession0(from, Pong, payload[:4])
}

func (h *Handler) handlePong(from net.Addr, payload []byte) error {
	if len(payload) < 4 {
		return errors.New("session0: short PONG payload")
	}
	echoed := int64(binary.BigEndian.Uint32(payload[:4]))
	now := time.Now().UnixMilli() & 0xffffffff
	rtt := now - echoed
	if rtt < 0 {
		rtt += 1 << 32
	}
	if h.pongObs != nil {
		h.pongObs.OnPong(from, rtt)
	}
	return nil
}

func (h *Handler) handleReset(from net.Addr, payload []byte) error {
	if len(payload) < 4 {
		return errors.New("session0: short RESET payload")
	}
	conv := binary.BigEndian.Uint32(payload[:4])
	if h.resetter != nil {
		h.resetter.ResetSession(from, conv)
	}
	return nil
}

func (h *Handler) handleListen(from net.Addr, payload []byte) error {
	rec, _, err := DecodeAddrRecord(payload)
	if err != nil {
		return errors.Wrap(err, "session0: LISTEN")
	}
	h.listeners[rec.UDPAddr().String()] = listenerEntry{claimed: rec, observed: from, seenAt: time.Now()}
	h.log.Debugf("session0: registered rendezvous listener claim=%s observed=%s", rec.UDPAddr(), from)
	return nil
}

func (h *Handler) handleConnect(from net.Addr, payload []byte) error {
	claim, _, err := DecodeAddrRecord(payload)
	if err != nil {
		return errors.Wrap(err, "session0: CONNECT")
	}
	entry, ok := h.listeners[claim.UDPAddr().String()]
	if !ok {
		h.log.Warningf("session0: CONNECT for unknown listener %s", claim.UDPAddr())
		return nil
	}

	requester := AddrRecordFromUDPAddr(from)
	var observedListener AddrRecord
	if udp, ok := entry.observed.(*net.UDPAddr); ok {
		observedListener = AddrRecordFromUDP(udp)
	} else {
		observedListener = entry.claimed
	}

	// PUNCH always carries two address records since handlePunch pings
	// both unconditionally. The requester never claims an address of its
	// own in CONNECT, so its only known address (the observed source of
	// the CONNECT datagram) fills both slots; the listener, by contrast,
	// has a real claimed/observed pair from its LISTEN.
	toListener := append(append([]byte{}, requester.Encode(nil)...), requester.Encode(nil)...)
	toRequester := append(append([]byte{}, entry.claimed.Encode(nil)...), observedListener.Encode(nil)...)

	if err := h.sender.SendSession0(entry.observed, Punch, toListener); err != nil {
		return errors.Wrap(err, "session0: PUNCH to listener")
	}
	return h.sender.SendSession0(from, Punch, toRequester)
}

func (h *Handler) handlePunch(from net.Addr, payload []byte) error {
	first, rest, err := DecodeAddrRecord(payload)
	if err != nil {
		return errors.Wrap(err, "session0: PUNCH record 1")
	}
	second, _, err := DecodeAddrRecord(rest)
	if err != nil {
		return errors.Wrap(err, "session0: PUNCH record 2")
	}

	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], uint32(time.Now().UnixMilli()))
	for _, rec := range []AddrRecord{first, second} {
		if rec.IP == nil {
			continue
		}
		if err := h.sender.SendSession0(rec.UDPAddr(), Ping, ts[:]); err != nil {
			h.log.Warningf("session0: PUNCH ping to %s failed: %v", rec.UDPAddr(), err)
		}
	}
	return nil
}

// AddrRecordFromUDPAddr accepts a generic net.Addr (as delivered by a
// net.PacketConn read), falling back to resolving its string form when
// it isn't already a *net.UDPAddr (e.g. a tcpraw disguised connection).
func AddrRecordFromUDPAddr(addr net.Addr) AddrRecord {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return AddrRecordFromUDP(udp)
	}
	if udp, err := net.ResolveUDPAddr("udp", addr.String()); err == nil {
		return AddrRecordFromUDP(udp)
	}
	return AddrRecord{}
}
