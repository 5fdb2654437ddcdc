// Package engine is the single event-loop goroutine that owns the
// session table, the packet codec's nonce state, and every KCP control
// block — the Go mapping of spec §5's single-threaded, lock-free
// scheduling model. Every other goroutine in the process (the UDP
// pump's reader/writer, each session's TCP bridge reader/writer) only
// ever hands data to the engine over channels; nothing outside this
// package mutates a Session or the Table.
package engine

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/pkg/errors"

	"github.com/xtaci/kcptun-rdv/internal/codec"
	"github.com/xtaci/kcptun-rdv/internal/config"
	"github.com/xtaci/kcptun-rdv/internal/frame"
	"github.com/xtaci/kcptun-rdv/internal/obfs"
	"github.com/xtaci/kcptun-rdv/internal/ratelimit"
	"github.com/xtaci/kcptun-rdv/internal/session0"
	"github.com/xtaci/kcptun-rdv/internal/stats"
	"github.com/xtaci/kcptun-rdv/internal/tunnel"
	"github.com/xtaci/kcptun-rdv/internal/xlog"
)

// tickInterval drives KCP.Update; kcp-go deployments conventionally use
// 10-20ms, independent of the configured KCP "interval" (which governs
// the protocol's own ACK/resend cadence, not how often Go calls Update).
const tickInterval = 10 * time.Millisecond

const (
	statsInterval          = 30 * time.Second
	sweepInterval          = 10 * time.Second
	keepaliveCheckInterval = time.Second
	bridgeReadSize         = 4096
)

// Dialer opens the downstream TCP connection a server-role session
// bridges to. Exposed as an interface so rendezvous-only deployments
// (which never bridge TCP) can omit it entirely.
type Dialer interface {
	DialTimeout(network, address string, timeout time.Duration) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// NewConnRequest is how a client-role TCP listener hands a freshly
// accepted local connection to the engine to become a new session.
type NewConnRequest struct {
	Conn net.Conn
}

type bridgeEvent struct {
	session *tunnel.Session
	chunk   tunnel.BridgeChunk
}

// Engine is the server/client orchestrator (spec §3 "Server" data
// model): one UDP pump, one session table, one codec, one session0
// handler, all driven by a single goroutine started by Run.
type Engine struct {
	cfg    *config.Config
	log    *xlog.Logger
	role   codec.Role
	isServ bool

	codec *codec.Codec
	obfs  *obfs.Chain
	pump  *frame.Pump
	table *tunnel.Table
	s0    *session0.Handler
	pool  *frame.Pool

	remoteAddr net.Addr // client role only: the fixed server address
	dialer     Dialer
	target     string

	// rdvCodec/rdvAddr carry the separate rendezvous channel (spec
	// §4.5): nil unless udp.rendezvous is configured. A client in
	// rendezvous mode learns remoteAddr dynamically from a PONG
	// instead of using a fixed udp.remote.
	rdvCodec            *codec.Codec
	rdvAddr             net.Addr
	rendezvousDynRemote bool

	acceptCh      chan NewConnRequest
	bridgeEventCh chan bridgeEvent
	bridges       map[string]*tunnel.Bridge

	nextConv  uint32
	resetWarn *ratelimit.Bucket

	lastRTTPeer   net.Addr
	lastRTTMillis int64

	// lastPongAt/lastPingSentAt drive the client-role keepalive timer of
	// spec §4.7; unused by the server role.
	lastPongAt     time.Time
	lastPingSentAt time.Time

	statsWriter *stats.Writer
}

// New builds an Engine. remoteAddr is nil for server/rendezvous roles
// (the server learns peer addresses from inbound packets); it is set
// for the client role, which always talks to one fixed address.
func New(cfg *config.Config, log *xlog.Logger, role codec.Role, pump *frame.Pump, pool *frame.Pool, c *codec.Codec, remoteAddr net.Addr) *Engine {
	e := &Engine{
		cfg:           cfg,
		log:           log,
		role:          role,
		isServ:        role == codec.RoleServer,
		codec:         c,
		obfs:          buildObfsChain(cfg),
		pump:          pump,
		pool:          pool,
		table:         tunnel.NewTable(),
		remoteAddr:    remoteAddr,
		dialer:        netDialer{},
		target:        cfg.TCP.Target,
		acceptCh:      make(chan NewConnRequest, 64),
		bridgeEventCh: make(chan bridgeEvent, 256),
		bridges:       make(map[string]*tunnel.Bridge),
		resetWarn:     ratelimit.New(time.Second, 1),
		statsWriter:   stats.New(cfg.StatsLog, log),
		lastPongAt:    time.Now(),
	}
	e.s0 = session0.NewHandler(log, sessionZeroSender{e}, sessionZeroResetter{e}, sessionZeroPong{e})

	if cfg.UDP.RendezVous != "" {
		if addr, err := net.ResolveUDPAddr("udp", cfg.UDP.RendezVous); err == nil {
			e.rdvAddr = addr
			if rc, err := codec.New(cfg.DeriveKey(), codec.RoleRendezvous); err == nil {
				e.rdvCodec = rc
			} else {
				log.Warningf("engine: rendezvous codec: %v", err)
			}
		} else {
			log.Warningf("engine: resolving udp.rendezvous=%q: %v", cfg.UDP.RendezVous, err)
		}
		e.rendezvousDynRemote = remoteAddr == nil
	}
	return e
}

// AcceptCh is where a client-role local TCP listener feeds new
// connections that should become KCP sessions.
func (e *Engine) AcceptCh() chan<- NewConnRequest { return e.acceptCh }

// Run is the event loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	statsPeriod := statsInterval
	if e.cfg.StatsPeriodS > 0 {
		statsPeriod = time.Duration(e.cfg.StatsPeriodS) * time.Second
	}
	statsTick := time.NewTicker(statsPeriod)
	defer statsTick.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	keepaliveTick := time.NewTicker(keepaliveCheckInterval)
	defer keepaliveTick.Stop()

	pumpErrCh := make(chan error, 1)
	go func() { pumpErrCh <- e.pump.Run(ctx) }()

	e.registerWithRendezvous()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-pumpErrCh:
			return err
		case f := <-e.pump.RecvCh():
			e.handlePacket(f)
			e.pool.Put(f)
		case ev := <-e.bridgeEventCh:
			e.handleBridgeEvent(ev)
		case req := <-e.acceptCh:
			e.handleNewLocalConn(req.Conn)
		case <-tick.C:
			e.tickSessions()
		case <-sweep.C:
			e.sweepTimeouts()
		case <-keepaliveTick.C:
			e.clientKeepaliveTick()
		case <-statsTick.C:
			e.logStats()
		}
	}
}

func (e *Engine) logStats() {
	counts := e.table.CountByKCPState()
	e.log.Debugf("sessions=%d init=%d connect=%d connected=%d linger=%d time_wait=%d",
		e.table.Len(), counts[tunnel.StateInit], counts[tunnel.StateConnect],
		counts[tunnel.StateConnected], counts[tunnel.StateLinger], counts[tunnel.StateTimeWait])

	up, down := e.table.SumBytes()
	e.statsWriter.Write(stats.Snapshot{
		Sessions:  e.table.Len(),
		Init:      counts[tunnel.StateInit],
		Connect:   counts[tunnel.StateConnect],
		Connected: counts[tunnel.StateConnected],
		Linger:    counts[tunnel.StateLinger],
		TimeWait:  counts[tunnel.StateTimeWait],
		BytesUp:   up,
		BytesDown: down,
	})
}

func (e *Engine) sweepTimeouts() {
	sessionTimeout := time.Duration(e.cfg.TCP.SessionTimeout) * time.Second
	if sessionTimeout <= 0 {
		sessionTimeout = 90 * time.Second
	}
	timeWait := time.Duration(e.cfg.TCP.TimeWait) * time.Second
	if timeWait <= 0 {
		timeWait = 60 * time.Second
	}
	linger := time.Duration(e.cfg.TCP.Linger) * time.Second
	if linger <= 0 {
		linger = 10 * time.Second
	}

	e.table.Sweep(func(s *tunnel.Session) bool {
		switch s.KCPState {
		case tunnel.StateTimeWait:
			if time.Since(s.LastReset) > timeWait {
				e.closeBridge(s)
				return true
			}
		case tunnel.StateLinger:
			// Spec §4.4.2: LINGER -> TIME_WAIT is a quiet local advance,
			// not a reset — it happens once the KCP send buffer has
			// drained and the peer has stayed idle for `linger` seconds,
			// with no RESET sent over the wire.
			if s.KCP != nil && s.KCP.WaitSnd() == 0 && s.IdleFor() > linger {
				e.lingerExpire(s)
			}
		default:
			if s.IdleFor() > sessionTimeout {
				e.resetSession(s)
			} else if e.isServ && s.KCPState == tunnel.StateConnected {
				keepalive := time.Duration(e.cfg.Keepalive.ServerKeepaliveS) * time.Second
				if keepalive > 0 && s.IdleFor() > keepalive {
					e.sendKeepalive(s)
				}
			}
		}
		return false
	})
}

// lingerExpire quietly advances a drained, idle LINGER session into
// TIME_WAIT without sending a wire RESET — the peer already knows this
// session is closing since LINGER itself began with a local or remote
// EOF.
func (e *Engine) lingerExpire(s *tunnel.Session) {
	s.KCPState = tunnel.StateTimeWait
	s.TCPState = tunnel.StateTimeWait
	s.LastReset = time.Now()
	e.closeBridge(s)
}

// clientKeepaliveTick drives spec §4.7's client keepalive timer: send a
// session-0 PING once the peer has gone quiet for
// keepalive.client_ping_interval_s, and after three times that long
// without a PONG, assume the path is dead, re-resolve the configured
// peer address, and reset the send-nonce baseline before trying again.
// The server side sends its own idle KEEPALIVE TLV from sweepTimeouts
// and returns from this method at once.
func (e *Engine) clientKeepaliveTick() {
	if e.isServ {
		return
	}
	interval := time.Duration(e.cfg.Keepalive.ClientPingIntervalS) * time.Second
	if interval <= 0 {
		return
	}
	idle := time.Since(e.lastPongAt)
	if idle < interval {
		return
	}
	if idle > 3*interval {
		e.log.Warningf("engine: no session0 PONG for %s, re-resolving peer and resetting send nonce", idle.Round(time.Second))
		e.reresolveRemote()
		if err := e.codec.ResetSendNonce(); err != nil {
			e.log.Warningf("engine: keepalive ResetSendNonce: %v", err)
		}
		e.lastPongAt = time.Now()
		e.lastPingSentAt = time.Time{}
		return
	}

	pingTimeout := time.Duration(e.cfg.Keepalive.PingTimeoutS) * time.Second
	if pingTimeout <= 0 {
		pingTimeout = interval
	}
	if !e.lastPingSentAt.IsZero() && time.Since(e.lastPingSentAt) < pingTimeout {
		return
	}

	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], uint32(time.Now().UnixMilli()))
	if err := e.sendSession0(e.remoteAddr, session0.Ping, ts[:]); err != nil {
		e.log.Warningf("engine: keepalive PING failed: %v", err)
		return
	}
	e.lastPingSentAt = time.Now()
}

// reresolveRemote re-runs DNS/address resolution for udp.remote. Skipped
// in rendezvous mode, where remoteAddr is peer-punched rather than
// configured directly — re-resolving there would discard the
// punched-through address in favor of the stale rendezvous-listener
// address udp.remote still holds.
func (e *Engine) reresolveRemote() {
	if e.rdvAddr != nil {
		return
	}
	var addr net.Addr
	var err error
	if e.cfg.UDP.TCP {
		addr, err = net.ResolveTCPAddr("tcp", e.cfg.UDP.Remote)
	} else {
		addr, err = net.ResolveUDPAddr("udp", e.cfg.UDP.Remote)
	}
	if err != nil {
		e.log.Warningf("engine: re-resolving udp.remote=%q: %v", e.cfg.UDP.Remote, err)
		return
	}
	e.remoteAddr = addr
}

func (e *Engine) tickSessions() {
	e.table.Each(func(s *tunnel.Session) {
		if s.KCP == nil {
			return
		}
		s.KCP.Update()
		e.drainKCPRecv(s)
	})
}

// resetSession mirrors the session0 RESET path for a locally detected
// timeout: move to TIME_WAIT, tear down the TCP leg, and notify the
// peer so its own side recovers within one RTT (spec §4.5 "reset is
// idempotent").
func (e *Engine) resetSession(s *tunnel.Session) {
	if s.KCPState == tunnel.StateTimeWait {
		return
	}
	s.KCPState = tunnel.StateTimeWait
	s.TCPState = tunnel.StateTimeWait
	s.LastReset = time.Now()
	e.closeBridge(s)

	var payload [4]byte
	payload[0] = byte(s.ConvID >> 24)
	payload[1] = byte(s.ConvID >> 16)
	payload[2] = byte(s.ConvID >> 8)
	payload[3] = byte(s.ConvID)
	if err := e.sendSession0(s.Peer, session0.Reset, payload[:]); err != nil && e.resetWarn.Allow() {
		e.log.Warningf("engine: failed to send RESET for conv=%d: %v", s.ConvID, err)
	}
}

func (e *Engine) sendKeepalive(s *tunnel.Session) {
	buf, err := tunnel.EncodeFrame(nil, tunnel.MsgKeepalive, nil)
	if err != nil {
		return
	}
	e.kcpSend(s, buf)
}

func (e *Engine) closeBridge(s *tunnel.Session) {
	key := tunnel.Key(s.Peer, s.ConvID)
	if b, ok := e.bridges[key]; ok {
		b.Close()
		delete(e.bridges, key)
	}
	if s.TCPConn != nil {
		s.TCPConn.Close()
		s.TCPConn = nil
	}
}

// kcpSend wraps the teacher's own MSS-chunking loop (sess.go Write) for
// a raw KCP block: split payload into chunks of at most 1400 bytes and
// call Send once per chunk; KCP then cuts each chunk into MSS-sized
// segments itself.
func (e *Engine) kcpSend(s *tunnel.Session, payload []byte) {
	const chunk = 1400
	for len(payload) > 0 {
		n := len(payload)
		if n > chunk {
			n = chunk
		}
		s.KCP.Send(payload[:n])
		payload = payload[n:]
	}
	s.TouchSend()
}

func newKCPForSession(conv uint32, cfg *config.Config, output func(buf []byte, size int)) *kcp.KCP {
	block := kcp.NewKCP(conv, output)
	sndWnd, rcvWnd := cfg.KCP.SndWnd, cfg.KCP.RcvWnd
	if sndWnd <= 0 {
		sndWnd = 128
	}
	if rcvWnd <= 0 {
		rcvWnd = 128
	}
	block.WndSize(sndWnd, rcvWnd)
	mtu := cfg.KCP.MTU
	if mtu <= 0 {
		mtu = 1350
	}
	block.SetMtu(mtu)
	nc := 0
	if cfg.KCP.NoCongestion != 0 {
		nc = 1
	}
	block.NoDelay(cfg.KCP.NoDelay, cfg.KCP.Interval, cfg.KCP.Resend, nc)
	return block
}

// registerWithRendezvous sends the one-shot LISTEN (server role, "I am
// reachable here") or CONNECT (client role, "put me in touch with that
// listener") that starts spec §4.5's rendezvous triangle. A real
// deployment would retry this on a timer until a PUNCH arrives; this
// engine sends it once at startup, a known simplification recorded in
// DESIGN.md.
func (e *Engine) registerWithRendezvous() {
	if e.rdvAddr == nil || e.rdvCodec == nil {
		return
	}
	if e.isServ {
		rec := session0.AddrRecordFromUDPAddr(e.pump.LocalAddr())
		if err := e.sendSession0(e.rdvAddr, session0.Listen, rec.Encode(nil)); err != nil {
			e.log.Warningf("engine: rendezvous LISTEN failed: %v", err)
		}
		return
	}
	if e.remoteAddr != nil {
		rec := session0.AddrRecordFromUDPAddr(e.remoteAddr)
		if err := e.sendSession0(e.rdvAddr, session0.Connect, rec.Encode(nil)); err != nil {
			e.log.Warningf("engine: rendezvous CONNECT failed: %v", err)
		}
	}
}

var errNoPeer = errors.New("engine: no peer address for outbound packet")

// buildObfsChain wires the configured OBFS layers (spec §9 design note)
// in a fixed order: compression first so QPP scrambles already-dense
// bytes rather than leaving compressible structure exposed.
func buildObfsChain(cfg *config.Config) *obfs.Chain {
	var layers []obfs.Transform
	if cfg.Obfs.Compress {
		layers = append(layers, obfs.NewCompTransform())
	}
	if cfg.Obfs.QPP {
		seed := cfg.Obfs.QPPSeed
		if seed == "" {
			seed = cfg.PSK + cfg.Password
		}
		layers = append(layers, obfs.NewQPPTransform(cfg.Obfs.QPPCount, cfg.QPPKeyMaterial(), []byte(seed)))
	}
	return obfs.NewChain(layers...)
}
