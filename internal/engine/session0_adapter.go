package engine

import (
	"net"
	"time"

	"github.com/xtaci/kcptun-rdv/internal/session0"
)

// sessionZeroSender adapts Engine to session0.Sender: every control
// message is sealed through the same codec and pump a regular KCP
// segment uses, since session-0 shares the UDP port and the AEAD key.
type sessionZeroSender struct{ e *Engine }

func (s sessionZeroSender) SendSession0(to net.Addr, what session0.What, payload []byte) error {
	return s.e.sendSession0(to, what, payload)
}

func (e *Engine) sendSession0(to net.Addr, what session0.What, payload []byte) error {
	if to == nil {
		return errNoPeer
	}
	var plain [session0.HeaderSize + 64]byte
	n := session0.WriteHeader(plain[:], what)
	n += copy(plain[n:], payload)

	transformed, err := e.obfs.Encode(plain[:n])
	if err != nil {
		return err
	}

	f := e.pool.Get()
	if f == nil {
		return nil
	}
	f.SetUsed(copy(f.Raw(), transformed))

	sealCodec := e.codec
	if e.rdvCodec != nil && e.rdvAddr != nil && to.String() == e.rdvAddr.String() {
		sealCodec = e.rdvCodec
	}
	sealedLen, err := sealCodec.SealInPlace(f.Raw(), f.Used)
	if err != nil {
		e.pool.Put(f)
		return err
	}
	f.SetUsed(sealedLen)
	f.Addr = to
	if !e.pump.TryEnqueue(f) {
		e.pool.Put(f)
	}
	return nil
}

// sessionZeroResetter adapts Engine to session0.ResetNotifier.
type sessionZeroResetter struct{ e *Engine }

func (r sessionZeroResetter) ResetSession(peer net.Addr, conv uint32) {
	if s, ok := r.e.table.Get(peer, conv); ok {
		r.e.resetSession(s)
	}
}

// sessionZeroPong adapts Engine to session0.PongObserver; only matters
// for the client/rendezvous-client role, which uses RTT to commit a
// punched-through peer address.
type sessionZeroPong struct{ e *Engine }

func (p sessionZeroPong) OnPong(peer net.Addr, rttMillis int64) {
	p.e.log.Verbosef("session0: PONG from %s rtt=%dms", peer, rttMillis)
	p.e.lastRTTPeer = peer
	p.e.lastRTTMillis = rttMillis
	p.e.lastPongAt = time.Now()
	if p.e.rendezvousDynRemote && !p.e.isServ {
		p.e.remoteAddr = peer
		p.e.rendezvousDynRemote = false
		p.e.log.Warningf("session0: committed rendezvous-punched peer %s as kcp-connect target", peer)
	}
}
