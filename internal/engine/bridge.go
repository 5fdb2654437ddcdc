package engine

import (
	"context"
	"net"

	"github.com/xtaci/kcptun-rdv/internal/tunnel"
)

// handleNewLocalConn is the client-role path: a freshly accepted local
// TCP connection becomes a brand-new session, INIT state, which
// immediately sends DIAL (spec §4.4 "INIT -> CONNECT: client sends DIAL
// over KCP immediately after creation").
func (e *Engine) handleNewLocalConn(conn net.Conn) {
	conv := e.nextConv
	e.nextConv++
	if e.nextConv == 0 {
		e.nextConv = 1 // 0 is reserved for session-0
	}

	s := tunnel.NewSession(conv, e.remoteAddr, false)
	s.KCP = newKCPForSession(conv, e.cfg, e.outputFor(s))
	s.TCPConn = conn
	s.TCPState = tunnel.StateConnect
	s.KCPState = tunnel.StateConnect
	e.table.Put(s)

	e.attachBridge(s, conn)

	if buf, err := tunnel.EncodeFrame(nil, tunnel.MsgDial, nil); err == nil {
		e.kcpSend(s, buf)
	}
}

// attachBridge wires a session's TCP connection to a Bridge, forwarding
// every BridgeChunk into the engine's single bridgeEventCh so the event
// loop never needs a dynamic select across N per-session channels.
func (e *Engine) attachBridge(s *tunnel.Session, conn net.Conn) {
	b := tunnel.NewBridge(conn)
	key := tunnel.Key(s.Peer, s.ConvID)
	e.bridges[key] = b
	b.Run(context.Background(), bridgeReadSize)

	go func() {
		for chunk := range b.ReadCh() {
			e.bridgeEventCh <- bridgeEvent{session: s, chunk: chunk}
			if chunk.EOF || chunk.Err != nil {
				return
			}
		}
	}()
}

func (e *Engine) handleBridgeEvent(ev bridgeEvent) {
	s := ev.session
	if dr, ok := ev.chunk.Err.(dialResult); ok {
		e.handleDialResult(s, dr)
		return
	}
	if ev.chunk.EOF {
		e.handleLocalEOF(s)
		return
	}
	if ev.chunk.Err != nil {
		e.resetSession(s)
		return
	}
	if len(ev.chunk.Data) > 0 {
		if buf, err := tunnel.EncodeFrame(nil, tunnel.MsgPush, ev.chunk.Data); err == nil {
			e.kcpSend(s, buf)
			s.BytesUp += uint64(len(ev.chunk.Data))
		}
	}
}

func (e *Engine) handleDialResult(s *tunnel.Session, dr dialResult) {
	if dr.err != nil {
		e.log.Warningf("engine: downstream dial failed for conv=%d: %v", s.ConvID, dr.err)
		e.resetSession(s)
		return
	}
	s.TCPConn = dr.conn
	s.TCPState = tunnel.StateConnected
	s.KCPState = tunnel.StateConnected
	e.attachBridge(s, dr.conn)
}

func (e *Engine) handleLocalEOF(s *tunnel.Session) {
	if s.TCPState == tunnel.StateConnected || s.TCPState == tunnel.StateConnect {
		s.TCPState = tunnel.StateLinger
	}
	if s.KCPState == tunnel.StateConnected || s.KCPState == tunnel.StateConnect {
		s.KCPState = tunnel.StateLinger
	}
	if buf, err := tunnel.EncodeFrame(nil, tunnel.MsgEOF, nil); err == nil {
		e.kcpSend(s, buf)
	}
}
