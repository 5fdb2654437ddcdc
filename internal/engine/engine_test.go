package engine

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/xtaci/kcptun-rdv/internal/codec"
	"github.com/xtaci/kcptun-rdv/internal/config"
	"github.com/xtaci/kcptun-rdv/internal/frame"
	"github.com/xtaci/kcptun-rdv/internal/tunnel"
	"github.com/xtaci/kcptun-rdv/internal/xlog"
)

func testLogger() *xlog.Logger {
	return xlog.New(io.Discard, xlog.Error, 0)
}

func newEnginePair(t *testing.T) (client, server *Engine, clientConn, serverConn net.PacketConn) {
	t.Helper()
	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	serverConn, err = net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen server: %v", err)
	}

	key := []byte("0123456789abcdef0123456789abcdef")
	clientCodec, err := codec.New(key, codec.RoleClient)
	if err != nil {
		t.Fatalf("client codec: %v", err)
	}
	serverCodec, err := codec.New(key, codec.RoleServer)
	if err != nil {
		t.Fatalf("server codec: %v", err)
	}

	cfg := &config.Config{PSK: "test-psk"}

	cPool := frame.NewPool(64, 2048)
	sPool := frame.NewPool(64, 2048)
	cPump := frame.NewPump(clientConn, cPool, testLogger())
	sPump := frame.NewPump(serverConn, sPool, testLogger())

	client = New(cfg, testLogger(), codec.RoleClient, cPump, cPool, clientCodec, serverConn.LocalAddr())
	server = New(cfg, testLogger(), codec.RoleServer, sPump, sPool, serverCodec, nil)
	return client, server, clientConn, serverConn
}

func TestBuildObfsChainPassthroughWhenUnset(t *testing.T) {
	cfg := &config.Config{}
	chain := buildObfsChain(cfg)

	plain := []byte("unmodified payload")
	encoded, err := chain.Encode(plain)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(encoded) != string(plain) {
		t.Fatalf("expected passthrough encode, got %q", encoded)
	}
	decoded, err := chain.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != string(plain) {
		t.Fatalf("expected passthrough decode, got %q", decoded)
	}
}

func TestBuildObfsChainWithCompressAndQPP(t *testing.T) {
	cfg := &config.Config{PSK: "a-sufficiently-long-pre-shared-key"}
	cfg.Obfs.Compress = true
	cfg.Obfs.QPP = true
	cfg.Obfs.QPPCount = 251

	chain := buildObfsChain(cfg)
	plain := []byte("the quick brown fox jumps over the lazy dog, repeatedly, repeatedly")
	encoded, err := chain.Encode(plain)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := chain.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != string(plain) {
		t.Fatalf("roundtrip mismatch: got %q want %q", decoded, plain)
	}
}

// TestServerCreatesSessionOnFirstPacket drives a real client Engine
// against a real server Engine over loopback UDP and checks that the
// server materializes a session table entry once the client's DIAL TLV
// arrives, without spinning up any TCP bridge (no listener target is
// configured, so the eventual dial will simply fail and reset).
func TestServerCreatesSessionOnFirstPacket(t *testing.T) {
	client, server, clientConn, serverConn := newEnginePair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go client.Run(ctx)
	go server.Run(ctx)

	local, remote := net.Pipe()
	defer local.Close()
	client.AcceptCh() <- NewConnRequest{Conn: remote}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if server.table.Len() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never created a session for the dialed connection")
}

func TestResetSessionIsIdempotent(t *testing.T) {
	client, _, clientConn, serverConn := newEnginePair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	s := tunnel.NewSession(42, serverConn.LocalAddr(), false)
	s.KCP = newKCPForSession(42, client.cfg, func([]byte, int) {})
	client.table.Put(s)

	client.resetSession(s)
	if s.KCPState != tunnel.StateTimeWait {
		t.Fatalf("expected TimeWait after reset, got %v", s.KCPState)
	}
	firstReset := s.LastReset

	client.resetSession(s)
	if s.LastReset != firstReset {
		t.Fatalf("resetSession must be a no-op once already in TimeWait")
	}
}

func TestSweepTimeoutsExpiresTimeWaitSessions(t *testing.T) {
	client, _, clientConn, serverConn := newEnginePair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	client.cfg.TCP.TimeWait = 0 // falls back to the 60s default; LastReset below is an hour old

	s := tunnel.NewSession(7, serverConn.LocalAddr(), false)
	s.KCP = newKCPForSession(7, client.cfg, func([]byte, int) {})
	s.KCPState = tunnel.StateTimeWait
	s.LastReset = time.Now().Add(-time.Hour)
	client.table.Put(s)

	client.sweepTimeouts()
	if client.table.Len() != 0 {
		t.Fatalf("expected expired TimeWait session to be swept")
	}
}

func TestKCPSendChunksOversizedPayload(t *testing.T) {
	client, _, clientConn, serverConn := newEnginePair(t)
	defer clientConn.Close()
	defer serverConn.Close()

	var sent [][]byte
	s := tunnel.NewSession(1, serverConn.LocalAddr(), false)
	s.KCP = newKCPForSession(1, client.cfg, func(buf []byte, size int) {
		cp := make([]byte, size)
		copy(cp, buf[:size])
		sent = append(sent, cp)
	})

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	client.kcpSend(s, payload)
	s.KCP.Update()
	if len(sent) == 0 {
		t.Fatalf("expected at least one KCP output segment")
	}
}
