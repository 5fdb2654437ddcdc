package session0

import (
	"net"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderSize+4)
	n := WriteHeader(buf, Ping)
	if n != HeaderSize {
		t.Fatalf("WriteHeader returned %d, want %d", n, HeaderSize)
	}
	copy(buf[HeaderSize:], []byte{1, 2, 3, 4})

	what, payload, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if what != Ping {
		t.Fatalf("what = %v, want PING", what)
	}
	if len(payload) != 4 {
		t.Fatalf("payload len = %d, want 4", len(payload))
	}
}

func TestParseHeaderRejectsNonZeroConv(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[3] = 1 // conv = 1, not a session-0 packet
	if _, _, err := ParseHeader(buf); err != ErrNotSession0 {
		t.Fatalf("expected ErrNotSession0, got %v", err)
	}
}

func TestAddrRecordRoundTripV4(t *testing.T) {
	rec := AddrRecord{IP: net.ParseIP("203.0.113.7"), Port: 51820}
	encoded := rec.Encode(nil)
	if len(encoded) != rec.EncodedLen() {
		t.Fatalf("Encode len = %d, want %d", len(encoded), rec.EncodedLen())
	}

	got, rest, err := DecodeAddrRecord(encoded)
	if err != nil {
		t.Fatalf("DecodeAddrRecord: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("leftover bytes after decode: %d", len(rest))
	}
	if !got.IP.Equal(rec.IP) || got.Port != rec.Port {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, rec)
	}
}

func TestAddrRecordRoundTripV6(t *testing.T) {
	rec := AddrRecord{IP: net.ParseIP("2001:db8::1"), Port: 443}
	encoded := rec.Encode(nil)
	got, _, err := DecodeAddrRecord(encoded)
	if err != nil {
		t.Fatalf("DecodeAddrRecord: %v", err)
	}
	if !got.IP.Equal(rec.IP) || got.Port != rec.Port {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, rec)
	}
}

type fakeSender struct {
	sent []sentMsg
}

type sentMsg struct {
	to      net.Addr
	what    What
	payload []byte
}

func (f *fakeSender) SendSession0(to net.Addr, what What, payload []byte) error {
	f.sent = append(f.sent, sentMsg{to, what, append([]byte(nil), payload...)})
	return nil
}

func TestHandlePingRepliesPong(t *testing.T) {
	sender := &fakeSender{}
	h := NewHandler(nil, sender, nil, nil)
	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}

	if err := h.Handle(from, Ping, []byte{0, 0, 0, 42}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].what != Pong {
		t.Fatalf("expected one PONG reply, got %+v", sender.sent)
	}
}

func TestHandleResetNotifiesResetter(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeResetter{}
	h := NewHandler(nil, sender, notifier, nil)
	from := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}

	payload := make([]byte, 4)
	payload[3] = 7
	if err := h.Handle(from, Reset, payload); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if notifier.conv != 7 {
		t.Fatalf("ResetSession conv = %d, want 7", notifier.conv)
	}
}

type fakeResetter struct {
	peer net.Addr
	conv uint32
}

func (f *fakeResetter) ResetSession(peer net.Addr, conv uint32) {
	f.peer = peer
	f.conv = conv
}
