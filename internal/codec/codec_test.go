package codec

import (
	"bytes"
	"testing"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := mustKey(t)
	client, err := New(key, RoleClient)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	server, err := New(key, RoleServer)
	if err != nil {
		t.Fatalf("New server: %v", err)
	}

	plain := []byte("hello\n")
	buf := make([]byte, len(plain), len(plain)+Overhead+NonceSize)
	copy(buf, plain)

	n, err := client.SealInPlace(buf, len(plain))
	if err != nil {
		t.Fatalf("SealInPlace: %v", err)
	}
	buf = buf[:n]

	got, err := server.OpenInPlace(buf, n)
	if err != nil {
		t.Fatalf("OpenInPlace: %v", err)
	}
	if !bytes.Equal(buf[:got], plain) {
		t.Fatalf("roundtrip mismatch: got %q want %q", buf[:got], plain)
	}
}

func TestOpenRejectsShortPacket(t *testing.T) {
	server, _ := New(mustKey(t), RoleServer)
	short := make([]byte, NonceSize+Overhead)
	if _, err := server.OpenInPlace(short, len(short)); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func TestOpenRejectsReflectedRole(t *testing.T) {
	key := mustKey(t)
	client, _ := New(key, RoleClient)
	otherClient, _ := New(key, RoleClient)

	plain := []byte("ping")
	buf := make([]byte, len(plain), len(plain)+Overhead+NonceSize)
	copy(buf, plain)
	n, err := client.SealInPlace(buf, len(plain))
	if err != nil {
		t.Fatalf("SealInPlace: %v", err)
	}
	buf = buf[:n]

	if _, err := otherClient.OpenInPlace(buf, n); err != ErrAuth {
		t.Fatalf("expected ErrAuth on same-role reflection, got %v", err)
	}
}

func TestReplayDetected(t *testing.T) {
	key := mustKey(t)
	client, _ := New(key, RoleClient)
	server, _ := New(key, RoleServer)

	plain := []byte("push")
	seal := func() []byte {
		buf := make([]byte, len(plain), len(plain)+Overhead+NonceSize)
		copy(buf, plain)
		n, err := client.SealInPlace(buf, len(plain))
		if err != nil {
			t.Fatalf("SealInPlace: %v", err)
		}
		return buf[:n]
	}

	first := seal()
	firstCopy := append([]byte(nil), first...)
	if _, err := server.OpenInPlace(first, len(first)); err != nil {
		t.Fatalf("first open: %v", err)
	}

	// Resend the exact same sealed datagram (attacker capture/replay).
	if _, err := server.OpenInPlace(firstCopy, len(firstCopy)); err == nil {
		t.Fatalf("expected replay to be rejected")
	}

	second := seal()
	if _, err := server.OpenInPlace(second, len(second)); err != nil {
		t.Fatalf("second open (fresh nonce, same counter stride) should succeed: %v", err)
	}
}

func TestNonceCounterMonotonic(t *testing.T) {
	key := mustKey(t)
	client, _ := New(key, RoleClient)

	var prev uint64
	for i := 0; i < 1000; i++ {
		plain := []byte("x")
		buf := make([]byte, 1, 1+Overhead+NonceSize)
		copy(buf, plain)
		n, err := client.SealInPlace(buf, 1)
		if err != nil {
			t.Fatalf("SealInPlace: %v", err)
		}
		nonce := buf[n-NonceSize : n]
		cur := beUint64(nonce[:8])
		if i > 0 {
			diff := cur - prev
			if diff%nonceMagic != 0 {
				t.Fatalf("nonce did not advance by a multiple of nonceMagic: prev=%d cur=%d", prev, cur)
			}
		}
		prev = cur
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
