// Package codec implements the authenticated, replay-resistant packet
// codec of spec §4.1: seal/open one UDP payload with chacha20-poly1305,
// carrying a sequence-congruent nonce rather than a saved window, and
// domain-separated by sender role so packets can't be reflected between
// two peers of the same role.
package codec

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Role identifies which side of the tunnel a codec instance seals for.
type Role int

const (
	RoleClient Role = iota
	RoleServer
	// RoleRendezvous tags the dedicated channel a client or server
	// speaks to a rendezvous broker on (spec §4.5's LISTEN/CONNECT/
	// PUNCH triangle): a third, symmetric party rather than one end of
	// a client/server pair, so it gets its own domain-separation tag
	// instead of borrowing either side's.
	RoleRendezvous
)

var (
	tagClient     = []byte("kcptun-libev-client")
	tagServer     = []byte("kcptun-libev-server")
	tagRendezvous = []byte("kcptun-libev-rendezvous")
)

func (r Role) tag() []byte {
	switch r {
	case RoleServer:
		return tagServer
	case RoleRendezvous:
		return tagRendezvous
	default:
		return tagClient
	}
}

// peer returns the role whose tag an incoming packet must carry to be
// accepted. RoleRendezvous is symmetric: every participant on the
// rendezvous channel authenticates every other with the same tag.
func (r Role) peer() Role {
	switch r {
	case RoleServer:
		return RoleClient
	case RoleRendezvous:
		return RoleRendezvous
	default:
		return RoleServer
	}
}

// NonceSize is the AEAD's published npub size: sizeof(u64)+sizeof(u32).
const NonceSize = chacha20poly1305.NonceSize

// Overhead is the AEAD's published authentication tag size.
const Overhead = chacha20poly1305.Overhead

// nonceMagic is the prime the sender's nonce counter advances by on
// every seal; odd and large enough that naive sequential prediction is
// useless while a cheap modular replay check still works.
const nonceMagic uint64 = 999999937

var (
	// ErrShortPacket is returned when opening a payload too short to
	// contain a nonce and an authentication tag.
	ErrShortPacket = errors.New("codec: packet shorter than nonce+tag")
	// ErrReplay is returned when the candidate nonce's remainder mod
	// nonceMagic doesn't match the last accepted nonce's remainder, or
	// when it repeats the last accepted nonce exactly.
	ErrReplay = errors.New("codec: nonce replay check failed")
	// ErrAuth is returned when AEAD authentication fails.
	ErrAuth = errors.New("codec: authentication failed")
)

// Codec seals and opens packets for one direction of one role. It is
// server-instance state with a strict init-use-teardown lifecycle and is
// touched only by the single event-loop goroutine that owns the UDP
// socket — see design note in spec §9, "Global pool and nonce counter".
type Codec struct {
	aead cipherAEAD
	role Role

	sendNonce [NonceSize]byte
	recvNonce [NonceSize]byte
	haveRecv  bool
}

// cipherAEAD is the subset of cipher.AEAD the codec needs; named so
// tests can substitute a fake without importing crypto/cipher directly.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New builds a Codec from a derived AEAD key (see internal/config for
// the PBKDF2 derivation) for the given role.
func New(key []byte, role Role) (*Codec, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "chacha20poly1305.New")
	}
	c := &Codec{aead: aead, role: role}
	if _, err := rand.Read(c.sendNonce[:]); err != nil {
		return nil, errors.Wrap(err, "rand.Read initial nonce")
	}
	return c, nil
}

// ResetSendNonce reinitializes the send-nonce counter, used by the
// client keepalive timer when it re-resolves peer addresses after a
// long silence (spec §4.7).
func (c *Codec) ResetSendNonce() error {
	_, err := rand.Read(c.sendNonce[:])
	return errors.Wrap(err, "rand.Read reset nonce")
}

func (c *Codec) advanceSendNonce() {
	curr := binary.BigEndian.Uint64(c.sendNonce[:8])
	next := curr + nonceMagic
	if next < curr {
		// 64-bit overflow: re-center so next mod nonceMagic is
		// preserved, per spec §4.1.
		r0 := curr % nonceMagic
		r1 := next % nonceMagic
		next += nonceMagic - r1 + r0
	}
	binary.BigEndian.PutUint64(c.sendNonce[:8], next)
	_, _ = rand.Read(c.sendNonce[8:]) // last 4 bytes: uniformly random
}

// checkNonce applies the read-only half of the replay check of spec
// §4.1: the first packet ever received is trusted; subsequent
// candidates must be congruent to the saved nonce modulo nonceMagic.
// It never mutates codec state — a packet that passes this check still
// has to survive AEAD authentication before commitNonce makes it the
// new baseline, so a forged or wrong-domain packet can never poison
// replay state for the packets that follow it.
func (c *Codec) checkNonce(nonce []byte) bool {
	if !c.haveRecv {
		return true
	}
	if string(nonce) == string(c.recvNonce[:]) {
		return false
	}
	savedMod := binary.BigEndian.Uint64(c.recvNonce[:8]) % nonceMagic
	gotMod := binary.BigEndian.Uint64(nonce[:8]) % nonceMagic
	return savedMod == gotMod
}

func (c *Codec) commitNonce(nonce []byte) {
	copy(c.recvNonce[:], nonce)
	c.haveRecv = true
}

// SealInPlace transforms buf[:used] into ciphertext||tag||nonce within
// the same backing array (buf must have capacity for used+Overhead+
// NonceSize) and returns the new used length. No allocation.
func (c *Codec) SealInPlace(buf []byte, used int) (int, error) {
	if cap(buf) < used+Overhead+NonceSize {
		return 0, errors.New("codec: buffer too small to seal in place")
	}
	c.advanceSendNonce()
	sealed := c.aead.Seal(buf[:0], c.sendNonce[:], buf[:used], c.role.tag())
	n := copy(buf[len(sealed):cap(buf)], c.sendNonce[:])
	if n != NonceSize {
		return 0, errors.New("codec: short nonce copy")
	}
	return len(sealed) + NonceSize, nil
}

// OpenInPlace verifies and reverses SealInPlace within the same
// backing array, returning the cleartext length. Any failure (short
// packet, replay, authentication) is a silent drop per spec §4.1/§7 —
// callers must not propagate these to session state.
func (c *Codec) OpenInPlace(buf []byte, used int) (int, error) {
	if used <= NonceSize+Overhead {
		return 0, ErrShortPacket
	}
	nonce := buf[used-NonceSize : used]
	cipherLen := used - NonceSize
	if !c.checkNonce(nonce) {
		return 0, ErrReplay
	}
	plain, err := c.aead.Open(buf[:0], nonce, buf[:cipherLen], c.role.peer().tag())
	if err != nil {
		return 0, ErrAuth
	}
	c.commitNonce(nonce)
	return len(plain), nil
}
