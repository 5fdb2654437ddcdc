package obfs

import (
	"fmt"
	"math/big"

	"github.com/xtaci/qpp"
)

// qppPower is the permutation dimension used throughout the tunnel; it
// must match on both ends of a connection since it determines pad size.
const qppPower = 8

// ValidateQPPParams checks a proposed (padCount, key) pair and returns
// human-readable warnings for weak-but-usable configurations, or a
// fatal error for configurations QPP cannot operate with at all.
func ValidateQPPParams(count int, key string) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("obfs: qpp pad count must be greater than 0 when enabled")
	}

	var warnings []string

	if minSeed := qpp.QPPMinimumSeedLength(qppPower); len(key) < minSeed {
		warnings = append(warnings, fmt.Sprintf("qpp: key is %d bytes, want at least %d", len(key), minSeed))
	}
	if minPads := qpp.QPPMinimumPads(qppPower); count < minPads {
		warnings = append(warnings, fmt.Sprintf("qpp: pad count %d, want at least %d", count, minPads))
	}
	if new(big.Int).GCD(nil, nil, big.NewInt(int64(count)), big.NewInt(qppPower)).Int64() != 1 {
		warnings = append(warnings, fmt.Sprintf("qpp: pad count %d shares a factor with %d, prefer a coprime (ideally prime) count", count, qppPower))
	}
	return warnings, nil
}

// qppTransform applies a keyed permutation to an entire UDP payload at
// a time, the packet-oriented counterpart of the teacher's
// stream-oriented QPPPort. Every packet is encrypted/decrypted with a
// PRNG re-seeded from the same fixed seed, since packets may arrive out
// of order and a single running PRNG stream (as the original
// byte-stream QPPPort used) cannot be replayed deterministically once
// UDP reordering is possible.
type qppTransform struct {
	pad  *qpp.QuantumPermutationPad
	seed []byte
}

// NewQPPTransform builds the packet-level QPP Transform from a shared
// pad table and seed; both ends of a tunnel must build it identically.
func NewQPPTransform(count int, key string, seed []byte) Transform {
	pad := qpp.NewQPP([]byte(key), uint16(count))
	return &qppTransform{pad: pad, seed: seed}
}

func (q *qppTransform) Encode(plain []byte) ([]byte, error) {
	out := append([]byte(nil), plain...)
	q.pad.EncryptWithPRNG(out, qpp.CreatePRNG(q.seed))
	return out, nil
}

func (q *qppTransform) Decode(transformed []byte) ([]byte, error) {
	out := append([]byte(nil), transformed...)
	q.pad.DecryptWithPRNG(out, qpp.CreatePRNG(q.seed))
	return out, nil
}
