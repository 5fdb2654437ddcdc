// Package obfs implements optional transforms layered directly around
// the packet codec (spec §9 design note: "an obfuscation layer ... is a
// pre/post transform around the packet codec ... implementations must
// treat it as a pluggable wrapper with the same seal_in_place/
// open_in_place contract"). Two transforms are carried over from the
// teacher's stream-oriented originals, re-shaped from net.Conn wrappers
// into one-shot byte-slice transforms that run once per UDP payload:
// snappy compression and a Quantum Permutation Pad keyed scramble.
package obfs

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Transform is one pluggable pre/post layer around the packet codec.
// Encode runs before Codec.SealInPlace (outbound); Decode runs after
// Codec.OpenInPlace (inbound), in reverse order of a Chain's layers.
type Transform interface {
	Encode(plain []byte) ([]byte, error)
	Decode(transformed []byte) ([]byte, error)
}

// Chain composes zero or more Transforms. Outbound data passes through
// layers in order; inbound data passes through them in reverse, so the
// last layer applied outbound is the first one undone inbound.
type Chain struct {
	layers []Transform
}

// NewChain builds a Chain from layers, outermost last.
func NewChain(layers ...Transform) *Chain {
	return &Chain{layers: layers}
}

// Encode runs every layer's Encode in order. A nil or empty Chain is a
// no-op passthrough.
func (c *Chain) Encode(plain []byte) ([]byte, error) {
	cur := plain
	for _, layer := range c.layers {
		out, err := layer.Encode(cur)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}

// Decode runs every layer's Decode in reverse order.
func (c *Chain) Decode(transformed []byte) ([]byte, error) {
	cur := transformed
	for i := len(c.layers) - 1; i >= 0; i-- {
		out, err := c.layers[i].Decode(cur)
		if err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}

// compTransform applies snappy's block (non-streaming) codec to one
// payload at a time, the packet-oriented counterpart of the teacher's
// stream-oriented CompStream.
type compTransform struct{}

// NewCompTransform builds the snappy compression Transform.
func NewCompTransform() Transform { return compTransform{} }

func (compTransform) Encode(plain []byte) ([]byte, error) {
	return snappy.Encode(nil, plain), nil
}

func (compTransform) Decode(transformed []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, transformed)
	if err != nil {
		return nil, errors.Wrap(err, "obfs: snappy decode")
	}
	return out, nil
}
