package obfs

import (
	"bytes"
	"testing"
)

func TestCompTransformRoundTrip(t *testing.T) {
	tr := NewCompTransform()
	plain := bytes.Repeat([]byte("hello world "), 20)

	encoded, err := tr.Encode(plain)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := tr.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestQPPTransformRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 64)
	tr := NewQPPTransform(251, string(key), []byte("fixed-seed"))

	plain := []byte("the quick brown fox jumps over the lazy dog")
	encoded, err := tr.Encode(plain)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if bytes.Equal(encoded, plain) {
		t.Fatalf("Encode did not transform the payload")
	}
	decoded, err := tr.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatalf("roundtrip mismatch: got %q want %q", decoded, plain)
	}
}

func TestChainComposesInReverseOnDecode(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 64)
	chain := NewChain(NewCompTransform(), NewQPPTransform(251, string(key), []byte("seed")))

	plain := bytes.Repeat([]byte("payload "), 10)
	encoded, err := chain.Encode(plain)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := chain.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatalf("roundtrip mismatch: got %q want %q", decoded, plain)
	}
}

func TestValidateQPPParamsRejectsZeroCount(t *testing.T) {
	if _, err := ValidateQPPParams(0, "key"); err == nil {
		t.Fatalf("expected error for zero pad count")
	}
}

func TestValidateQPPParamsWarnsOnShortKey(t *testing.T) {
	warnings, err := ValidateQPPParams(251, "short")
	if err != nil {
		t.Fatalf("ValidateQPPParams: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a warning for a too-short key")
	}
}
