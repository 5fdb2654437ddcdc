package tunnel

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	buf, err := EncodeFrame(nil, MsgPush, []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	kind, payload, consumed, ok, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !ok {
		t.Fatalf("DecodeFrame reported incomplete frame for a full buffer")
	}
	if kind != MsgPush {
		t.Fatalf("kind = %v, want MsgPush", kind)
	}
	if !bytes.Equal(payload, []byte("hello")) {
		t.Fatalf("payload = %q, want %q", payload, "hello")
	}
	if consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", consumed, len(buf))
	}
}

func TestDecodeFrameIncomplete(t *testing.T) {
	buf, _ := EncodeFrame(nil, MsgPush, []byte("hello world"))
	_, _, _, ok, err := DecodeFrame(buf[:TLVHeaderSize+2])
	if err != nil {
		t.Fatalf("DecodeFrame on partial buffer returned error: %v", err)
	}
	if ok {
		t.Fatalf("DecodeFrame reported a complete frame from a truncated buffer")
	}
}

func TestDecodeFrameRejectsUnknownKind(t *testing.T) {
	buf, _ := EncodeFrame(nil, MsgPush, nil)
	buf[1] = 0xff // corrupt msg kind
	_, _, _, _, err := DecodeFrame(buf)
	if err != ErrUnknownMsgKind {
		t.Fatalf("expected ErrUnknownMsgKind, got %v", err)
	}
}

func TestDecodeFrameMultipleFramesInBuffer(t *testing.T) {
	buf, _ := EncodeFrame(nil, MsgPush, []byte("ab"))
	buf, _ = EncodeFrame(buf, MsgEOF, nil)

	kind, payload, consumed, ok, err := DecodeFrame(buf)
	if err != nil || !ok {
		t.Fatalf("DecodeFrame first: ok=%v err=%v", ok, err)
	}
	if kind != MsgPush || !bytes.Equal(payload, []byte("ab")) {
		t.Fatalf("first frame mismatch: kind=%v payload=%q", kind, payload)
	}

	kind2, _, consumed2, ok2, err2 := DecodeFrame(buf[consumed:])
	if err2 != nil || !ok2 {
		t.Fatalf("DecodeFrame second: ok=%v err=%v", ok2, err2)
	}
	if kind2 != MsgEOF {
		t.Fatalf("second frame kind = %v, want MsgEOF", kind2)
	}
	if consumed+consumed2 != len(buf) {
		t.Fatalf("total consumed %d != buffer length %d", consumed+consumed2, len(buf))
	}
}
