// Package tunnel implements the Session Table, the per-session KCP
// state machine, TLV framing of the byte stream KCP carries, and the
// TCP bridge that shuttles bytes between a session and its local TCP
// endpoint (spec §4.3, §4.4, §4.6).
package tunnel

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MsgKind is a TLV frame's message selector.
type MsgKind uint16

const (
	MsgDial      MsgKind = 0x0000
	MsgPush      MsgKind = 0x0001
	MsgEOF       MsgKind = 0x0002
	MsgKeepalive MsgKind = 0x0003
)

// TLVHeaderSize is sizeof(msg) + sizeof(len).
const TLVHeaderSize = 2 + 2

// MaxFrameLen bounds a TLV frame's len field, matching SESSION_BUF_SIZE.
const MaxFrameLen = 16 * 1024

// ErrUnknownMsgKind is returned for any msg code outside the defined
// set; spec §6 requires the session be reset on receipt, not merely
// the frame dropped.
var ErrUnknownMsgKind = errors.New("tunnel: unknown TLV message kind")

// EncodeFrame appends a `msg|len|payload` TLV frame to dst and returns
// the result. len counts the header bytes, per spec §3.
func EncodeFrame(dst []byte, kind MsgKind, payload []byte) ([]byte, error) {
	total := TLVHeaderSize + len(payload)
	if total > MaxFrameLen {
		return nil, errors.Errorf("tunnel: frame length %d exceeds max %d", total, MaxFrameLen)
	}
	var hdr [TLVHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(kind))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(total))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return dst, nil
}

// DecodeFrame attempts to pull one complete TLV frame from the front of
// buf. ok is false when buf doesn't yet hold a complete frame (caller
// must wait for more bytes from KCP), not an error.
func DecodeFrame(buf []byte) (kind MsgKind, payload []byte, consumed int, ok bool, err error) {
	if len(buf) < TLVHeaderSize {
		return 0, nil, 0, false, nil
	}
	kind = MsgKind(binary.BigEndian.Uint16(buf[0:2]))
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length < TLVHeaderSize {
		return 0, nil, 0, false, errors.Errorf("tunnel: TLV len %d shorter than header", length)
	}
	if length > MaxFrameLen {
		return 0, nil, 0, false, errors.Errorf("tunnel: TLV len %d exceeds max %d", length, MaxFrameLen)
	}
	if len(buf) < length {
		return 0, nil, 0, false, nil
	}
	switch kind {
	case MsgDial, MsgPush, MsgEOF, MsgKeepalive:
	default:
		return 0, nil, 0, false, ErrUnknownMsgKind
	}
	return kind, buf[TLVHeaderSize:length], length, true, nil
}
