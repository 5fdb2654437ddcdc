// Package frame implements the Packet Queue of spec §4.2: a fixed pool
// of reusable MessageFrames, and the UDP I/O Pump that reads/writes the
// socket in batches when the platform offers vectorised syscalls
// (golang.org/x/net/ipv4 ReadBatch/WriteBatch over a *net.UDPConn,
// mirroring how kcp-go's own readloop and VineBalloon-kcp-go batch
// DSCP-tagged UDP I/O) and degrades to one-message-per-syscall
// otherwise. The recv/send "arrays" of spec §3 are realised as bounded
// channels: a dedicated reader/writer goroutine blocks on the socket
// (cheap — it parks the goroutine, not an OS thread) while the single
// event-loop goroutine drains/fills them non-blockingly via select,
// which is the idiomatic Go shape of the spec's single-threaded,
// lock-free scheduling model (the same actor-with-a-channel pattern
// kcp-go's UDPSession.readLoop uses internally).
package frame

import (
	"net"
	"time"
)

// MessageFrame is a reusable fixed-capacity buffer for one UDP
// datagram. Capacity must be at least MTU + AEAD overhead + nonce size;
// frame.Used <= cap(frame.buf) is an invariant enforced by every writer.
type MessageFrame struct {
	Addr net.Addr
	Recv time.Time
	Used int
	buf  []byte
}

// Raw returns the full backing buffer, for codec/KCP code that needs to
// grow Used after writing past the current length (e.g. SealInPlace
// appending tag+nonce).
func (f *MessageFrame) Raw() []byte { return f.buf }

// Bytes returns the frame's current payload.
func (f *MessageFrame) Bytes() []byte { return f.buf[:f.Used] }

// Cap returns the frame's fixed buffer capacity.
func (f *MessageFrame) Cap() int { return len(f.buf) }

// SetUsed records how many bytes of buf are live, after a writer has
// filled or resized the payload in place.
func (f *MessageFrame) SetUsed(n int) {
	if n < 0 || n > len(f.buf) {
		panic("frame: used out of range")
	}
	f.Used = n
}

func (f *MessageFrame) reset() {
	f.Addr = nil
	f.Recv = time.Time{}
	f.Used = 0
}

// Pool is a preallocated, fixed-count pool of MessageFrames. A frame is
// "in flight" while held by a caller (e.g. sitting in a Queue's recv or
// send array); otherwise it lives in the pool. Every Get must be
// matched by exactly one Put, including on error paths (spec §5).
type Pool struct {
	free    chan *MessageFrame
	bufSize int
	total   int
}

// NewPool preallocates count frames of bufSize bytes each.
func NewPool(count, bufSize int) *Pool {
	p := &Pool{free: make(chan *MessageFrame, count), bufSize: bufSize, total: count}
	for i := 0; i < count; i++ {
		p.free <- &MessageFrame{buf: make([]byte, bufSize)}
	}
	return p
}

// Total reports the pool's fixed frame count, for the invariant in
// spec §8 ("sum of lengths... equals the pool's fixed total count").
func (p *Pool) Total() int { return p.total }

// Get returns a cleared frame, or nil if the pool is momentarily
// exhausted (caller must treat this as resource exhaustion per spec §7,
// not a fatal error).
func (p *Pool) Get() *MessageFrame {
	select {
	case f := <-p.free:
		f.reset()
		return f
	default:
		return nil
	}
}

// Put returns a frame to the pool. Safe to call once per Get.
func (p *Pool) Put(f *MessageFrame) {
	if f == nil {
		return
	}
	f.reset()
	select {
	case p.free <- f:
	default:
		// Pool over-full: a double-Put bug. Drop rather than block or
		// panic so a caller mistake can't wedge the event loop.
	}
}
