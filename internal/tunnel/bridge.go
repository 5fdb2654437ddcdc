package tunnel

import (
	"context"
	"io"
	"net"
)

// BridgeReadCap/BridgeWriteCap bound the channels a Bridge uses to hand
// TCP bytes to/from the event loop. A full read channel backpressures
// the reader goroutine; a full write channel makes TryWrite fail
// instead of waiting.
const (
	BridgeReadCap  = 64
	BridgeWriteCap = 64
)

// BridgeChunk is one read off the local TCP connection, or the EOF/
// error that ended the read side.
type BridgeChunk struct {
	Data []byte
	EOF  bool
	Err  error
}

// Bridge ferries bytes between one Session's TCPConn and the event
// loop, via dedicated reader/writer goroutines — the same
// actor-with-a-channel shape as frame.Pump, grounded in the same
// VineBalloon-kcp-go readLoop/receiver pattern, applied here to the
// downstream TCP leg instead of the UDP socket.
type Bridge struct {
	conn net.Conn

	readCh  chan BridgeChunk
	writeCh chan []byte
	wdone   chan error
}

// NewBridge wraps conn (already dialled/accepted) with read/write pumps.
func NewBridge(conn net.Conn) *Bridge {
	return &Bridge{
		conn:    conn,
		readCh:  make(chan BridgeChunk, BridgeReadCap),
		writeCh: make(chan []byte, BridgeWriteCap),
		wdone:   make(chan error, 1),
	}
}

// ReadCh delivers chunks read from the TCP connection, terminated by
// exactly one BridgeChunk with EOF or Err set.
func (b *Bridge) ReadCh() <-chan BridgeChunk { return b.readCh }

// Run starts the reader and writer goroutines and returns at once. The
// writer stops when ctx is cancelled; the reader stops when a read
// fails or when ctx is cancelled while it waits to deliver a chunk. Run
// never closes the connection; Close does.
func (b *Bridge) Run(ctx context.Context, bufSize int) {
	go b.readLoop(ctx, bufSize)
	go b.writeLoop(ctx)
}

func (b *Bridge) readLoop(ctx context.Context, bufSize int) {
	buf := make([]byte, bufSize)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			chunk := BridgeChunk{Data: append([]byte(nil), buf[:n]...)}
			select {
			case b.readCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			final := BridgeChunk{Err: err}
			if err == io.EOF {
				final = BridgeChunk{EOF: true}
			}
			select {
			case b.readCh <- final:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (b *Bridge) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-b.writeCh:
			if !ok {
				return
			}
			if _, err := b.conn.Write(data); err != nil {
				select {
				case b.wdone <- err:
				default:
				}
				return
			}
		}
	}
}

// TryWrite hands data to the writer goroutine without blocking. It
// reports false if the write queue is saturated; the data is then not
// queued and the Bridge keeps no copy of it. It does not wait for the
// queue to drain (the engine resets the session when this happens).
func (b *Bridge) TryWrite(data []byte) bool {
	select {
	case b.writeCh <- data:
		return true
	default:
		return false
	}
}

// WriteErr reports a fatal write error if one occurred, without
// blocking.
func (b *Bridge) WriteErr() error {
	select {
	case err := <-b.wdone:
		return err
	default:
		return nil
	}
}

// Close closes the underlying TCP connection.
func (b *Bridge) Close() error { return b.conn.Close() }
