package frame

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/xtaci/kcptun-rdv/internal/ratelimit"
	"github.com/xtaci/kcptun-rdv/internal/xlog"
)

// Bounds for the recv/send channels (MQ_RECV_CAP / MQ_SEND_CAP in spec
// §3): a full recv channel backpressures the reader goroutine exactly
// as "UDP reader yields until drained" requires; a full send channel
// causes TryEnqueue to report overflow so the caller can drop-with-warning
// instead of growing without bound.
const (
	DefaultRecvCap = 256
	DefaultSendCap = 256
)

// MaxBatchSize bounds how many frames one vectorised syscall handles
// (MMSG_BATCH_SIZE in spec §4.2).
const MaxBatchSize = 64

// batcher is implemented by platforms that expose vectorised recv/send
// (Linux, via golang.org/x/net/ipv4 over a *net.UDPConn). Non-Linux
// builds, and non-UDP conns such as tcpraw's raw socket, never satisfy
// it, so the Pump degrades to one-message-per-syscall without changing
// semantics, per spec §9 design note on vectored syscalls.
type batcher interface {
	readBatch(bufs [][]byte) (n int, addrs []net.Addr, sizes []int, err error)
	writeBatch(bufs [][]byte, addrs []net.Addr) (n int, err error)
}

// Pump is the UDP I/O Pump of spec §4.2. RecvCh delivers frames filled
// by the background reader; Enqueue hands a sealed frame to the
// background writer. Both directions are fed by dedicated goroutines so
// the blocking recv/send syscalls never stall the single event-loop
// goroutine that owns session state.
type Pump struct {
	conn  net.PacketConn
	pool  *Pool
	batch batcher

	recvCh chan *MessageFrame
	sendCh chan *MessageFrame

	log     *xlog.Logger
	resetRL *ratelimit.Bucket
	dropRL  *ratelimit.Bucket
}

// NewPump wraps conn (a *net.UDPConn or a tcpraw.TCPConn) with batched
// I/O when the platform and conn type support it.
func NewPump(conn net.PacketConn, pool *Pool, log *xlog.Logger) *Pump {
	p := &Pump{
		conn:    conn,
		pool:    pool,
		recvCh:  make(chan *MessageFrame, DefaultRecvCap),
		sendCh:  make(chan *MessageFrame, DefaultSendCap),
		log:     log,
		resetRL: ratelimit.New(time.Second, 1),
		dropRL:  ratelimit.New(time.Second, 1),
	}
	if b, ok := newBatcher(conn); ok {
		p.batch = b
	}
	return p
}

// RecvCh is the channel the event loop selects on to receive frames.
func (p *Pump) RecvCh() <-chan *MessageFrame { return p.recvCh }

// LocalAddr returns the address the underlying socket is bound to, for
// building the address record a server announces in a rendezvous
// LISTEN (spec §4.5).
func (p *Pump) LocalAddr() net.Addr { return p.conn.LocalAddr() }

// TryEnqueue hands a sealed frame to the writer goroutine without
// blocking. It returns false if the send channel is saturated, in
// which case the caller must return the frame to the pool itself and
// log a rate-limited warning (spec §4.2/§5).
func (p *Pump) TryEnqueue(f *MessageFrame) bool {
	select {
	case p.sendCh <- f:
		return true
	default:
		if p.dropRL.Allow() {
			p.log.Warningf("send queue full, dropping outgoing packet")
		}
		return false
	}
}

// Run starts the reader and writer goroutines and blocks until ctx is
// cancelled or the socket fails with a non-transient error.
func (p *Pump) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- p.readLoop(ctx) }()
	go func() { errCh <- p.writeLoop(ctx) }()

	select {
	case <-ctx.Done():
		_ = p.conn.Close()
		<-errCh
		<-errCh
		return nil
	case err := <-errCh:
		_ = p.conn.Close()
		<-errCh
		return err
	}
}

// readLoop performs batched (or single) reads, handing each received
// frame to the event loop over recvCh. It blocks the calling goroutine
// but never the process: Go's runtime parks the goroutine, not an OS
// thread, while the socket has nothing to read.
func (p *Pump) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if p.batch != nil {
			if err := p.recvBatch(ctx); err != nil {
				if isTransient(err) {
					continue
				}
				if errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP) {
					p.batch = nil
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}
		if err := p.recvSingle(ctx); err != nil {
			if isTransient(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (p *Pump) recvSingle(ctx context.Context) error {
	f := p.pool.Get()
	if f == nil {
		// Pool momentarily exhausted: back off briefly rather than
		// busy-spin. This exhaustion is not logged.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Millisecond):
			return nil
		}
	}
	n, addr, err := p.conn.ReadFrom(f.buf)
	if err != nil {
		p.pool.Put(f)
		if isConnReset(err) {
			if p.resetRL.Allow() {
				p.log.Warningf("udp read: connection reset: %v", err)
			}
			return nil
		}
		return err
	}
	f.Addr = addr
	f.Recv = time.Now()
	f.SetUsed(n)
	select {
	case p.recvCh <- f:
	case <-ctx.Done():
		p.pool.Put(f)
	}
	return nil
}

func (p *Pump) recvBatch(ctx context.Context) error {
	frames := make([]*MessageFrame, 0, MaxBatchSize)
	bufs := make([][]byte, 0, MaxBatchSize)
	for i := 0; i < MaxBatchSize; i++ {
		f := p.pool.Get()
		if f == nil {
			break
		}
		frames = append(frames, f)
		bufs = append(bufs, f.buf)
	}
	if len(frames) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return nil
	}
	n, addrs, sizes, err := p.batch.readBatch(bufs)
	for i := 0; i < n; i++ {
		frames[i].Addr = addrs[i]
		frames[i].Recv = time.Now()
		frames[i].SetUsed(sizes[i])
		select {
		case p.recvCh <- frames[i]:
		case <-ctx.Done():
			p.pool.Put(frames[i])
		}
	}
	for i := n; i < len(frames); i++ {
		p.pool.Put(frames[i])
	}
	return err
}

// writeLoop drains sendCh, coalescing whatever is immediately available
// (up to MaxBatchSize) into one vectorised syscall when supported.
func (p *Pump) writeLoop(ctx context.Context) error {
	for {
		var f *MessageFrame
		select {
		case <-ctx.Done():
			return nil
		case f = <-p.sendCh:
		}

		batch := []*MessageFrame{f}
		if p.batch != nil {
		drain:
			for len(batch) < MaxBatchSize {
				select {
				case f := <-p.sendCh:
					batch = append(batch, f)
				default:
					break drain
				}
			}
			if err := p.sendBatch(batch); err != nil {
				if errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP) {
					p.batch = nil
					p.sendSingleAll(batch)
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				p.log.Warningf("udp send failed persistently, dropping %d queued frames: %v", len(batch), err)
				p.putAll(batch)
			}
			continue
		}
		p.sendSingleAll(batch)
	}
}

func (p *Pump) sendSingleAll(batch []*MessageFrame) {
	for _, f := range batch {
		_, err := p.conn.WriteTo(f.Bytes(), f.Addr)
		if err != nil && !isConnReset(err) {
			p.log.Warningf("udp send failed, dropping packet: %v", err)
		} else if err != nil && p.resetRL.Allow() {
			p.log.Warningf("udp write: connection reset: %v", err)
		}
		p.pool.Put(f)
	}
}

func (p *Pump) sendBatch(batch []*MessageFrame) error {
	bufs := make([][]byte, len(batch))
	addrs := make([]net.Addr, len(batch))
	for i, f := range batch {
		bufs[i] = f.Bytes()
		addrs[i] = f.Addr
	}
	n, err := p.batch.writeBatch(bufs, addrs)
	for i := 0; i < n && i < len(batch); i++ {
		p.pool.Put(batch[i])
	}
	if err != nil && n < len(batch) {
		return err
	}
	return nil
}

func (p *Pump) putAll(batch []*MessageFrame) {
	for _, f := range batch {
		p.pool.Put(f)
	}
}

func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EINTR)
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}
