package ptl

import (
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Errors a Packet's Complete callback may observe. Any other error value
// reaching Complete originates from the transport itself (a read/write
// failure) and is forwarded unchanged, per the layering contract: the PTL
// never reinterprets transport errors, it only adds its own timeout/
// shutdown/cancellation codes.
var (
	ErrShutdown  = errors.New("ptl: shut down")
	ErrCanceled  = errors.New("ptl: canceled")
	ErrTimeout   = errors.New("ptl: ack timeout")
	ErrNotOpen   = errors.New("ptl: not started")
)

const (
	defaultAckTimeout = 500 * time.Millisecond
	defaultMaxRetries = 3
)

// DataReceivedFunc is invoked once per inbound payload span, on the
// receiver goroutine. It must not block.
type DataReceivedFunc func(data []byte)

// PTL is the packet transmission layer: it frames requests handed to it
// via Submit into sequenced or unsequenced wire packets, retransmits
// unacknowledged sequenced packets, and delivers inbound payload spans to
// DataReceived. Exactly one sequenced packet is ever in flight at a time,
// matching the half-duplex, single-outstanding-command nature of the
// underlying serial link; unsequenced packets are written and completed
// immediately without waiting for an ACK.
type PTL struct {
	transport io.ReadWriter

	onData DataReceivedFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	queue    []*Packet
	inflight *Packet
	seq      uint8
	shutdown bool

	ackTimeout time.Duration
	maxRetries int

	txWake chan struct{}
	txStop chan struct{}
	txDone chan struct{}

	rxStop chan struct{}
	rxDone chan struct{}

	ackCh chan uint8 // receiver -> transmitter: ACK for this seq arrived

	logger *log.Logger
}

// Init constructs a PTL around transport. onData is called for every
// inbound payload span once RxStart has been called.
func Init(transport io.ReadWriter, onData DataReceivedFunc) *PTL {
	return &PTL{
		transport:  transport,
		onData:     onData,
		ackTimeout: defaultAckTimeout,
		maxRetries: defaultMaxRetries,
		txWake:     make(chan struct{}, 1),
		txStop:     make(chan struct{}),
		rxStop:     make(chan struct{}),
		ackCh:      make(chan uint8, 1),
		logger:     log.New(os.Stderr, "[ptl] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetAckTimeout overrides the default per-attempt ACK wait. Call before
// TxStart; it is not safe to change once the transmitter is running.
func (p *PTL) SetAckTimeout(d time.Duration) {
	if d > 0 {
		p.ackTimeout = d
	}
}

// SetMaxRetries overrides the default retransmission budget for
// sequenced packets. Call before TxStart.
func (p *PTL) SetMaxRetries(n int) {
	if n >= 0 {
		p.maxRetries = n
	}
}

// Submit enqueues a packet for transmission. It returns ErrShutdown if
// the layer has been (or is being) shut down; the caller is expected to
// complete the packet itself in that case (this mirrors ssh_ptl_submit's
// -ESHUTDOWN contract that the rtl package's transmitter relies on).
func (p *PTL) Submit(pkt *Packet) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrShutdown
	}
	if pkt.testAndSetLocked() {
		p.mu.Unlock()
		return ErrCanceled
	}
	p.queue = append(p.queue, pkt)
	p.mu.Unlock()

	p.wakeTx()
	return nil
}

// Cancel attempts to stop pkt before (or as) it is transmitted. If the
// packet has already been fully handed to the transport and is awaiting
// an ACK, Cancel may synchronously invoke its Complete callback.
func (p *PTL) Cancel(pkt *Packet) {
	p.mu.Lock()
	if pkt.isLocked() && p.inflight != pkt {
		// Submitted but not in flight: if still queued, take it out and
		// fail it; otherwise it already completed and there is nothing to do.
		if !p.removeFromQueue(pkt) {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.completePacket(pkt, ErrCanceled)
		return
	}

	if p.inflight == pkt {
		p.inflight = nil
		p.mu.Unlock()
		p.completePacket(pkt, ErrCanceled)
		p.wakeTx()
		return
	}

	removed := p.removeFromQueue(pkt)
	p.mu.Unlock()
	if removed {
		p.completePacket(pkt, ErrCanceled)
	}
}

func (p *PTL) removeFromQueue(pkt *Packet) bool {
	for i, q := range p.queue {
		if q == pkt {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (p *PTL) completePacket(pkt *Packet, status error) {
	if pkt.testAndSetCompleted() {
		return
	}
	pkt.ops.Complete(status)
	pkt.ops.Release()
}

// TxStart starts the transmitter goroutine.
func (p *PTL) TxStart() error {
	p.txDone = make(chan struct{})
	go p.txLoop()
	return nil
}

// RxStart starts the receiver goroutine.
func (p *PTL) RxStart() error {
	p.rxDone = make(chan struct{})
	go p.rxLoop()
	return nil
}

func (p *PTL) wakeTx() {
	select {
	case p.txWake <- struct{}{}:
	default:
	}
}

func (p *PTL) txLoop() {
	defer close(p.txDone)
	for {
		select {
		case <-p.txStop:
			return
		case <-p.txWake:
		}
		for p.txStep() {
		}
	}
}

// txStep processes at most one queued packet. It returns true if it made
// progress and the caller should immediately look for more work.
func (p *PTL) txStep() bool {
	p.mu.Lock()
	if p.shutdown || p.inflight != nil || len(p.queue) == 0 {
		p.mu.Unlock()
		return false
	}
	pkt := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	if pkt.isLocked() && pkt.state.Load()&pktFlagCompleted != 0 {
		return true
	}

	if !pkt.Sequenced {
		p.writeMu.Lock()
		_, err := p.transport.Write(encodeFrame(0, frameTypeData, pkt.Data))
		p.writeMu.Unlock()
		p.completePacket(pkt, err)
		return true
	}

	p.mu.Lock()
	p.seq++
	if p.seq == 0 {
		p.seq = 1
	}
	seq := p.seq
	p.inflight = pkt
	p.mu.Unlock()
	pkt.seq = seq

	go p.driveSequenced(pkt, seq)
	return true
}

// driveSequenced writes a sequenced packet and retransmits it until
// acknowledged, canceled, or retries are exhausted.
func (p *PTL) driveSequenced(pkt *Packet, seq uint8) {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		p.writeMu.Lock()
		_, err := p.transport.Write(encodeFrame(seq, frameTypeData, pkt.Data))
		p.writeMu.Unlock()

		if err != nil {
			p.finishInflight(pkt, err)
			return
		}

		select {
		case acked := <-p.ackCh:
			if acked == seq {
				p.finishInflight(pkt, nil)
				return
			}
			// stray ACK for a stale seq; keep waiting out this attempt
		case <-time.After(p.ackTimeout):
			continue
		case <-p.txStop:
			return
		}
	}
	p.finishInflight(pkt, ErrTimeout)
}

func (p *PTL) finishInflight(pkt *Packet, status error) {
	p.mu.Lock()
	if p.inflight == pkt {
		p.inflight = nil
	}
	p.mu.Unlock()

	p.completePacket(pkt, status)
	p.wakeTx()
}

func (p *PTL) rxLoop() {
	defer close(p.rxDone)

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		select {
		case <-p.rxStop:
			return
		default:
		}

		n, err := p.transport.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = p.drainFrames(buf)
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			p.logger.Printf("rx: transport error: %v", err)
			return
		}
	}
}

func (p *PTL) drainFrames(buf []byte) []byte {
	for {
		f, n, err := scanFrame(buf)
		if err == errShortFrame {
			return buf
		}
		if err == errBadSyn || err == errBadCRC {
			buf = buf[n:]
			continue
		}
		buf = buf[n:]
		p.handleFrame(f)
	}
}

func (p *PTL) handleFrame(f frame) {
	switch f.typ {
	case frameTypeAck:
		select {
		case p.ackCh <- f.seq:
		default:
		}
	case frameTypeData:
		if f.seq != 0 {
			p.writeMu.Lock()
			p.transport.Write(encodeFrame(f.seq, frameTypeAck, nil))
			p.writeMu.Unlock()
		}
		if p.onData != nil {
			payload := make([]byte, len(f.payload))
			copy(payload, f.payload)
			p.onData(payload)
		}
	default:
		p.logger.Printf("rx: unknown frame type 0x%02x", f.typ)
	}
}

// Shutdown stops accepting new submissions, fails every packet currently
// queued or awaiting an ACK, and stops the transmitter/receiver
// goroutines. If the transport implements io.Closer it is closed here, so
// a receiver blocked in Read returns. It blocks until both have exited.
func (p *PTL) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	queued := p.queue
	p.queue = nil
	inflight := p.inflight
	p.inflight = nil
	p.mu.Unlock()

	close(p.txStop)
	close(p.rxStop)
	if closer, ok := p.transport.(io.Closer); ok {
		closer.Close()
	}
	if p.txDone != nil {
		<-p.txDone
	}
	if p.rxDone != nil {
		<-p.rxDone
	}

	for _, pkt := range queued {
		p.completePacket(pkt, ErrShutdown)
	}
	if inflight != nil {
		p.completePacket(inflight, ErrShutdown)
	}
}

// Destroy releases resources owned by the PTL. It must only be called
// after Shutdown.
func (p *PTL) Destroy() {
	if closer, ok := p.transport.(io.Closer); ok {
		closer.Close()
	}
}
