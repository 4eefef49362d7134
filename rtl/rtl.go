// Package rtl implements the request transmission layer: it turns the
// best-effort reliable packets delivered by package ptl into typed,
// request/response, at-most-once, bounded-concurrency RPC, and
// demultiplexes asynchronous events from the same byte stream onto a
// notifier callback. See SPEC_FULL.md for the full specification this
// package implements.
package rtl

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssamrtl/ssamrtl/ptl"
)

// Tunables, per spec.md §6.
const (
	DefaultRequestTimeout    = 3000 * time.Millisecond
	DefaultTimeoutResolution = 50 * time.Millisecond
	DefaultMaxPending        = 3
	DefaultTxLoopBudget      = 10

	dedupCacheSize = 64
)

// RTLOps are the event-facing callbacks a client of the layer supplies.
type RTLOps interface {
	// HandleEvent is called synchronously, on the receiver goroutine, for
	// every inbound command whose rqid falls in the event range. It must
	// not call Submit with a response-expecting request (spec.md §4.8).
	HandleEvent(rtl *RTL, rqid uint16, data []byte)
}

// Config holds the RTL's tunables; zero values are replaced by the
// defaults above.
type Config struct {
	RequestTimeout    time.Duration
	TimeoutResolution time.Duration
	MaxPending        int
	TxLoopBudget      int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.TimeoutResolution <= 0 {
		c.TimeoutResolution = DefaultTimeoutResolution
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.TxLoopBudget <= 0 {
		c.TxLoopBudget = DefaultTxLoopBudget
	}
	return c
}

// RTL is the request transmission layer. Construct with New, then Start
// it before submitting requests; Shutdown drains all outstanding work and
// must be followed by Destroy.
type RTL struct {
	ptl PTL
	ops RTLOps
	cfg Config

	shutdown atomic.Bool

	queueMu sync.Mutex
	queue   reqList

	pendingMu    sync.Mutex
	pending      reqList
	pendingCount atomic.Int32

	txWake chan struct{}
	txStop chan struct{}
	txDone chan struct{}

	reaperExpires atomic.Int64 // UnixNano; neverTimestamp means disarmed
	reaperReset   chan struct{}
	reaperStop    chan struct{}
	reaperDone    chan struct{}

	dedup *dedupCache

	// dropResponse is the original driver's error-injection hook
	// (ssh_rtl_should_drop_response): test-only, never set in production
	// wiring. See rtl_test.go.
	dropResponse atomic.Bool
}

// New constructs and initializes a request transmission layer around an
// already-constructed PTL. It corresponds to ssh_rtl_init: the queue,
// pending set, transmitter, and reaper are initialized but nothing is
// started until Start is called.
func New(p PTL, ops RTLOps, cfg Config) *RTL {
	cfg = cfg.withDefaults()
	r := &RTL{
		ptl:         p,
		ops:         ops,
		cfg:         cfg,
		txWake:      make(chan struct{}, 1),
		txStop:      make(chan struct{}),
		reaperReset: make(chan struct{}, 1),
		reaperStop:  make(chan struct{}),
		dedup:       newDedupCache(dedupCacheSize, 2*cfg.RequestTimeout),
	}
	r.reaperExpires.Store(neverTimestamp)
	return r
}

// NewOverTransport wires a fresh packet transmission layer around
// transport and binds it to a new RTL, so inbound payload spans flow
// straight into the request dispatcher. This is the constructor
// production callers use; New with a fake PTL is for unit tests.
func NewOverTransport(transport io.ReadWriter, ops RTLOps, cfg Config) *RTL {
	cfg = cfg.withDefaults()
	r := &RTL{
		ops:         ops,
		cfg:         cfg,
		txWake:      make(chan struct{}, 1),
		txStop:      make(chan struct{}),
		reaperReset: make(chan struct{}, 1),
		reaperStop:  make(chan struct{}),
		dedup:       newDedupCache(dedupCacheSize, 2*cfg.RequestTimeout),
	}
	r.reaperExpires.Store(neverTimestamp)
	r.ptl = ptl.Init(transport, r.handleInbound)
	return r
}

// Start starts the transmitter and the packet transmission layer's
// transmit/receive sides, then reschedules the transmitter if requests
// were submitted (and so queued) before Start was called.
func (r *RTL) Start() error {
	r.txDone = make(chan struct{})
	r.reaperDone = make(chan struct{})
	go r.txLoop()
	go r.reaperLoop()

	if err := r.ptl.TxStart(); err != nil {
		return err
	}
	if err := r.ptl.RxStart(); err != nil {
		return err
	}

	r.queueMu.Lock()
	pending := !r.queue.empty()
	r.queueMu.Unlock()
	if pending {
		r.scheduleTx()
	}
	return nil
}

func (r *RTL) scheduleTx() {
	select {
	case r.txWake <- struct{}{}:
	default:
	}
}

// Shutdown sets the shutdown bit, drains and fails every queued and
// pending request, and stops the transmitter and reaper. Requests whose
// packet the packet layer still holds complete with the packet layer's
// own shutdown error, forwarded unchanged; all others complete with
// ErrShutdown. It corresponds to ssh_rtl_shutdown.
func (r *RTL) Shutdown() {
	if r.shutdown.Swap(true) {
		return
	}

	r.queueMu.Lock()
	var claimed reqList
	for req := r.queue.head; req != nil; {
		next := req.next
		req.transition(sfQueued, sfLocked)
		r.queue.remove(req)
		claimed.pushBack(req)
		req = next
	}
	r.queueMu.Unlock()

	close(r.txStop)
	if r.txDone != nil {
		<-r.txDone
	}

	r.ptl.Shutdown()

	close(r.reaperStop)
	if r.reaperDone != nil {
		<-r.reaperDone
	}

	// The packet layer shutdown above failed every packet it still held
	// and, through onPacketComplete, removed those requests from pending.
	// What remains are requests whose packet was already transmitted and
	// which are waiting for a response; fail them here.
	r.pendingMu.Lock()
	for req := r.pending.head; req != nil; {
		next := req.next
		req.transition(sfPending, sfLocked)
		r.pending.remove(req)
		r.pendingCount.Add(-1)
		claimed.pushBack(req)
		req = next
	}
	r.pendingMu.Unlock()

	for req := claimed.head; req != nil; {
		next := req.next
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, ErrShutdown)
		}
		req.put()
		req = next
	}
}

// Destroy releases resources owned by the layer. It must only be called
// after Shutdown.
func (r *RTL) Destroy() {
	r.ptl.Destroy()
}

// SetDropResponseHook is the original driver's error-injection hook
// (ssh_rtl_should_drop_response): while enabled is true, every inbound
// command response is silently discarded before it reaches the
// completion dispatcher, letting a test force a request into
// ErrTimedOut without faking peer misbehavior at the transport level.
// It is never set outside tests.
func (r *RTL) SetDropResponseHook(enabled bool) {
	r.dropResponse.Store(enabled)
}

func (r *RTL) completeWithStatus(req *Request, status error) {
	req.ops.Complete(req, nil, status)
}

func (r *RTL) completeWithResponse(req *Request, data []byte) {
	req.ops.Complete(req, data, nil)
}

// Flush submits an internal barrier request and waits for it to complete
// up to timeout, giving the caller a happens-before fence over every
// prior successful Submit (spec.md §4.3, §4.9). On timeout it cancels the
// flush request and waits for that cancellation to land before returning
// ErrTimedOut.
func (r *RTL) Flush(ctx context.Context, timeout time.Duration) error {
	fr := newFlushRequest()

	if err := r.Submit(fr.Request); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-fr.done:
		return fr.status
	case <-timer.C:
	case <-ctx.Done():
	}

	r.Cancel(fr.Request, true)
	<-fr.done

	if fr.status == ErrCanceled || fr.status == ptl.ErrCanceled {
		return ErrTimedOut
	}
	return fr.status
}
