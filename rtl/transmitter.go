package rtl

import (
	"errors"

	"github.com/ssamrtl/ssamrtl/ptl"
)

// txLoop is the transmitter goroutine: it idles until woken, then works
// the queue under a bounded budget so one backed-up RTL never starves
// other work sharing this process. Compare ssh_rtl_tx_work_fn.
func (r *RTL) txLoop() {
	defer close(r.txDone)
	for {
		select {
		case <-r.txStop:
			return
		case <-r.txWake:
		}
		r.txWork()
	}
}

func (r *RTL) txWork() {
	for i := 0; i < r.cfg.TxLoopBudget; i++ {
		select {
		case <-r.txStop:
			return
		default:
		}

		req := r.dequeue()
		if req == nil {
			return
		}
		if !r.transmitOne(req) {
			return
		}
	}
	// Budget exhausted with work potentially still eligible: reschedule
	// ourselves instead of looping unboundedly on this goroutine.
	r.scheduleTx()
}

// transmitOne hands req to the packet layer. It returns false when the
// packet layer itself reports shutdown, which tells the caller to stop
// pulling further work rather than spin against a closed layer.
func (r *RTL) transmitOne(req *Request) bool {
	req.transition(sfQueued, sfTransmitting)

	pending := false
	if req.hasResponse() {
		if !r.pendingPush(req) {
			// Cancelled in the window between dequeue and here; the
			// packet never reaches the transport.
			req.setFlag(sfLocked)
			if !req.testAndSet(sfCompleted) {
				r.completeWithStatus(req, ErrCanceled)
			}
			req.put()
			return true
		}
		pending = true
	}

	if err := r.ptl.Submit(req.packet); err != nil {
		if pending {
			r.pendingRemove(req)
		}
		req.setFlag(sfLocked)
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, err)
		}
		req.put()
		return !errors.Is(err, ptl.ErrShutdown)
	}
	return true
}

// onPacketComplete is the packet layer's callback for req's underlying
// packet, bridged through packetBridge. Compare ssh_rtl_tx_try_complete
// and the RTL half of ssh_ptl_ops.complete.
func (r *RTL) onPacketComplete(req *Request, status error) {
	if status != nil {
		r.pendingRemove(req)
		req.setFlag(sfLocked)
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, status)
		}
		req.put()
		r.scheduleTx()
		return
	}

	req.transition(sfTransmitting, sfTransmitted)

	if !req.hasResponse() {
		// Fire-and-forget: the packet layer accepted it, nothing more to
		// wait for.
		req.setFlag(sfLocked)
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, nil)
		}
		req.put()
	}
	// Response-expecting requests stay in the pending set; dispatch or
	// the reaper will finish them.
	r.scheduleTx()
}
