package rtl

// Cancel attempts to stop req before it completes normally. pendingHint
// is advisory only (the caller's best guess at whether req has already
// been sent) — correctness never depends on it, since Cancel inspects
// req's actual flags under the relevant locks. It reports whether this
// call was the one that cancelled req; a false return means req already
// completed (or is about to, via a path already in flight) by some other
// means. Compare ssh_rtl_cancel, ssh_rtl_cancel_nonpending and
// ssh_rtl_cancel_pending.
func (r *RTL) Cancel(req *Request, pendingHint bool) bool {
	_ = pendingHint

	if req.testAndSet(sfLocked) {
		return false
	}
	req.setFlag(sfCanceled)

	r.queueMu.Lock()
	inQueue := req.has(sfQueued)
	if inQueue {
		r.queue.remove(req)
	}
	r.queueMu.Unlock()

	if inQueue {
		req.clearFlag(sfQueued)
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, ErrCanceled)
		}
		req.put()
		return true
	}

	// Not queued: either still being transmitted, already pending and
	// awaiting a response, or already completed. Ask the packet layer to
	// cancel unconditionally — it no-ops if the packet already finished.
	r.ptl.Cancel(req.packet)

	if r.pendingRemove(req) {
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, ErrCanceled)
		}
		req.put()
		r.scheduleTx()
		return true
	}

	// Neither queued nor pending: transmission is mid-flight, or this
	// request already completed through dispatch/timeout/transmitter
	// failure. Whichever of those owns it will observe the packet
	// cancellation above (if it hasn't completed yet) and finish it
	// exactly once; Cancel itself has nothing further to do.
	return false
}
