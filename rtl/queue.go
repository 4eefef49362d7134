package rtl

// Submit queues req for transmission, corresponding to ssh_rtl_submit. It
// takes ownership of one reference on req that is released along its
// completion path (transmitter failure, dispatch, reaper, cancel, or
// shutdown drain — exactly one of those will call req.put() for it).
func (r *RTL) Submit(req *Request) error {
	if req.hasResponse() && req.has(tyUnsequenced) {
		return ErrInvalid
	}
	if err := req.bindRTL(r); err != nil {
		return err
	}
	req.get()

	r.queueMu.Lock()
	if r.shutdown.Load() {
		r.queueMu.Unlock()
		req.setFlag(sfLocked)
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, ErrShutdown)
		}
		req.put()
		return nil
	}
	if req.has(sfLocked) {
		r.queueMu.Unlock()
		req.put()
		return ErrInvalid
	}
	req.setFlag(sfQueued)
	r.queue.pushBack(req)
	r.queueMu.Unlock()

	r.scheduleTx()
	return nil
}

// canProcess reports whether req is eligible to leave the queue right
// now: a flush only once the pending set has drained (it is a barrier),
// anything else only while the pending set has room.
func (r *RTL) canProcess(req *Request) bool {
	if req.isFlush() {
		return r.pendingCount.Load() == 0
	}
	if !req.hasResponse() {
		// Fire-and-forget requests never occupy a pending slot, so the
		// cap that bounds concurrently outstanding responses doesn't
		// apply to them.
		return true
	}
	return int(r.pendingCount.Load()) < r.cfg.MaxPending
}

// dequeue removes and returns the next eligible request, or nil if none
// is currently eligible. It corresponds to ssh_rtl_tx_next: the scan
// stops (rather than skipping past) the first request it cannot yet
// process, preserving submission order — which is what gives a flush its
// barrier semantics, since nothing queued after it can be picked ahead of
// it. Locked (cancelled) requests are skipped and dropped from the queue
// without being returned, since their owner already owns completing them.
func (r *RTL) dequeue() *Request {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	for req := r.queue.head; req != nil; {
		next := req.next
		if req.has(sfLocked) {
			r.queue.remove(req)
			req = next
			continue
		}
		if !r.canProcess(req) {
			return nil
		}
		r.queue.remove(req)
		return req
	}
	return nil
}
