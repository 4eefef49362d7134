package rtl

import "time"

// pendingPush admits req into the pending set and arms its timeout,
// unless it was cancelled in the window between dequeue and here. It
// corresponds to ssh_rtl_pending_push.
func (r *RTL) pendingPush(req *Request) bool {
	if req.has(sfLocked) {
		return false
	}
	req.setFlag(sfPending)

	r.pendingMu.Lock()
	r.pending.pushBack(req)
	r.pendingMu.Unlock()
	r.pendingCount.Add(1)

	now := time.Now().UnixNano()
	req.timestamp.Store(now)
	r.armReaper(now + int64(r.cfg.RequestTimeout))
	return true
}

// pendingRemove removes req from the pending set if it is still a
// member, reporting whether it was. It is the single choke point every
// completion path (dispatch, reaper, cancel, transmitter failure) uses
// to leave the pending set, which is what keeps invariant 3 (QUEUED and
// PENDING mutually exclusive, and each exactly-once) trivially true: the
// clearFlag's "was it set" result gates every caller's own side effects.
// The claim (clearFlag) and the unlink/decrement happen under the same
// pendingMu critical section, exactly like ssh_rtl_pending_remove takes
// the pending lock around test_and_clear_bit+list_del+atomic_dec as one
// unit — otherwise this could race claimPending/reap, which hold the
// lock across their own equivalent claim-unlink-decrement sequence, and
// double-decrement pendingCount for a single request.
func (r *RTL) pendingRemove(req *Request) bool {
	r.pendingMu.Lock()
	ok := req.clearFlag(sfPending)
	if ok {
		r.pending.remove(req)
	}
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	r.pendingCount.Add(-1)
	req.timestamp.Store(neverTimestamp)
	return true
}
