package rtl

import "time"

// armReaper requests that the reaper fire no later than deadline
// (UnixNano). It only ever shrinks the armed deadline, coalescing many
// pending requests with different deadlines onto a single timer instead
// of one timer per request. Compare ssh_rtl_timeout_reaper_mod.
func (r *RTL) armReaper(deadline int64) {
	for {
		cur := r.reaperExpires.Load()
		if deadline >= cur {
			return
		}
		if r.reaperExpires.CompareAndSwap(cur, deadline) {
			select {
			case r.reaperReset <- struct{}{}:
			default:
			}
			return
		}
	}
}

func (r *RTL) reaperLoop() {
	defer close(r.reaperDone)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-r.reaperStop:
			timer.Stop()
			return

		case <-r.reaperReset:
			deadline := r.reaperExpires.Load()
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if deadline == neverTimestamp {
				armed = false
				continue
			}
			d := time.Until(time.Unix(0, deadline))
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			armed = true

		case <-timer.C:
			armed = false
			r.reap()
		}
	}
}

// reap sweeps the pending set for requests whose deadline has passed,
// completes them with ErrTimedOut, and re-arms for whatever deadline is
// now earliest among the survivors. Compare ssh_rtl_timeout_reap.
func (r *RTL) reap() {
	now := time.Now().UnixNano()

	var expired reqList
	nextDeadline := int64(neverTimestamp)

	// Disarm before scanning, so an armReaper racing with the scan below
	// is kept rather than overwritten.
	r.reaperExpires.Store(neverTimestamp)

	r.pendingMu.Lock()
	for req := r.pending.head; req != nil; {
		next := req.next
		ts := req.timestamp.Load()
		if ts != neverTimestamp {
			deadline := ts + int64(r.cfg.RequestTimeout)
			if deadline <= now {
				req.clearFlag(sfPending)
				r.pending.remove(req)
				r.pendingCount.Add(-1)
				req.timestamp.Store(neverTimestamp)
				expired.pushBack(req)
			} else if deadline < nextDeadline {
				nextDeadline = deadline
			}
		}
		req = next
	}
	r.pendingMu.Unlock()

	if nextDeadline != neverTimestamp {
		r.armReaper(nextDeadline)
	}

	for req := expired.head; req != nil; {
		next := req.next
		req.setFlag(sfLocked)
		r.ptl.Cancel(req.packet)
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, ErrTimedOut)
		}
		req.put()
		req = next
	}
	if !expired.empty() {
		r.scheduleTx()
	}
}
