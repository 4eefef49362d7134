package rtl

import (
	"encoding/binary"
	"fmt"
	"time"
)

// rqid ranges. original_source/ only retains ssh_request_layer.c, not the
// header defining ssh_rqid_is_event, so this split is a documented design
// decision (see SPEC_FULL.md §3.1): rqid 0 is reserved, the low range is
// events, everything else is a request/response rqid.
const (
	eventRqidMin = 0x0001
	eventRqidMax = 0x0027
)

func isEventRqid(rqid uint16) bool {
	return rqid >= eventRqidMin && rqid <= eventRqidMax
}

// handleInbound is the packet layer's DataReceivedFunc: it runs on the
// receiver goroutine for every inbound payload span. Compare
// ssh_rtl_rx_command/ssh_rtl_rx_event and ssh_rtl_complete.
func (r *RTL) handleInbound(data []byte) {
	if r.dropResponse.Load() {
		return
	}
	if len(data) < 2 {
		logThrottled("rtl:short-frame", time.Second,
			"rtl: dropping inbound frame shorter than the rqid header (%d bytes)", len(data))
		return
	}
	rqid := binary.LittleEndian.Uint16(data)
	payload := data[2:]

	if isEventRqid(rqid) {
		if r.ops != nil {
			r.ops.HandleEvent(r, rqid, payload)
		}
		return
	}

	if r.dropResponse.Load() {
		return
	}

	req := r.claimPending(rqid)
	if req == nil {
		if r.dedup.isRecentDuplicate(rqid) {
			logThrottled(fmt.Sprintf("rtl:dup:%d", rqid), 5*time.Second,
				"rtl: dropping duplicate response for rqid %d", rqid)
		} else {
			logThrottled("rtl:unmatched", time.Second,
				"rtl: dropping unexpected response for rqid %d", rqid)
		}
		return
	}

	if !req.has(sfTransmitted) {
		// The peer answered before we observed our own transmission ACK:
		// a protocol violation, not a normal race (pendingPush runs
		// before the write, but a correct peer can never see the command
		// before that write lands on the wire).
		logf("rtl: response for rqid %d received before its transmission was acked", rqid)
		req.setFlag(sfLocked)
		if !req.testAndSet(sfCompleted) {
			r.completeWithStatus(req, ErrRemoteIO)
		}
		req.put()
		r.scheduleTx()
		return
	}

	r.dedup.markCompleted(rqid)
	req.setFlag(sfLocked)
	if !req.testAndSet(sfCompleted) {
		r.completeWithResponse(req, payload)
	}
	req.put()
	r.scheduleTx()
}

// claimPending finds the pending request matching rqid and atomically
// claims it (via the RspRcvd bit) so a racing duplicate response can
// never double-complete it. It removes the claimed request from the
// pending set before returning it.
func (r *RTL) claimPending(rqid uint16) *Request {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	for req := r.pending.head; req != nil; req = req.next {
		if req.rqid != rqid {
			continue
		}
		if req.testAndSet(sfRspRcvd) {
			return nil // a concurrent duplicate already claimed it
		}
		req.clearFlag(sfPending)
		r.pending.remove(req)
		r.pendingCount.Add(-1)
		req.timestamp.Store(neverTimestamp)
		return req
	}
	return nil
}
