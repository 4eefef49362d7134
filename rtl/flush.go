package rtl

import "github.com/ssamrtl/ssamrtl/ptl"

// flushRequest is the internal barrier request RTL.Flush submits. It owns
// its Request directly rather than going through NewRequest, since it
// carries no payload and needs the flush type bit set at construction.
// Compare ssh_rtl_flush and the embedded ssh_flush_request in the
// original driver.
type flushRequest struct {
	*Request
	done   chan struct{}
	status error
}

func newFlushRequest() *flushRequest {
	fr := &flushRequest{done: make(chan struct{})}

	// No HasResponse: a flush only needs to reach the wire after every
	// request ahead of it has drained (canProcess enforces that before it
	// is ever dequeued); it completes as soon as the packet layer has
	// transmitted it, the same as any other fire-and-forget request.
	req := &Request{ops: fr}
	req.refcount.Store(1)
	req.timestamp.Store(neverTimestamp)
	req.state.Store(uint32(tyFlush))
	req.packet = ptl.NewPacket(nil, true, &packetBridge{req: req})
	req.packet.Flush = true

	fr.Request = req
	req.flush = fr
	return fr
}

func (fr *flushRequest) Complete(_ *Request, _ []byte, status error) {
	fr.status = status
	close(fr.done)
}

func (fr *flushRequest) Release(_ *Request) {}
