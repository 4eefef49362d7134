package rtl

import (
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/ssamrtl/ssamrtl/ptl"
)

// Ops are the callbacks a request's owner supplies, per spec.md §6.
type Ops interface {
	// Complete is called exactly once per request that was ever
	// submitted. data is non-nil only on a successful response;
	// status is nil on success.
	Complete(r *Request, data []byte, status error)
	// Release is called once the request's last reference is dropped.
	Release(r *Request)
}

// Flags selects a request's fixed, construction-time type bits.
type Flags uint8

const (
	// HasResponse means a reply is expected; the underlying packet must
	// be sequenced (spec.md §3, invariant 6).
	HasResponse Flags = 1 << iota
	// Unsequenced marks the underlying packet as not participating in
	// ordered, ACKed delivery. A request with HasResponse set must not
	// also set Unsequenced (Submit rejects that combination).
	Unsequenced
)

const neverTimestamp = math.MaxInt64

// Request is the unit of work the RTL manages end to end: submission,
// (optional) transmission pending state, completion, and release.
// See spec.md §3 for the full state machine this type implements.
type Request struct {
	state    atomic.Uint32 // stateFlag bits, see state.go
	refcount atomic.Int32

	rtl atomic.Pointer[RTL]

	packet *ptl.Packet
	rqid   uint16

	timestamp atomic.Int64 // UnixNano; neverTimestamp means "not armed"

	ops Ops

	prev, next *Request // intrusive link node, see list.go

	flush *flushRequest // non-nil only for the internal flush request
}

// NewRequest builds a new, unsubmitted request around payload. payload's
// first two bytes (little-endian) are the rqid; see spec.md §3.
func NewRequest(payload []byte, flags Flags, ops Ops) *Request {
	r := &Request{ops: ops}
	r.refcount.Store(1)
	r.timestamp.Store(neverTimestamp)

	var st stateFlag
	if flags&HasResponse != 0 {
		st |= tyHasResponse
	}
	if flags&Unsequenced != 0 {
		st |= tyUnsequenced
	}
	r.state.Store(uint32(st))

	if len(payload) >= 2 {
		r.rqid = binary.LittleEndian.Uint16(payload)
	}

	r.packet = ptl.NewPacket(payload, flags&Unsequenced == 0, &packetBridge{req: r})
	return r
}

// Rqid returns the request's request-id, the matching key used by the
// completion dispatcher.
func (r *Request) Rqid() uint16 { return r.rqid }

func (r *Request) isFlush() bool { return r.has(tyFlush) }

func (r *Request) hasResponse() bool { return r.has(tyHasResponse) }

// get takes a reference.
func (r *Request) get() *Request {
	r.refcount.Add(1)
	return r
}

// put drops a reference, calling Release when the last one goes away.
func (r *Request) put() {
	if r.refcount.Add(-1) == 0 {
		if r.ops != nil {
			r.ops.Release(r)
		}
	}
}

// bindRTL attempts to atomically claim this request for rtl. It reports
// ErrAlready if the request is already bound (to this or any other RTL).
func (r *Request) bindRTL(owner *RTL) error {
	if !r.rtl.CompareAndSwap(nil, owner) {
		return ErrAlready
	}
	return nil
}

func (r *Request) boundRTL() *RTL {
	return r.rtl.Load()
}

// packetBridge adapts ptl.PacketOps to the request's own Ops, mirroring
// ssh_rtl_packet_ops in the original driver (complete -> packet callback,
// release -> ops.release).
type packetBridge struct {
	req *Request
}

func (b *packetBridge) Complete(status error) {
	b.req.boundRTL().onPacketComplete(b.req, status)
}

func (b *packetBridge) Release() {
	// The packet and the request share a lifetime in this port (unlike
	// the original driver, which embeds ssh_packet inside ssh_request);
	// nothing extra to release here beyond the request's own refcount,
	// which callers manage directly.
}
