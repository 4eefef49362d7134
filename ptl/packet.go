// Package ptl implements the packet transmission layer: framing, sequence
// numbers, ACK/retransmission, and shutdown for individual packets sent
// over a byte-oriented transport. The request transmission layer (package
// rtl) is built on top of it.
package ptl

import (
	"sync"
	"sync/atomic"
)

// PacketOps are the callbacks a packet owner receives.
type PacketOps interface {
	// Complete is called exactly once with the final transmission status:
	// nil on success (ACK received for sequenced packets, handed off to the
	// transport for unsequenced ones), or a non-nil error otherwise.
	Complete(status error)
	// Release is called once the packet layer has dropped its last
	// reference to the packet.
	Release()
}

const (
	pktFlagQueued uint32 = 1 << iota
	pktFlagTransmitting
	pktFlagLocked
	pktFlagCompleted
)

// Packet is a single unit of transmission handed to the PTL by a client
// (normally the rtl package, one packet per Request).
type Packet struct {
	Data       []byte
	Sequenced  bool
	Flush      bool // marks the RTL's flush barrier; the PTL transmits it like any other packet
	ops        PacketOps

	mu    sync.Mutex
	state atomic.Uint32

	seq     uint8
	retries int
	timer   *atomic.Pointer[retryTimer]

	node *Packet // not used: the PTL keeps its queue in a slice
	next *Packet
}

type retryTimer struct {
	stop func() bool
}

// NewPacket builds a packet around a pre-encoded payload. data is the
// opaque command/event span the upper layer wants transmitted; the PTL
// adds its own frame header and trailer around it on the wire.
func NewPacket(data []byte, sequenced bool, ops PacketOps) *Packet {
	p := &Packet{
		Data:      data,
		Sequenced: sequenced,
		ops:       ops,
	}
	p.timer = &atomic.Pointer[retryTimer]{}
	return p
}

// Ops returns the PacketOps this packet was constructed with, so an
// owner (or a test double standing in for the transmitter) can drive its
// completion directly without going through Submit/Cancel.
func (p *Packet) Ops() PacketOps {
	return p.ops
}

func (p *Packet) testAndSetLocked() bool {
	for {
		old := p.state.Load()
		if old&pktFlagLocked != 0 {
			return true
		}
		if p.state.CompareAndSwap(old, old|pktFlagLocked) {
			return false
		}
	}
}

func (p *Packet) isLocked() bool {
	return p.state.Load()&pktFlagLocked != 0
}

func (p *Packet) testAndSetCompleted() bool {
	for {
		old := p.state.Load()
		if old&pktFlagCompleted != 0 {
			return true
		}
		if p.state.CompareAndSwap(old, old|pktFlagCompleted) {
			return false
		}
	}
}
