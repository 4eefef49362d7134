package rtl

import "github.com/ssamrtl/ssamrtl/ptl"

// PTL is the downward interface the request transmission layer consumes,
// per spec.md §6. *ptl.PTL satisfies it; tests substitute a fake.
type PTL interface {
	Submit(p *ptl.Packet) error
	Cancel(p *ptl.Packet)
	TxStart() error
	RxStart() error
	Shutdown()
	Destroy()
}
