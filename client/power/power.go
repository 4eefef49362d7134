// Package power is a small example client of package rtl: a battery
// status monitor modeled loosely on surface_battery.c, showing how a
// driver above this layer submits request/response commands and
// receives unsolicited events. It is not a general-purpose client API,
// just the shape a real one would take.
package power

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ssamrtl/ssamrtl/rtl"
)

// Command identifiers for the battery information/status requests this
// client issues, in the rqid space reserved for requests (see
// rtl.isEventRqid and SPEC_FULL.md §3.1).
const (
	cmdGetInfo   uint16 = 0x1001
	cmdGetStatus uint16 = 0x1002

	// eventBatteryChanged is the unsolicited notification rqid this
	// client listens for; it falls in the reserved event range.
	eventBatteryChanged uint16 = 0x0015
)

// Info is the static battery information returned by GetInfo.
type Info struct {
	CapacityFullDesign uint32
	CapacityFull       uint32
	VoltageMax         uint32
}

// Status is the battery's current dynamic state, returned by GetStatus
// and delivered unsolicited on every change.
type Status struct {
	CapacityNow uint32
	VoltageNow  uint32
	Rate        int32
	Charging    bool
}

// Monitor watches one battery's status over an RTL link.
type Monitor struct {
	r *rtl.RTL

	mu       sync.Mutex
	onChange func(Status)
}

// NewMonitor wraps r; r must already be started (rtl.RTL.Start).
func NewMonitor(r *rtl.RTL) *Monitor {
	return &Monitor{r: r}
}

// OnChange registers fn to be called, from the RTL's receiver goroutine,
// whenever an unsolicited battery-changed event arrives. fn must not
// block or call back into the Monitor synchronously.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// HandleEvent implements rtl.RTLOps. It decodes eventBatteryChanged
// notifications and forwards them to the registered OnChange callback;
// any other event rqid is ignored.
func (m *Monitor) HandleEvent(_ *rtl.RTL, rqid uint16, data []byte) {
	if rqid != eventBatteryChanged {
		return
	}
	st, ok := decodeStatus(data)
	if !ok {
		return
	}
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// GetInfo issues a request/response command for the battery's static
// capacity information.
func (m *Monitor) GetInfo(ctx context.Context) (Info, error) {
	data, err := m.call(ctx, cmdGetInfo, nil)
	if err != nil {
		return Info{}, err
	}
	return decodeInfo(data), nil
}

// GetStatus issues a request/response command for the battery's current
// dynamic state.
func (m *Monitor) GetStatus(ctx context.Context) (Status, error) {
	data, err := m.call(ctx, cmdGetStatus, nil)
	if err != nil {
		return Status{}, err
	}
	st, _ := decodeStatus(data)
	return st, nil
}

type callResult struct {
	data []byte
	err  error
}

func (m *Monitor) call(ctx context.Context, rqid uint16, payload []byte) ([]byte, error) {
	frame := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(frame, rqid)
	copy(frame[2:], payload)

	done := make(chan callResult, 1)
	req := rtl.NewRequest(frame, rtl.HasResponse, &callOps{done: done})

	if err := m.r.Submit(req); err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		m.r.Cancel(req, false)
		<-done // drain the eventual completion so callOps.Complete doesn't race a reused buffer
		return nil, ctx.Err()
	}
}

type callOps struct {
	done chan callResult
}

func (o *callOps) Complete(_ *rtl.Request, data []byte, status error) {
	o.done <- callResult{data: data, err: status}
}

func (o *callOps) Release(_ *rtl.Request) {}

func decodeInfo(data []byte) Info {
	if len(data) < 12 {
		return Info{}
	}
	return Info{
		CapacityFullDesign: binary.LittleEndian.Uint32(data[0:4]),
		CapacityFull:       binary.LittleEndian.Uint32(data[4:8]),
		VoltageMax:         binary.LittleEndian.Uint32(data[8:12]),
	}
}

func decodeStatus(data []byte) (Status, bool) {
	if len(data) < 13 {
		return Status{}, false
	}
	return Status{
		CapacityNow: binary.LittleEndian.Uint32(data[0:4]),
		VoltageNow:  binary.LittleEndian.Uint32(data[4:8]),
		Rate:        int32(binary.LittleEndian.Uint32(data[8:12])),
		Charging:    data[12] != 0,
	}, true
}
