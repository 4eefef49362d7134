package main

import (
	"sync"
	"time"

	"github.com/ssamrtl/ssamrtl/codec"
	"github.com/ssamrtl/ssamrtl/rtl"
)

// eventRecord is one logged unsolicited event, rendered once up front so
// the stats endpoint and the REPL's event feed never re-decode payloads.
type eventRecord struct {
	At      time.Time `json:"at"`
	Rqid    uint16    `json:"rqid"`
	Display string    `json:"display"`
}

// eventLog implements rtl.RTLOps: it is the sink for every unsolicited
// event the link delivers, kept as a bounded ring buffer so a chatty
// peer can't grow this process's memory without bound. Compare the
// teacher's Listener.Stats/fireOnData bookkeeping in listener.go.
type eventLog struct {
	mu     sync.Mutex
	ring   []eventRecord
	cap    int
	next   int
	filled bool

	format codec.Format
}

func newEventLog(capacity int) *eventLog {
	return &eventLog{
		ring:   make([]eventRecord, capacity),
		cap:    capacity,
		format: codec.FormatHex,
	}
}

// HandleEvent implements rtl.RTLOps.
func (e *eventLog) HandleEvent(_ *rtl.RTL, rqid uint16, data []byte) {
	rec := eventRecord{
		At:      time.Now(),
		Rqid:    rqid,
		Display: codec.RenderCompact(data, e.format),
	}
	e.mu.Lock()
	e.ring[e.next] = rec
	e.next = (e.next + 1) % e.cap
	if e.next == 0 {
		e.filled = true
	}
	e.mu.Unlock()
}

// Recent returns up to the last cap events, oldest first.
func (e *eventLog) Recent() []eventRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.filled {
		out := make([]eventRecord, e.next)
		copy(out, e.ring[:e.next])
		return out
	}
	out := make([]eventRecord, e.cap)
	copy(out, e.ring[e.next:])
	copy(out[e.cap-e.next:], e.ring[:e.next])
	return out
}
