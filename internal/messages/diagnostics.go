package messages

import (
	"sync"
	"sync/atomic"
)

// BufObserver mirrors buffer events into an external sink (the metrics
// aggregator).
type BufObserver interface {
	OnMsgBufAlloc(msgType string)
	OnMsgBufFree(msgType string)
}

// DiagCounters tracks message buffer accounting for the diagnostics server.
// It is the only shared mutable state of the envelope layer and is threaded
// through constructors explicitly.
type DiagCounters struct {
	bufsAllocated atomic.Uint64
	bufsFreed     atomic.Uint64

	mu          sync.Mutex
	livePerType map[MsgType]int64
	observer    BufObserver
}

// NewDiagCounters creates a zeroed counter set.
func NewDiagCounters() *DiagCounters {
	return &DiagCounters{livePerType: make(map[MsgType]int64)}
}

// SetObserver wires an external sink for buffer events. Call before any
// traffic flows.
func (d *DiagCounters) SetObserver(o BufObserver) { d.observer = o }

func (d *DiagCounters) onAlloc(t MsgType) {
	if d == nil {
		return
	}
	d.bufsAllocated.Add(1)
	d.mu.Lock()
	d.livePerType[t]++
	d.mu.Unlock()
	if d.observer != nil {
		d.observer.OnMsgBufAlloc(t.String())
	}
}

func (d *DiagCounters) onFree(t MsgType) {
	if d == nil {
		return
	}
	d.bufsFreed.Add(1)
	d.mu.Lock()
	d.livePerType[t]--
	d.mu.Unlock()
	if d.observer != nil {
		d.observer.OnMsgBufFree(t.String())
	}
}

// BufsAllocated returns the cumulative number of allocated incoming buffers.
func (d *DiagCounters) BufsAllocated() uint64 { return d.bufsAllocated.Load() }

// BufsFreed returns the cumulative number of freed incoming buffers.
func (d *DiagCounters) BufsFreed() uint64 { return d.bufsFreed.Load() }

// LivePerType returns a snapshot of live message objects per type.
func (d *DiagCounters) LivePerType() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.livePerType))
	for t, n := range d.livePerType {
		if n != 0 {
			out[t.String()] = n
		}
	}
	return out
}
