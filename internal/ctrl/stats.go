package ctrl

import (
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/worker"
)

// ContextStats is a snapshot of one context.
type ContextStats struct {
	StreamID  int
	Mode      Mode
	Streaming bool
	Exposures int

	SensorSeq     int
	ISPSeq        int
	DispatchedSeq int
	LastCQSeq     int
	InFlight      int
	Pending       int

	SOF        uint64
	CQApplied  uint64
	CQEmpty    uint64
	SWDelay    uint64
	SCQDelay   uint64
	HWDelay    uint64
	Recovered  uint64
	FramesDone uint64
	Mismatch   uint64
	Errors     uint64
	Drained    uint64
	Switches   uint64
	FrameDrops uint64
	Stale      uint64
	ListFull   uint64

	Timer   deadline.Params
	Cadence CadenceStats
	Sensor  worker.Stats
	Done    worker.Stats
}

// Stats is a snapshot of every context, in configuration order.
type Stats struct {
	Contexts []ContextStats
}

// Stats returns a snapshot of the context.
func (c *Context) Stats() ContextStats {
	c.pendMu.Lock()
	pending := len(c.pending)
	c.pendMu.Unlock()

	return ContextStats{
		StreamID:      c.cfg.StreamID,
		Mode:          c.cfg.Mode,
		Streaming:     c.streaming.Load(),
		Exposures:     int(c.exposures.Load()),
		SensorSeq:     int(c.sensorSeq.Load()),
		ISPSeq:        int(c.ispSeq.Load()),
		DispatchedSeq: int(c.dispatchedSeq.Load()),
		LastCQSeq:     int(c.lastCQSeq.Load()),
		InFlight:      c.list.Len(),
		Pending:       pending,
		SOF:           c.counters.sof.Load(),
		CQApplied:     c.counters.cqApplied.Load(),
		CQEmpty:       c.counters.cqEmpty.Load(),
		SWDelay:       c.counters.swDelay.Load(),
		SCQDelay:      c.counters.scqDelay.Load(),
		HWDelay:       c.counters.hwDelay.Load(),
		Recovered:     c.counters.recovered.Load(),
		FramesDone:    c.counters.framesDone.Load(),
		Mismatch:      c.counters.mismatch.Load(),
		Errors:        c.counters.errors.Load(),
		Drained:       c.counters.drained.Load(),
		Switches:      c.counters.switches.Load(),
		FrameDrops:    c.counters.frameDrops.Load(),
		Stale:         c.counters.stale.Load(),
		ListFull:      c.counters.listFull.Load(),
		Timer:         c.timer.Params(),
		Cadence:       c.cadence.stats(),
		Sensor:        c.sensorQ.Stats(),
		Done:          c.doneQ.Stats(),
	}
}
