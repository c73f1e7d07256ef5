package ctrl

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

// timeSharedTopology captures each sensor through its own camsv engine into
// memory; a single raw engine then processes the stored frames of every
// time-shared context, one at a time, in capture order.
//
// Per frame: TS_READY → TS_SENSOR (sensor written) → TS_SV (camsv latched)
// → TS_MEM (capture done) → TS_CQ (raw engine granted) → TS_INNER → done.
type timeSharedTopology struct{}

func (timeSharedTopology) mode() Mode                   { return ModeTimeShared }
func (timeSharedTopology) needsSensor() bool            { return true }
func (timeSharedTopology) framesPerRequest(Feature) int { return 1 }
func (timeSharedTopology) readyState() state.State      { return state.TSReady }

// admitted re-runs the arbiter: a stored frame may be waiting for the
// buffer that just arrived.
func (timeSharedTopology) admitted(c *Context) {
	if c.arb != nil {
		c.arb.kick()
	}
}

func (timeSharedTopology) sensorEdge(*StreamData) (state.State, state.State) {
	return state.TSReady, state.TSSensor
}

// dispatchBlock waits until the capture engine points at the previous
// frame's buffer.
func (timeSharedTopology) dispatchBlock(tx *state.Tx, seq int) string {
	if e := tx.Find(seq); e != nil && tx.State(e) == state.TSSensor && !e.(*StreamData).applied.Load() {
		return "capture buffer not applied"
	}
	return ""
}

func (timeSharedTopology) start(ctx context.Context, c *Context) error {
	return c.startTimeShared(ctx)
}

// frameStart is the shared raw engine's SOF, routed to the owning context.
func (timeSharedTopology) frameStart(c *Context, ev FrameStart) {
	c.noteSOF(ev)
	var promoted bool
	c.list.Do(func(tx *state.Tx) {
		if e := tx.Find(ev.FrameInnerIdx); e != nil {
			promoted = tx.Transition(e, state.TSCQ, state.TSInner)
		}
	})
	if !promoted {
		c.log.Debug("camctrl: shared raw SOF without granted frame", "frame_inner_idx", ev.FrameInnerIdx)
	}
	c.metrics.SOF(context.Background(), c.cfg.StreamID, "time_shared")
}

// settingDone starts the memory read of the granted frame.
func (timeSharedTopology) settingDone(c *Context, ev SettingDone) {
	rt, ok := c.cq.(RawiTrigger)
	if !ok {
		return
	}
	if err := rt.TriggerRawi(ev.Engine); err != nil {
		c.log.Error("camctrl: rawi trigger failed", "frame_seq", ev.FrameIdx, "error", err)
		c.countError(CategoryDevice)
	}
}

func (timeSharedTopology) frameDone(c *Context, ev FrameDone) {
	c.rawFrameDone(ev)
}

func (timeSharedTopology) subsampleSensorSet(*Context, SubsampleSensorSet) {}

func (timeSharedTopology) deadline(*Context) deadline.Action { return deadline.Continue }

func (timeSharedTopology) completed(c *Context, _ *StreamData) {
	c.arb.release(c)
}

// startTimeShared writes the first frame's sensor setting and points the
// capture engine at its buffer before streaming on.
func (c *Context) startTimeShared(ctx context.Context) error {
	sd := c.popPending(1)
	if sd == nil {
		return ErrNoRequest
	}
	if err := c.insert(sd, state.TSReady); err != nil {
		c.unpopPending(sd)
		return err
	}
	c.dispatchedSeq.Store(1)
	sd.sensorQueued.Store(true)
	c.runSensor(ctx, sd)
	c.initialSensor.Store(true)

	c.applyCapture(sd)
	c.streamOnOnce()
	return nil
}

// applyCapture points the capture engine at sd's buffer.
func (c *Context) applyCapture(sd *StreamData) {
	if !sd.applied.CompareAndSwap(false, true) {
		return
	}
	ba, ok := c.cq.(BufferApplier)
	if !ok {
		return
	}
	if err := ba.ApplyBuffer(c.cfg.Capture, sd.Seq); err != nil {
		sd.setErr(err)
		c.countError(CategoryDevice)
		c.log.Error("camctrl: capture buffer not applied", "frame_seq", sd.Seq, "error", err)
	}
}

// tsCaptureFrameStart latches the captured frame and programs the capture
// buffer of the next one.
func (c *Context) tsCaptureFrameStart(ev FrameStart) {
	c.noteSOF(ev)
	c.timer.Arm()

	sensorSeq := int(c.sensorSeq.Load())
	isp := int(c.ispSeq.Load())
	innerIdx := ev.FrameInnerIdx

	var next *StreamData
	c.list.Do(func(tx *state.Tx) {
		if innerIdx > isp {
			if e := tx.Find(innerIdx); e != nil && tx.Transition(e, state.TSSensor, state.TSSV) {
				c.ispSeq.Store(int64(innerIdx))
			}
		}
		e0, s0, ok := tx.Window(sensorSeq).At(0)
		if ok && s0 == state.TSSensor && !e0.(*StreamData).applied.Load() {
			next = e0.(*StreamData)
		}
	})

	result := "pass_sw_delay"
	if next != nil {
		c.applyCapture(next)
		result = "trigger_cq"
	} else {
		c.counters.swDelay.Add(1)
	}
	c.metrics.SOF(context.Background(), c.cfg.StreamID, result)
}

// tsCaptureFrameDone marks the frame as stored and offers it to the shared
// raw engine.
func (c *Context) tsCaptureFrameDone(ev FrameDone) {
	var sd *StreamData
	c.list.Do(func(tx *state.Tx) {
		if e := tx.Find(ev.FrameInnerIdx); e != nil && tx.Transition(e, state.TSSV, state.TSMem) {
			sd = e.(*StreamData)
		}
	})
	if sd == nil {
		c.counters.stale.Add(1)
		c.log.Debug("camctrl: capture done for untracked frame", "frame_seq", ev.FrameInnerIdx)
		return
	}
	c.arb.offer(c, sd)
}

type tsSlot struct {
	ctx *Context
	sd  *StreamData
}

// tsArbiter grants the shared raw engine to one stored frame at a time, in
// the order the frames were captured.
type tsArbiter struct {
	raw Engine
	cq  CommandQueue
	log *slog.Logger

	mu        sync.Mutex
	queue     []tsSlot
	owner     *Context
	streaming bool
}

func newTSArbiter(raw Engine, cq CommandQueue, log *slog.Logger) *tsArbiter {
	return &tsArbiter{raw: raw, cq: cq, log: log.With("engine", raw.String())}
}

type tsFailure struct {
	tsSlot
	err error
}

// offer queues a stored frame.
func (a *tsArbiter) offer(c *Context, sd *StreamData) {
	a.mu.Lock()
	a.queue = append(a.queue, tsSlot{ctx: c, sd: sd})
	failed := a.scheduleLocked()
	a.mu.Unlock()
	a.abort(failed)
}

// kick schedules again after a buffer was composed.
func (a *tsArbiter) kick() {
	a.mu.Lock()
	failed := a.scheduleLocked()
	a.mu.Unlock()
	a.abort(failed)
}

// release frees the raw engine after c's frame completed.
func (a *tsArbiter) release(c *Context) {
	a.mu.Lock()
	if a.owner == c {
		a.owner = nil
	}
	failed := a.scheduleLocked()
	a.mu.Unlock()
	a.abort(failed)
}

// drop forgets every queued frame of c; c finishes them itself.
func (a *tsArbiter) drop(c *Context) {
	a.mu.Lock()
	q := a.queue[:0]
	for _, s := range a.queue {
		if s.ctx != c {
			q = append(q, s)
		}
	}
	a.queue = q
	if a.owner == c {
		a.owner = nil
	}
	failed := a.scheduleLocked()
	a.mu.Unlock()
	a.abort(failed)
}

// scheduleLocked grants the raw engine to the oldest stored frame.
//
// A head frame whose buffer is not composed yet keeps its place and blocks
// the frames stored after it until Composed hands the buffer over. Frames
// the hardware refused are returned for abort.
func (a *tsArbiter) scheduleLocked() []tsFailure {
	var failed []tsFailure
	for a.owner == nil && len(a.queue) > 0 {
		s := a.queue[0]
		if s.ctx.stopping.Load() {
			a.queue = a.queue[1:]
			continue
		}
		err := s.ctx.triggerCQ(a.raw, s.sd, state.TSMem, state.TSCQ)
		if errors.Is(err, ErrNoBuffer) {
			a.log.Debug("camctrl: stored frame waits for its command queue", "stream_id", s.ctx.cfg.StreamID, "frame_seq", s.sd.Seq)
			return failed
		}
		a.queue = a.queue[1:]
		switch {
		case errors.Is(err, errNotAdvanced):
			continue
		case err != nil:
			failed = append(failed, tsFailure{tsSlot: s, err: err})
			continue
		}
		a.owner = s.ctx
		if !a.streaming {
			a.streaming = true
			if err := a.cq.StreamOn(a.raw, true); err != nil {
				a.log.Error("camctrl: stream on failed", "error", err)
			}
		}
	}
	return failed
}

func (a *tsArbiter) abort(failed []tsFailure) {
	for _, f := range failed {
		f.ctx.abortFrame(f.sd, f.err)
	}
}

// handle routes a shared raw engine interrupt to the context owning the
// engine.
func (a *tsArbiter) handle(ev Event) {
	a.mu.Lock()
	owner := a.owner
	a.mu.Unlock()
	if owner == nil {
		a.log.Debug("camctrl: shared raw interrupt with no owner", "frame_inner_idx", ev.Info().FrameInnerIdx)
		return
	}
	switch e := ev.(type) {
	case SettingDone:
		owner.topo.settingDone(owner, e)
	case FrameStart:
		if e.Slave {
			return
		}
		owner.topo.frameStart(owner, e)
	case FrameDone:
		owner.topo.frameDone(owner, e)
	case AFODone:
		owner.metaDone(e)
	case FrameDrop:
		owner.frameDrop(e)
	case SubsampleSensorSet:
	}
}

// stop streams the shared raw engine off.
func (a *tsArbiter) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = nil
	a.owner = nil
	if !a.streaming {
		return
	}
	a.streaming = false
	if err := a.cq.StreamOn(a.raw, false); err != nil {
		a.log.Error("camctrl: stream off failed", "error", err)
	}
}
