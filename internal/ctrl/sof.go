package ctrl

import (
	"context"
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

// sofResult is the decision taken at a start of frame.
type sofResult int

const (
	sofTriggerCQ sofResult = iota
	sofPassInit
	sofPassSWDelay
	sofPassSCQDelay
	sofPassHWDelay
)

func (r sofResult) String() string {
	switch r {
	case sofTriggerCQ:
		return "trigger_cq"
	case sofPassInit:
		return "pass_init"
	case sofPassSWDelay:
		return "pass_sw_delay"
	case sofPassSCQDelay:
		return "pass_scq_delay"
	case sofPassHWDelay:
		return "pass_hw_delay"
	default:
		return "unknown"
	}
}

// sofDecision is what the state handle found under the list lock; the
// caller acts on it after the lock is released.
type sofDecision struct {
	result   sofResult
	trigger  *StreamData
	from, to state.State
	recover  []*StreamData
}

// startRaw sets the sensor for the first frame synchronously and applies
// its command queue. Streaming begins at the first command-queue done.
func (c *Context) startRaw(ctx context.Context) error {
	if b, ok := c.bufs.PeekComposed(); !ok || b.FrameSeq != 1 {
		return ErrNoRequest
	}
	sd := c.popPending(1)
	if sd == nil {
		return ErrNoRequest
	}
	if err := c.insert(sd, c.topo.readyState()); err != nil {
		c.unpopPending(sd)
		return err
	}
	c.dispatchedSeq.Store(1)
	sd.sensorQueued.Store(true)
	c.runSensor(ctx, sd)
	c.initialSensor.Store(true)

	from, to := state.Sensor, state.CQ
	if sd.Feature.Switch != SwitchNone {
		from, to = state.Seninf, state.CamMuxOuterCfg
		c.applySwitch(sd)
	}
	if err := c.applyOrAbort(c.cfg.Raw, sd, from, to); err != nil {
		return fmt.Errorf("first command queue: %w", err)
	}
	return nil
}

// noteSOF does the bookkeeping common to every start of frame.
func (c *Context) noteSOF(ev FrameStart) {
	c.counters.sof.Add(1)
	c.cadence.add(ev.Timestamp)
	c.notifier.FrameSync(ev.Engine.String(), ev.FrameInnerIdx)
}

// rawFrameStart handles the raw engine SOF of a normal-family context.
//
// Algorithm:
//  1. Re-arm the deadline timer
//  2. Run the state handle under the list lock
//  3. Queue frame-done for frames the write counter shows as complete
//  4. On trigger: program the mux for a switch frame, then apply its
//     command queue
func (c *Context) rawFrameStart(ev FrameStart) {
	c.noteSOF(ev)
	c.timer.Arm()

	d := c.rawStateHandle(ev)
	c.recoverFrames(d.recover)
	c.metrics.SOF(context.Background(), c.cfg.StreamID, d.result.String())

	switch d.result {
	case sofTriggerCQ:
		if d.from == state.Seninf {
			c.applySwitch(d.trigger)
		}
		c.applyOrAbort(c.cfg.Raw, d.trigger, d.from, d.to)
	case sofPassHWDelay:
		c.counters.hwDelay.Add(1)
		c.countError(CategoryHWIncomplete)
		c.hwLog.Do(func() {
			c.log.Warn("camctrl: hardware did not finish frame",
				"frame_inner_idx", ev.FrameInnerIdx, "write_cnt", ev.WriteCnt, "isp_seq", c.ispSeq.Load())
		})
	case sofPassSCQDelay:
		c.counters.scqDelay.Add(1)
		c.log.Debug("camctrl: late command queue promoted at SOF", "frame_inner_idx", ev.FrameInnerIdx)
	case sofPassSWDelay:
		c.counters.swDelay.Add(1)
		c.log.Debug("camctrl: no frame ready at SOF", "sensor_seq", c.sensorSeq.Load(), "frame_inner_idx", ev.FrameInnerIdx)
	case sofPassInit:
		c.log.Debug("camctrl: initial frame pass", "frame_inner_idx", ev.FrameInnerIdx)
	}
}

// rawStateHandle decides what a normal-family SOF does.
//
// Algorithm (all under the list lock, window anchored at sensor_seq):
//  1. Find the outer and inner entries among the last three frames
//  2. Inner entry still present: the engine has not reported its frame-done.
//     If the write counter has reached it the done was lost and is
//     recovered; if the frame-done is already queued or the engine moved on,
//     the completion is merely late; otherwise the frame is tagged
//     INNER_HW_DELAY and nothing else happens this SOF
//  3. The engine latched a newer frame: promote the outer entry to inner
//  4. The first InitialDropFrames frames stop here
//  5. Slot 0 decides: SENSOR or SENINF triggers its command queue,
//     CQ_SCQ_DELAY or CAMMUX_OUTER_CFG_DELAY is promoted to outer
func (c *Context) rawStateHandle(ev FrameStart) sofDecision {
	d := sofDecision{result: sofPassSWDelay}
	sensorSeq := int(c.sensorSeq.Load())
	isp := int(c.ispSeq.Load())
	innerIdx := ev.FrameInnerIdx

	c.list.Do(func(tx *state.Tx) {
		w := tx.Window(sensorSeq)

		var outer, inner *StreamData
		for _, e := range w.All() {
			switch tx.State(e) {
			case state.Outer, state.CamMuxOuter, state.OuterHWDelay:
				outer = e.(*StreamData)
			case state.Inner, state.InnerHWDelay:
				inner = e.(*StreamData)
			}
		}

		if inner != nil {
			write := c.expandWriteCnt(ev.WriteCnt, isp)
			switch {
			case innerIdx > isp || inner.doneQueued.Load():
				c.log.Debug("camctrl: frame done work late",
					"frame_seq", inner.Seq, "frame_inner_idx", innerIdx, "isp_seq", isp)
			case write >= inner.Seq:
				for e := range tx.All() {
					sd := e.(*StreamData)
					s := tx.State(e)
					if sd.Seq <= write && s.ReachedInner() && !s.Terminal() {
						d.recover = append(d.recover, sd)
					}
				}
			default:
				tx.Transition(inner, state.Inner, state.InnerHWDelay)
				d.result = sofPassHWDelay
				return
			}
		}

		if outer != nil {
			switch {
			case innerIdx > isp && outer.Seq == innerIdx:
				_ = tx.Transition(outer, state.Outer, state.Inner) ||
					tx.Transition(outer, state.CamMuxOuter, state.Inner) ||
					tx.Transition(outer, state.OuterHWDelay, state.InnerHWDelay)
				c.ispSeq.Store(int64(innerIdx))
			case outer.Seq > innerIdx:
				tx.Transition(outer, state.Outer, state.OuterHWDelay)
			}
		}

		if sensorSeq <= c.cfg.InitialDropFrames {
			d.result = sofPassInit
			return
		}

		e0, _, ok := w.At(0)
		if !ok {
			return
		}
		sd0 := e0.(*StreamData)
		switch tx.State(e0) {
		case state.Sensor:
			d.result, d.trigger, d.from, d.to = sofTriggerCQ, sd0, state.Sensor, state.CQ
		case state.Seninf:
			d.result, d.trigger, d.from, d.to = sofTriggerCQ, sd0, state.Seninf, state.CamMuxOuterCfg
		case state.CQSCQDelay:
			tx.Transition(e0, state.CQSCQDelay, state.Outer)
			d.result = sofPassSCQDelay
		case state.CamMuxOuterCfgDelay:
			tx.Transition(e0, state.CamMuxOuterCfgDelay, state.CamMuxOuter)
			d.result = sofPassSCQDelay
		}
	})
	return d
}

// triggerCQ applies the composed buffer of sd on engine and moves sd
// from→to.
//
// Errors:
//   - ErrNoBuffer: sd's buffer is not at the composed head; nothing applied
//   - errNotAdvanced: sd is not on from; the buffer goes back, nothing applied
//   - anything else: the hardware refused the command queue
//
// triggerCQ never aborts sd; see applyOrAbort.
func (c *Context) triggerCQ(engine Engine, sd *StreamData, from, to state.State) error {
	buf, ok := c.bufs.ApplyFor(sd.Seq)
	if !ok {
		c.counters.cqEmpty.Add(1)
		if buf != nil {
			c.log.Warn("camctrl: composed buffer out of order", "frame_seq", sd.Seq, "buffer_seq", buf.FrameSeq)
		} else {
			c.log.Info("camctrl: no composed buffer, command queue not applied", "frame_seq", sd.Seq)
		}
		return ErrNoBuffer
	}

	var moved bool
	c.list.Do(func(tx *state.Tx) { moved = tx.Transition(sd, from, to) })
	if !moved {
		c.bufs.Unapply(buf)
		c.log.Warn("camctrl: unexpected state at trigger", "frame_seq", sd.Seq, "want", from.String(), "state", c.list.StateOf(sd).String())
		return errNotAdvanced
	}
	c.lastCQSeq.Store(int64(sd.Seq))

	if err := c.cq.ApplyCQ(engine, buf.CQ); err != nil {
		c.log.Error("camctrl: apply command queue failed", "frame_seq", sd.Seq, "engine", engine.String(), "error", err)
		c.countError(CategoryDevice)
		return fmt.Errorf("apply cq: %w", err)
	}
	c.counters.cqApplied.Add(1)
	c.metrics.CQApplied(context.Background(), c.cfg.StreamID)
	c.log.Debug("camctrl: command queue applied", "frame_seq", sd.Seq, "engine", engine.String(), "cq", buf.CQ.String())
	return nil
}

// applyOrAbort is triggerCQ for callers holding no lock a completion could
// need: a refused command queue aborts sd.
func (c *Context) applyOrAbort(engine Engine, sd *StreamData, from, to state.State) error {
	err := c.triggerCQ(engine, sd, from, to)
	if err != nil && !cqDeferred(err) {
		c.abortFrame(sd, err)
	}
	return err
}

// cqDeferred reports whether a triggerCQ error left the frame queued.
func cqDeferred(err error) bool {
	return errors.Is(err, ErrNoBuffer) || errors.Is(err, errNotAdvanced)
}

// cqDoneEdges are the moves a command-queue done applies, per family.
var cqDoneEdges = [][2]state.State{
	{state.CQ, state.Outer},
	{state.CQSCQDelay, state.Outer},
	{state.CamMuxOuterCfg, state.CamMuxOuter},
	{state.CamMuxOuterCfgDelay, state.CamMuxOuter},
	{state.SubsplSCQ, state.SubsplOuter},
	{state.SubsplSCQDelay, state.SubsplOuter},
	{state.M2MCQ, state.M2MOuter},
}

// markCQDone advances frame seq past its command queue and performs the
// one-time stream on at the first done.
func (c *Context) markCQDone(seq int) *StreamData {
	var sd *StreamData
	c.list.Do(func(tx *state.Tx) {
		e := tx.Find(seq)
		if e == nil {
			return
		}
		sd = e.(*StreamData)
		for _, edge := range cqDoneEdges {
			if tx.Transition(e, edge[0], edge[1]) {
				return
			}
		}
	})
	if sd == nil {
		c.counters.stale.Add(1)
		c.log.Debug("camctrl: command queue done for untracked frame", "frame_seq", seq)
	}
	c.streamOnOnce()
	return sd
}

// streamOnOnce enables every pipe of the context the first time it is
// called after the initial sensor setting is applied.
func (c *Context) streamOnOnce() {
	if !c.initialSensor.Load() || !c.streaming.CompareAndSwap(false, true) {
		return
	}
	for _, e := range c.pipes() {
		if err := c.cq.StreamOn(e, true); err != nil {
			c.log.Error("camctrl: stream on failed", "engine", e.String(), "error", err)
			c.countError(CategoryDevice)
		}
	}
	c.log.Info("camctrl: streaming", "pipes", len(c.pipes()))
}
