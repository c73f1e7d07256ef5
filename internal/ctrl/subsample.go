package ctrl

import (
	"context"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

// subsampleTopology drives a high frame rate sensor whose settings change
// once per group of frames. The command queue goes first; the sensor write
// happens at the engine's subsample-sensor-set interrupt.
type subsampleTopology struct{ rawTopology }

func (subsampleTopology) mode() Mode              { return ModeSubsample }
func (subsampleTopology) readyState() state.State { return state.SubsplReady }

func (subsampleTopology) sensorEdge(*StreamData) (state.State, state.State) {
	return state.SubsplOuter, state.SubsplSensor
}

func (subsampleTopology) dispatchBlock(*state.Tx, int) string { return "" }

func (subsampleTopology) start(ctx context.Context, c *Context) error {
	return c.startSubsample(ctx)
}

func (subsampleTopology) frameStart(c *Context, ev FrameStart) {
	c.subsampleFrameStart(ev)
}

func (subsampleTopology) subsampleSensorSet(c *Context, ev SubsampleSensorSet) {
	c.subsampleSensorSet(ev)
}

// deadline prepares the next request instead of dispatching the sensor.
func (subsampleTopology) deadline(c *Context) deadline.Action {
	c.subsamplePrepare()
	return deadline.Stop
}

func (c *Context) startSubsample(context.Context) error {
	if b, ok := c.bufs.PeekComposed(); !ok || b.FrameSeq != 1 {
		return ErrNoRequest
	}
	sd := c.popPending(1)
	if sd == nil {
		return ErrNoRequest
	}
	if err := c.insert(sd, state.SubsplReady); err != nil {
		c.unpopPending(sd)
		return err
	}
	c.dispatchedSeq.Store(1)
	c.sensorSeq.Store(1)

	// The first frame's sensor write waits for the subsample window like
	// every other frame; streaming may begin at its command-queue done.
	c.initialSensor.Store(true)

	if err := c.applyOrAbort(c.cfg.Raw, sd, state.SubsplReady, state.SubsplSCQ); err != nil {
		return fmt.Errorf("first command queue: %w", err)
	}
	return nil
}

// subsampleFrameStart promotes the latched frame and triggers the command
// queue of the prepared one.
func (c *Context) subsampleFrameStart(ev FrameStart) {
	c.noteSOF(ev)
	c.timer.Arm()

	d := sofDecision{result: sofPassSWDelay}
	sensorSeq := int(c.sensorSeq.Load())
	isp := int(c.ispSeq.Load())
	innerIdx := ev.FrameInnerIdx

	c.list.Do(func(tx *state.Tx) {
		w := tx.Window(sensorSeq)
		for _, e := range w.All() {
			sd := e.(*StreamData)
			if sd.Seq != innerIdx || innerIdx <= isp {
				continue
			}
			switch tx.State(e) {
			case state.SubsplSensor:
				tx.Transition(e, state.SubsplSensor, state.SubsplInner)
				c.ispSeq.Store(int64(innerIdx))
			case state.SubsplOuter:
				d.result = sofPassHWDelay
			}
		}
		if d.result == sofPassHWDelay {
			return
		}
		if sensorSeq <= c.cfg.InitialDropFrames {
			d.result = sofPassInit
			return
		}

		e0, _, ok := w.At(0)
		if !ok {
			return
		}
		switch tx.State(e0) {
		case state.SubsplReady:
			d.result, d.trigger = sofTriggerCQ, e0.(*StreamData)
		case state.SubsplSCQDelay:
			tx.Transition(e0, state.SubsplSCQDelay, state.SubsplOuter)
			d.result = sofPassSCQDelay
		}
	})

	c.metrics.SOF(context.Background(), c.cfg.StreamID, d.result.String())
	switch d.result {
	case sofTriggerCQ:
		c.applyOrAbort(c.cfg.Raw, d.trigger, state.SubsplReady, state.SubsplSCQ)
	case sofPassHWDelay:
		c.counters.hwDelay.Add(1)
		c.countError(CategoryHWIncomplete)
		c.hwLog.Do(func() {
			c.log.Warn("camctrl: frame latched before its sensor setting", "frame_inner_idx", innerIdx)
		})
	case sofPassSCQDelay:
		c.counters.scqDelay.Add(1)
	case sofPassSWDelay:
		c.counters.swDelay.Add(1)
	}
}

// subsampleSensorSet queues the sensor write for the frame whose command
// queue the engine just accepted.
func (c *Context) subsampleSensorSet(ev SubsampleSensorSet) {
	var target *StreamData
	c.list.Do(func(tx *state.Tx) {
		for e := range tx.All() {
			if tx.State(e) == state.SubsplOuter {
				target = e.(*StreamData)
			}
		}
	})
	if target == nil {
		c.log.Debug("camctrl: subsample sensor window without outer frame", "frame_seq", ev.FrameIdx)
		return
	}
	c.queueSensor(target)
}

// subsamplePrepare admits the next frame into the list so the following SOF
// can trigger its command queue.
func (c *Context) subsamplePrepare() {
	seq := int(c.sensorSeq.Load())

	var reason string
	c.list.Do(func(tx *state.Tx) {
		e := tx.Find(seq)
		if e == nil {
			return
		}
		switch tx.State(e) {
		case state.SubsplSCQ:
			tx.Transition(e, state.SubsplSCQ, state.SubsplSCQDelay)
			reason = "command queue not done"
		case state.SubsplSCQDelay:
			reason = "command queue not done"
		case state.SubsplReady:
			reason = "command queue not triggered"
		}
	})
	if reason != "" {
		c.counters.swDelay.Add(1)
		c.log.Debug("camctrl: subsample prepare refused", "sensor_seq", seq, "reason", reason)
		return
	}

	sd := c.popPending(seq + 1)
	if sd == nil {
		return
	}
	if err := c.insert(sd, state.SubsplReady); err != nil {
		c.log.Warn("camctrl: cannot track frame", "frame_seq", sd.Seq, "error", err)
		c.unpopPending(sd)
		return
	}
	c.dispatchedSeq.Store(int64(sd.Seq))
	c.sensorSeq.Store(int64(sd.Seq))
}
