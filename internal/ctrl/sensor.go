package ctrl

import (
	"context"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

// deadlineHandler is the event phase of the deadline timer.
func (c *Context) deadlineHandler() deadline.Action {
	if c.stopping.Load() {
		return deadline.Stop
	}
	c.checkDrained()
	return c.topo.deadline(c)
}

// checkDrained publishes request-drained once per drain: when the frame
// after the last dispatched one has not been enqueued. Enqueue re-arms it.
func (c *Context) checkDrained() {
	next := int(c.dispatchedSeq.Load()) + 1

	c.pendMu.Lock()
	has := len(c.pending) > 0 && c.pending[0].Seq <= next
	fire := !has && !c.drainedSent
	if fire {
		c.drainedSent = true
	}
	c.pendMu.Unlock()

	if !fire {
		return
	}
	c.counters.drained.Add(1)
	c.metrics.Drained(context.Background(), c.cfg.StreamID)
	for _, e := range c.pipes() {
		c.notifier.RequestDrained(e.String())
	}
	c.log.Debug("camctrl: request drained", "next_seq", next)
}

// sensorSetHandler is the sensor phase of the deadline timer: it hands the
// next frame to the sensor worker unless the pipeline is behind.
func (c *Context) sensorSetHandler() {
	if c.stopping.Load() {
		return
	}

	seq := int(c.sensorSeq.Load())
	if int(c.dispatchedSeq.Load()) != seq {
		c.counters.swDelay.Add(1)
		c.countError(CategorySWDelay)
		c.log.Debug("camctrl: sensor worker still busy", "sensor_seq", seq, "dispatched_seq", c.dispatchedSeq.Load())
		return
	}

	var reason string
	c.list.Do(func(tx *state.Tx) { reason = c.topo.dispatchBlock(tx, seq) })
	if reason != "" {
		c.counters.swDelay.Add(1)
		c.log.Debug("camctrl: sensor dispatch refused", "sensor_seq", seq, "reason", reason)
		return
	}

	sd := c.popPending(seq + 1)
	if sd == nil {
		return
	}
	c.dispatchSensor(sd)
}

// dispatchSensor inserts sd in the list and queues its sensor setting.
func (c *Context) dispatchSensor(sd *StreamData) {
	if err := c.insert(sd, c.topo.readyState()); err != nil {
		c.log.Warn("camctrl: cannot track frame", "frame_seq", sd.Seq, "error", err)
		c.unpopPending(sd)
		return
	}
	c.dispatchedSeq.Store(int64(sd.Seq))
	c.queueSensor(sd)
}

// queueSensor submits sd to the sensor worker once.
func (c *Context) queueSensor(sd *StreamData) {
	if !sd.sensorQueued.CompareAndSwap(false, true) {
		return
	}
	since := c.timer.SinceArm()
	if !c.sensorQ.Submit(func(ctx context.Context) { c.runSensor(ctx, sd) }) {
		c.log.Warn("camctrl: sensor worker stopped, frame not set", "frame_seq", sd.Seq)
		return
	}
	c.metrics.SensorDispatched(context.Background(), c.cfg.StreamID, since)
	c.log.Debug("camctrl: sensor setting queued", "frame_seq", sd.Seq, "since_sof", since)
}

// controlSet builds what the sensor receives for sd.
func (c *Context) controlSet(sd *StreamData) ControlSet {
	set := ControlSet{
		StreamID:  c.cfg.StreamID,
		FrameSeq:  sd.Seq,
		Exposures: sd.Feature.Exposures,
		Switch:    sd.Feature.Switch,
		TraceID:   sd.req.ID(),
	}
	// The second exposure of an mstream request only retimes the sensor.
	if c.cfg.Mode == ModeMstream && sd.ExpIndex > 0 {
		set.ShutterGainOnly = true
		return set
	}
	set.Controls = sd.req.controls(c.cfg.StreamID)
	return set
}

// runSensor is the sensor worker body.
//
// Algorithm:
//  1. Join the request's frame-sync group (first exposure only)
//  2. Write the control set to the sensor
//  3. Leave the group (the last member turns sync off)
//  4. Move the frame to its sensor label and publish sensor_seq
//  5. Complete the request's control objects
//
// A sensor error is recorded on the frame; the frame still advances so the
// request completes with an error status instead of stalling the stream.
func (c *Context) runSensor(ctx context.Context, sd *StreamData) {
	set := c.controlSet(sd)
	log := c.log.With("frame_seq", sd.Seq)

	// One group member per context: the mstream retime is not a member.
	syncing := c.cfg.FrameSync && sd.ExpIndex == 0
	if syncing {
		sd.req.fs.enter(ctx, c.sensor, log)
	}
	err := c.sensor.ApplyControls(ctx, set)
	if syncing {
		sd.req.fs.leave(ctx, log)
	}
	if err != nil {
		sd.setErr(fmt.Errorf("sensor: %w", err))
		c.countError(CategoryDevice)
		log.Error("camctrl: sensor setting failed", "error", err)
	}

	from, to := c.topo.sensorEdge(sd)
	var moved bool
	c.list.Do(func(tx *state.Tx) { moved = tx.Transition(sd, from, to) })
	if !moved {
		log.Debug("camctrl: sensor set on frame outside its ready label", "state", c.list.StateOf(sd).String())
	}
	if int64(sd.Seq) > c.sensorSeq.Load() {
		c.sensorSeq.Store(int64(sd.Seq))
	}

	for _, obj := range set.Controls {
		obj.Complete()
	}
	log.Debug("camctrl: sensor set", "exposures", set.Exposures, "switch", set.Switch.String(), "shutter_gain_only", set.ShutterGainOnly)
}
