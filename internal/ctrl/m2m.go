package ctrl

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

// m2mTopology processes frames already in memory: no sensor, no deadline
// timer, one frame on the engine at a time.
type m2mTopology struct{}

func (m2mTopology) mode() Mode                   { return ModeM2M }
func (m2mTopology) needsSensor() bool            { return false }
func (m2mTopology) framesPerRequest(Feature) int { return 1 }
func (m2mTopology) readyState() state.State      { return state.M2MReady }

func (m2mTopology) sensorEdge(*StreamData) (state.State, state.State) {
	return state.M2MReady, state.M2MReady
}

func (m2mTopology) dispatchBlock(*state.Tx, int) string { return "" }

func (m2mTopology) start(_ context.Context, c *Context) error {
	c.m2mKick()
	return nil
}

func (m2mTopology) admitted(c *Context) { c.m2mKick() }

func (m2mTopology) frameStart(c *Context, ev FrameStart) {
	c.noteSOF(ev)
	innerIdx := ev.FrameInnerIdx
	var promoted bool
	c.list.Do(func(tx *state.Tx) {
		if e := tx.Find(innerIdx); e != nil {
			promoted = tx.Transition(e, state.M2MOuter, state.M2MInner)
		}
	})
	if promoted {
		c.ispSeq.Store(int64(innerIdx))
	}
	c.metrics.SOF(context.Background(), c.cfg.StreamID, "m2m")
}

func (m2mTopology) settingDone(c *Context, ev SettingDone) {
	if sd := c.markCQDone(ev.FrameIdx); sd == nil {
		return
	}
	rt, ok := c.cq.(RawiTrigger)
	if !ok {
		return
	}
	if err := rt.TriggerRawi(c.cfg.Raw); err != nil {
		c.log.Error("camctrl: rawi trigger failed", "frame_seq", ev.FrameIdx, "error", err)
		c.countError(CategoryDevice)
	}
}

func (m2mTopology) frameDone(c *Context, ev FrameDone) {
	c.rawFrameDone(ev)
}

func (m2mTopology) subsampleSensorSet(*Context, SubsampleSensorSet) {}

func (m2mTopology) deadline(*Context) deadline.Action { return deadline.Stop }

func (m2mTopology) completed(c *Context, _ *StreamData) {
	c.m2mMu.Lock()
	c.m2mBusy = false
	c.m2mMu.Unlock()
	c.m2mKick()
}

// m2mKick starts the next frame when the engine is idle and the frame's
// buffer is composed. A frame whose command queue fails is aborted, outside
// m2mMu, and the next one tried.
func (c *Context) m2mKick() {
	for {
		sd, err := c.m2mNext()
		if sd == nil {
			return
		}
		c.abortFrame(sd, err)
	}
}

// m2mNext triggers one frame. It returns the frame and its error when the
// trigger failed.
func (c *Context) m2mNext() (*StreamData, error) {
	c.m2mMu.Lock()
	defer c.m2mMu.Unlock()

	if c.m2mBusy || !c.running.Load() || c.stopping.Load() {
		return nil, nil
	}

	c.pendMu.Lock()
	var next *StreamData
	if len(c.pending) > 0 {
		next = c.pending[0]
	}
	c.pendMu.Unlock()
	if next == nil {
		return nil, nil
	}
	if b, ok := c.bufs.PeekComposed(); !ok || b.FrameSeq != next.Seq {
		return nil, nil
	}

	sd := c.popPending(next.Seq)
	if sd == nil {
		return nil, nil
	}
	if err := c.insert(sd, state.M2MReady); err != nil {
		c.unpopPending(sd)
		return nil, nil
	}
	c.dispatchedSeq.Store(int64(sd.Seq))
	c.sensorSeq.Store(int64(sd.Seq))

	c.m2mBusy = true
	err := c.triggerCQ(c.cfg.Raw, sd, state.M2MReady, state.M2MCQ)
	if err == nil {
		return nil, nil
	}
	c.m2mBusy = false
	return sd, err
}
