package ctrl

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

// topology is the per-mode behavior of a capture context, selected once
// when the context is built.
type topology interface {
	mode() Mode
	needsSensor() bool
	// framesPerRequest is how many main-pipe frames one request occupies.
	framesPerRequest(f Feature) int
	// readyState is the label a frame enters the list with.
	readyState() state.State
	// sensorEdge is the move the sensor worker applies after writing.
	sensorEdge(sd *StreamData) (from, to state.State)
	// dispatchBlock returns why the next sensor dispatch must wait, or "".
	dispatchBlock(tx *state.Tx, sensorSeq int) string

	start(ctx context.Context, c *Context) error
	admitted(c *Context)
	frameStart(c *Context, ev FrameStart)
	settingDone(c *Context, ev SettingDone)
	frameDone(c *Context, ev FrameDone)
	subsampleSensorSet(c *Context, ev SubsampleSensorSet)
	deadline(c *Context) deadline.Action
	completed(c *Context, sd *StreamData)
}

func newTopology(m Mode) topology {
	switch m {
	case ModeStagger:
		return staggerTopology{}
	case ModeMstream:
		return mstreamTopology{}
	case ModeSubsample:
		return subsampleTopology{}
	case ModeTimeShared:
		return timeSharedTopology{}
	case ModeM2M:
		return m2mTopology{}
	default:
		return normalTopology{}
	}
}

// rawTopology is the normal-family flow shared by normal, stagger and
// mstream contexts.
type rawTopology struct{}

func (rawTopology) needsSensor() bool               { return true }
func (rawTopology) framesPerRequest(Feature) int    { return 1 }
func (rawTopology) readyState() state.State         { return state.Ready }
func (rawTopology) admitted(*Context)               {}
func (rawTopology) completed(*Context, *StreamData) {}

func (rawTopology) sensorEdge(sd *StreamData) (state.State, state.State) {
	if sd.Feature.Switch != SwitchNone {
		return state.Ready, state.Seninf
	}
	return state.Ready, state.Sensor
}

// dispatchBlock checks the two frames behind the next dispatch.
//
// Refusals:
//   - seq-0 command queue not done: tagged CQ_SCQ_DELAY
//   - seq-0 mux change not done: tagged CAMMUX_OUTER_CFG_DELAY
//   - seq-0 sensor applied but no command queue yet
//   - seq-1 not latched by the engine
func (rawTopology) dispatchBlock(tx *state.Tx, seq int) string {
	if e := tx.Find(seq); e != nil {
		switch tx.State(e) {
		case state.CQ:
			tx.Transition(e, state.CQ, state.CQSCQDelay)
			return "command queue not done"
		case state.CQSCQDelay:
			return "command queue not done"
		case state.CamMuxOuterCfg:
			tx.Transition(e, state.CamMuxOuterCfg, state.CamMuxOuterCfgDelay)
			return "mux change in progress"
		case state.Seninf, state.CamMuxOuterCfgDelay:
			return "mux change in progress"
		case state.Sensor:
			return "command queue not triggered"
		}
	}
	if e := tx.Find(seq - 1); e != nil && !tx.State(e).ReachedInner() {
		return "previous frame not latched"
	}
	return ""
}

func (rawTopology) start(ctx context.Context, c *Context) error {
	return c.startRaw(ctx)
}

func (rawTopology) frameStart(c *Context, ev FrameStart) {
	c.rawFrameStart(ev)
}

func (rawTopology) settingDone(c *Context, ev SettingDone) {
	c.markCQDone(ev.FrameIdx)
}

func (rawTopology) frameDone(c *Context, ev FrameDone) {
	c.rawFrameDone(ev)
}

func (rawTopology) subsampleSensorSet(c *Context, ev SubsampleSensorSet) {
	c.log.Debug("camctrl: subsample sensor window on non-subsample stream", "frame_seq", ev.FrameIdx)
}

func (rawTopology) deadline(*Context) deadline.Action { return deadline.Continue }

type normalTopology struct{ rawTopology }

func (normalTopology) mode() Mode { return ModeNormal }

// staggerTopology captures 2 or 3 exposures per frame, earlier exposures
// through camsv sub pipes; exposure switches are allowed.
type staggerTopology struct{ rawTopology }

func (staggerTopology) mode() Mode { return ModeStagger }

// mstreamTopology runs each exposure of a request as its own frame on the
// raw engine.
type mstreamTopology struct{ rawTopology }

func (mstreamTopology) mode() Mode { return ModeMstream }

func (mstreamTopology) framesPerRequest(Feature) int { return 2 }
