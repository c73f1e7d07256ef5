package ctrl

import (
	"context"
)

// handleSub dispatches an interrupt of a camsv or mraw sub pipe.
func (c *Context) handleSub(ev Event) {
	switch e := ev.(type) {
	case FrameStart:
		if e.Slave || !c.streaming.Load() {
			return
		}
		c.notifier.FrameSync(e.Engine.String(), e.FrameInnerIdx)
		c.subFrameStart(e.Engine)
	case FrameDone:
		c.subFrameDone(e.Engine, e.FrameInnerIdx)
	case AFODone:
		c.metaDone(e)
	case FrameDrop:
		c.frameDrop(e)
	case SettingDone, SubsampleSensorSet:
	}
}

// subFrameStart points the sub pipe at the buffer of every frame whose main
// command queue has been applied.
func (c *Context) subFrameStart(engine Engine) {
	last := int(c.lastCQSeq.Load())

	c.pendMu.Lock()
	var due []*StreamData
	for _, sd := range c.subs[engine] {
		if sd.Seq > last {
			break
		}
		if sd.applied.CompareAndSwap(false, true) {
			due = append(due, sd)
		}
	}
	c.pendMu.Unlock()

	ba, ok := c.cq.(BufferApplier)
	for _, sd := range due {
		if !ok {
			continue
		}
		if err := ba.ApplyBuffer(engine, sd.Seq); err != nil {
			sd.setErr(err)
			c.countError(CategoryDevice)
			c.log.Error("camctrl: sub pipe buffer not applied", "engine", engine.String(), "frame_seq", sd.Seq, "error", err)
		}
	}
}

// subFrameDone finishes every sub pipe frame up to seq. Only the frame the
// engine reported finishes normally; older ones missed their capture.
func (c *Context) subFrameDone(engine Engine, seq int) {
	c.pendMu.Lock()
	list := c.subs[engine]
	n := 0
	for n < len(list) && list[n].Seq <= seq {
		n++
	}
	done := list[:n:n]
	c.subs[engine] = list[n:]
	c.pendMu.Unlock()

	if len(done) == 0 {
		c.counters.stale.Add(1)
		c.log.Debug("camctrl: sub pipe frame done for untracked frame", "engine", engine.String(), "frame_seq", seq)
		return
	}
	c.doneQ.Submit(func(context.Context) {
		for _, sd := range done {
			status := StatusNormal
			if sd.Seq != seq || !sd.applied.Load() {
				status = StatusMismatch
			}
			sd.finish(status, nil)
		}
	})
}
