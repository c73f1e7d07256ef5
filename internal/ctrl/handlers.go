package ctrl

// handleRaw dispatches an interrupt of the context's own processing engine.
func (c *Context) handleRaw(ev Event) {
	switch e := ev.(type) {
	case SettingDone:
		c.topo.settingDone(c, e)
	case AFODone:
		c.metaDone(e)
	case FrameDone:
		c.topo.frameDone(c, e)
	case FrameStart:
		// Before the first command-queue done, a SOF carries no frame.
		if e.Slave || !c.streaming.Load() {
			return
		}
		c.topo.frameStart(c, e)
	case SubsampleSensorSet:
		c.topo.subsampleSensorSet(c, e)
	case FrameDrop:
		c.frameDrop(e)
	}
}

// handleCapture dispatches an interrupt of a time-shared context's camsv
// capture engine.
func (c *Context) handleCapture(ev Event) {
	switch e := ev.(type) {
	case FrameStart:
		if e.Slave || !c.streaming.Load() {
			return
		}
		c.tsCaptureFrameStart(e)
	case FrameDone:
		c.tsCaptureFrameDone(e)
	case AFODone:
		c.metaDone(e)
	case FrameDrop:
		c.frameDrop(e)
	case SettingDone, SubsampleSensorSet:
	}
}
