package ctrl

import (
	"strings"
	"time"
)

// IRQType is the interrupt cause bitmask reported by an engine.
type IRQType uint32

const (
	IRQFrameStart IRQType = 1 << iota
	IRQFrameDone
	IRQSettingDone
	IRQAFODone
	IRQFrameDrop
	IRQSubsampleSensorSet
)

var irqNames = []struct {
	bit  IRQType
	name string
}{
	{IRQFrameStart, "frame_start"},
	{IRQFrameDone, "frame_done"},
	{IRQSettingDone, "setting_done"},
	{IRQAFODone, "afo_done"},
	{IRQFrameDrop, "frame_drop"},
	{IRQSubsampleSensorSet, "subsample_sensor_set"},
}

func (t IRQType) String() string {
	var parts []string
	for _, n := range irqNames {
		if t&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// IRQInfo is one interrupt as delivered by an engine.
type IRQInfo struct {
	Engine Engine
	Types  IRQType
	// FrameIdx is the sequence of the latest command queue the engine
	// accepted (outer).
	FrameIdx int
	// FrameInnerIdx is the sequence the engine is processing (inner).
	FrameInnerIdx int
	// WriteCnt is the engine's wrapping count of completed DMA writes.
	WriteCnt uint32
	// Slave is set for the follower engine of a multi-engine pipe.
	Slave     bool
	Timestamp time.Time
}

// Event is one decoded interrupt cause.
type Event interface {
	Info() IRQInfo
	event()
}

type (
	// SettingDone reports the hardware consumed a command queue.
	SettingDone struct{ IRQInfo }
	// AFODone reports the statistics meta buffer is written.
	AFODone struct{ IRQInfo }
	// FrameDone reports the engine finished writing a frame.
	FrameDone struct{ IRQInfo }
	// FrameStart is the engine's start of frame.
	FrameStart struct{ IRQInfo }
	// SubsampleSensorSet is the window for subsampled sensor writes.
	SubsampleSensorSet struct{ IRQInfo }
	// FrameDrop reports the engine dropped a frame.
	FrameDrop struct{ IRQInfo }
)

func (e SettingDone) Info() IRQInfo        { return e.IRQInfo }
func (e AFODone) Info() IRQInfo            { return e.IRQInfo }
func (e FrameDone) Info() IRQInfo          { return e.IRQInfo }
func (e FrameStart) Info() IRQInfo         { return e.IRQInfo }
func (e SubsampleSensorSet) Info() IRQInfo { return e.IRQInfo }
func (e FrameDrop) Info() IRQInfo          { return e.IRQInfo }

func (SettingDone) event()        {}
func (AFODone) event()            {}
func (FrameDone) event()          {}
func (FrameStart) event()         {}
func (SubsampleSensorSet) event() {}
func (FrameDrop) event()          {}

// Decode splits an interrupt into events in handling order: a command
// queue completion is seen before the frame-done and SOF it shares an
// interrupt with.
func Decode(info IRQInfo) []Event {
	out := make([]Event, 0, 2)
	if info.Types&IRQSettingDone != 0 {
		out = append(out, SettingDone{info})
	}
	if info.Types&IRQAFODone != 0 {
		out = append(out, AFODone{info})
	}
	if info.Types&IRQFrameDone != 0 {
		out = append(out, FrameDone{info})
	}
	if info.Types&IRQFrameStart != 0 {
		out = append(out, FrameStart{info})
	}
	if info.Types&IRQSubsampleSensorSet != 0 {
		out = append(out, SubsampleSensorSet{info})
	}
	if info.Types&IRQFrameDrop != 0 {
		out = append(out, FrameDrop{info})
	}
	return out
}
