package ctrl

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/bufq"
)

// Sensor is the image sensor behind a capture context.
type Sensor interface {
	// FrameInterval returns the frame period as num/den seconds.
	FrameInterval() (num, den int)
	// ApplyControls writes one frame's control set. Called from the sensor
	// worker only, never concurrently for the same sensor.
	ApplyControls(ctx context.Context, set ControlSet) error
}

// FrameSyncer is implemented by sensors that can join a multi-sensor
// synchronized group.
type FrameSyncer interface {
	SetFrameSync(ctx context.Context, on bool) error
}

// CommandQueue programs the processing engines.
type CommandQueue interface {
	ApplyCQ(engine Engine, cq bufq.CQDesc) error
	StreamOn(engine Engine, enable bool) error
}

// BufferApplier is implemented by command queues that can point a camsv or
// mraw engine at the image buffer of a frame.
type BufferApplier interface {
	ApplyBuffer(engine Engine, seq int) error
}

// RawiTrigger is implemented by command queues that can start a
// memory-to-memory read pass.
type RawiTrigger interface {
	TriggerRawi(engine Engine) error
}

// MuxSetting routes one sensor interface output to one engine.
type MuxSetting struct {
	Source int // sensor interface pad
	Target Engine
	Tag    int
	Enable bool
}

// Router reprograms the sensor-interface mux for exposure switches.
type Router interface {
	ProgramMux(settings []MuxSetting) error
	ToggleDBLoad(engines []Engine) error
}

// ControlObject is one user control attached to a request.
type ControlObject interface {
	Complete()
}

// RequestObject is the host's handle for a request.
type RequestObject interface {
	Get()
	Put()
	Controls(streamID int) []ControlObject
}

// Notifier receives pipe-level events.
type Notifier interface {
	FrameSync(pipe string, seq int)
	EndOfStream(pipe string, seq int)
	RequestDrained(pipe string)
}

// Consumer receives completed requests and meta buffers.
type Consumer interface {
	FrameDone(result FrameResult)
	MetaDone(pipe Engine, seq int)
}

type nopNotifier struct{}

func (nopNotifier) FrameSync(string, int)   {}
func (nopNotifier) EndOfStream(string, int) {}
func (nopNotifier) RequestDrained(string)   {}

type nopConsumer struct{}

func (nopConsumer) FrameDone(FrameResult) {}
func (nopConsumer) MetaDone(Engine, int)  {}
