package camctrl

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/bufq"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

// Re-exported from internal packages so hosts depend on one import path.
type (
	Config        = ctrl.Config
	Deps          = ctrl.Deps
	ContextConfig = ctrl.ContextConfig
	Engine        = ctrl.Engine
	Mode          = ctrl.Mode
	Feature       = ctrl.Feature
	SwitchType    = ctrl.SwitchType
	Request       = ctrl.Request
	StreamSpec    = ctrl.StreamSpec
	CQDesc        = bufq.CQDesc
	IRQInfo       = ctrl.IRQInfo
	IRQType       = ctrl.IRQType
	FrameResult   = ctrl.FrameResult
	FrameRecord   = ctrl.FrameRecord
	FrameStatus   = ctrl.FrameStatus
	ControlSet    = ctrl.ControlSet
	Stats         = ctrl.Stats
	ContextStats  = ctrl.ContextStats
	ErrorCategory = ctrl.ErrorCategory

	Sensor        = ctrl.Sensor
	FrameSyncer   = ctrl.FrameSyncer
	CommandQueue  = ctrl.CommandQueue
	BufferApplier = ctrl.BufferApplier
	RawiTrigger   = ctrl.RawiTrigger
	Router        = ctrl.Router
	RequestObject = ctrl.RequestObject
	ControlObject = ctrl.ControlObject
	Notifier      = ctrl.Notifier
	Consumer      = ctrl.Consumer
)

// Capture topologies.
const (
	ModeNormal     = ctrl.ModeNormal
	ModeStagger    = ctrl.ModeStagger
	ModeMstream    = ctrl.ModeMstream
	ModeSubsample  = ctrl.ModeSubsample
	ModeTimeShared = ctrl.ModeTimeShared
	ModeM2M        = ctrl.ModeM2M
)

// Frame and request outcomes.
const (
	StatusNormal   = ctrl.StatusNormal
	StatusMismatch = ctrl.StatusMismatch
	StatusError    = ctrl.StatusError
)

// Errors returned by Controller methods.
var (
	ErrNotStarted     = ctrl.ErrNotStarted
	ErrAlreadyStarted = ctrl.ErrAlreadyStarted
	ErrStreamStopped  = ctrl.ErrStreamStopped
	ErrUnknownStream  = ctrl.ErrUnknownStream
	ErrInvalidIndex   = ctrl.ErrInvalidIndex
	ErrInvalidConfig  = ctrl.ErrInvalidConfig
	ErrNoBuffer       = ctrl.ErrNoBuffer
)

// Controller is the public interface of the frame control core.
//
// Lifecycle: New() → Enqueue()... → Start() → HandleIRQ()/Enqueue() → Stop().
// A stopped controller is not restarted; build a new one.
//
// Thread-safety: all methods are safe for concurrent use. Consumer and
// Notifier callbacks run on controller goroutines and must not call Stop.
type Controller interface {
	// Start streams every context on. Requests enqueued before Start are
	// the first frames to reach the hardware.
	Start(ctx context.Context) error

	// Stop cancels timers, drains the workers, finishes in-flight frames
	// with an error status and streams the engines off. Idempotent.
	Stop()

	// Enqueue assigns frame sequences to req on every context it names and
	// queues it for dispatch.
	Enqueue(req *Request) error

	// Composed hands over the command queue of frame seq when the request
	// was enqueued without buffers.
	Composed(streamID, seq int, cq CQDesc) error

	// HandleIRQ routes one interrupt to the context owning its engine.
	// Never blocks on sensor I/O.
	HandleIRQ(info IRQInfo) error

	// Sync waits until the sensor and frame-done work queued by earlier
	// interrupts has run.
	Sync()

	// Stats returns a snapshot of every context.
	Stats() Stats
}

// New builds a controller. Nothing runs until Start.
func New(cfg Config, deps Deps) (Controller, error) {
	return ctrl.NewSystem(cfg, deps)
}

// NewRequest builds a request for the given contexts. obj may be nil.
func NewRequest(obj RequestObject, specs ...StreamSpec) *Request {
	return ctrl.NewRequest(obj, specs...)
}

// LoadContexts reads the contexts section of a YAML configuration file.
func LoadContexts(path string) ([]ContextConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.ControllerContexts()
}

// ParseEngine parses an engine name such as "raw0" or "camsv2".
func ParseEngine(s string) (Engine, error) { return ctrl.ParseEngine(s) }

// Classify returns the fault category of an error returned or recorded by
// the controller.
func Classify(err error) ErrorCategory { return ctrl.Classify(err) }

// IsStopped reports whether err means the controller was stopped.
func IsStopped(err error) bool { return ctrl.IsStopped(err) }
