package ctrl

import (
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

var (
	// ErrUnknownStream is returned for a stream id no context owns.
	ErrUnknownStream = errors.New("camctrl: unknown stream")

	// ErrInvalidIndex is returned for an out-of-range frame or exposure index.
	ErrInvalidIndex = errors.New("camctrl: invalid index")

	// ErrNotStarted is returned by operations that need a running controller.
	ErrNotStarted = errors.New("camctrl: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("camctrl: already started")

	// ErrStreamStopped is reported for requests still in flight at Stop.
	ErrStreamStopped = errors.New("camctrl: stream stopped")

	// ErrNoRouter is returned when a switch frame is queued without a Router.
	ErrNoRouter = errors.New("camctrl: exposure switch needs a router")

	// ErrInvalidConfig wraps context configuration problems.
	ErrInvalidConfig = errors.New("camctrl: invalid config")

	// ErrNoBuffer reports a frame whose command queue was not composed in
	// time to be applied.
	ErrNoBuffer = errors.New("camctrl: command queue not composed")

	// errNotAdvanced reports a frame that left the label a command queue
	// trigger expected; nothing was applied.
	errNotAdvanced = errors.New("camctrl: frame not at trigger label")
)

// ErrorCategory classifies handled faults for logs and metrics.
type ErrorCategory int

const (
	// CategoryStale marks events for frames no longer tracked.
	CategoryStale ErrorCategory = iota
	// CategorySWDelay marks software not keeping up with the frame clock.
	CategorySWDelay
	// CategoryHWIncomplete marks hardware that did not finish a frame in time.
	CategoryHWIncomplete
	// CategoryInvalid marks bad caller input.
	CategoryInvalid
	// CategoryResource marks capacity exhaustion.
	CategoryResource
	// CategoryDevice marks collaborator I/O failures.
	CategoryDevice
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryStale:
		return "stale"
	case CategorySWDelay:
		return "sw_delay"
	case CategoryHWIncomplete:
		return "hw_incomplete"
	case CategoryInvalid:
		return "invalid"
	case CategoryResource:
		return "resource"
	case CategoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by this package to its category.
func Classify(err error) ErrorCategory {
	switch {
	case errors.Is(err, state.ErrListFull):
		return CategoryResource
	case errors.Is(err, ErrUnknownStream),
		errors.Is(err, ErrInvalidIndex),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrNoRouter),
		errors.Is(err, ErrNoRequest):
		return CategoryInvalid
	case errors.Is(err, ErrNoBuffer):
		return CategorySWDelay
	case errors.Is(err, ErrStreamStopped), errors.Is(err, errNotAdvanced):
		return CategoryStale
	default:
		return CategoryDevice
	}
}

// ErrNoRequest is returned by Start when a context has no composed request
// for its first frame.
var ErrNoRequest = errors.New("camctrl: no request queued for first frame")
