// Package ctrl implements the per-frame control of camera capture contexts:
// start-of-frame, command-queue-done and frame-done handling, the deadline
// timer driven sensor dispatch, exposure switching, and the topology
// variants (normal, stagger, mstream, subsample, time-shared, m2m).
package ctrl

import (
	"fmt"
	"strconv"
	"strings"
)

// EngineClass is the kind of hardware block raising interrupts.
type EngineClass int

const (
	ClassRaw EngineClass = iota
	ClassCamsv
	ClassMraw
	ClassSeninf
)

func (c EngineClass) String() string {
	switch c {
	case ClassRaw:
		return "raw"
	case ClassCamsv:
		return "camsv"
	case ClassMraw:
		return "mraw"
	case ClassSeninf:
		return "seninf"
	default:
		return "engine"
	}
}

// Engine identifies one hardware block, e.g. raw0 or camsv2.
type Engine struct {
	Class EngineClass
	Index int
}

func (e Engine) String() string {
	return e.Class.String() + strconv.Itoa(e.Index)
}

// ParseEngine parses the String form of an Engine.
func ParseEngine(s string) (Engine, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range []EngineClass{ClassCamsv, ClassMraw, ClassSeninf, ClassRaw} {
		prefix := c.String()
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		idx, err := strconv.Atoi(s[len(prefix):])
		if err != nil || idx < 0 {
			return Engine{}, fmt.Errorf("camctrl: invalid engine index in %q", s)
		}
		return Engine{Class: c, Index: idx}, nil
	}
	return Engine{}, fmt.Errorf("camctrl: unknown engine %q", s)
}

// Mode is the capture topology of a context.
type Mode int

const (
	ModeNormal Mode = iota
	ModeStagger
	ModeMstream
	ModeSubsample
	ModeTimeShared
	ModeM2M
)

var modeNames = map[Mode]string{
	ModeNormal:     "normal",
	ModeStagger:    "stagger",
	ModeMstream:    "mstream",
	ModeSubsample:  "subsample",
	ModeTimeShared: "time_shared",
	ModeM2M:        "m2m",
}

func (m Mode) String() string {
	if n, ok := modeNames[m]; ok {
		return n
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode parses the String form of a Mode.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeNormal, nil
	}
	for m, n := range modeNames {
		if n == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("camctrl: unknown topology %q", s)
}

// SwitchType is an exposure-count change applied at a frame boundary.
type SwitchType int

const (
	SwitchNone SwitchType = iota
	Switch1To2
	Switch1To3
	Switch2To1
	Switch2To3
	Switch3To1
	Switch3To2
)

func (s SwitchType) String() string {
	switch s {
	case SwitchNone:
		return "none"
	case Switch1To2:
		return "1to2"
	case Switch1To3:
		return "1to3"
	case Switch2To1:
		return "2to1"
	case Switch2To3:
		return "2to3"
	case Switch3To1:
		return "3to1"
	case Switch3To2:
		return "3to2"
	default:
		return "switch(" + strconv.Itoa(int(s)) + ")"
	}
}

// SwitchBetween returns the switch moving from one exposure count to another.
func SwitchBetween(from, to int) SwitchType {
	switch {
	case from == 1 && to == 2:
		return Switch1To2
	case from == 1 && to == 3:
		return Switch1To3
	case from == 2 && to == 1:
		return Switch2To1
	case from == 2 && to == 3:
		return Switch2To3
	case from == 3 && to == 1:
		return Switch3To1
	case from == 3 && to == 2:
		return Switch3To2
	default:
		return SwitchNone
	}
}

// Source returns the exposure count before the switch.
func (s SwitchType) Source() int {
	switch s {
	case Switch1To2, Switch1To3:
		return 1
	case Switch2To1, Switch2To3:
		return 2
	case Switch3To1, Switch3To2:
		return 3
	default:
		return 0
	}
}

// Target returns the exposure count after the switch.
func (s SwitchType) Target() int {
	switch s {
	case Switch2To1, Switch3To1:
		return 1
	case Switch1To2, Switch3To2:
		return 2
	case Switch1To3, Switch2To3:
		return 3
	default:
		return 0
	}
}

// Feature describes how one frame is captured.
type Feature struct {
	Mode           Mode
	Exposures      int
	Switch         SwitchType
	SubsampleRatio int
}

// ControlSet is what the sensor worker hands to the sensor for one frame.
type ControlSet struct {
	StreamID        int
	FrameSeq        int
	Exposures       int
	Switch          SwitchType
	ShutterGainOnly bool
	TraceID         string
	Controls        []ControlObject
}

// FrameStatus is the outcome of a frame or a request.
type FrameStatus int

const (
	StatusNormal FrameStatus = iota
	StatusMismatch
	StatusError
)

func (s FrameStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusMismatch:
		return "mismatch"
	case StatusError:
		return "error"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

// FrameRecord is the outcome of one stream data of a request.
type FrameRecord struct {
	StreamID int
	Pipe     Engine
	Seq      int
	ExpIndex int
	Status   FrameStatus
	Err      error
}

// FrameResult is delivered to the Consumer once every stream data of a
// request is done.
type FrameResult struct {
	RequestID string
	Object    RequestObject
	Status    FrameStatus
	Err       error
	Frames    []FrameRecord
}
