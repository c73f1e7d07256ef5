// Package state holds the per-frame control state labels and the bounded,
// lock-guarded list the frame handlers scan.
package state

import "fmt"

// State is the control label of one frame in the pipeline.
//
// Labels are grouped in families (normal, subsample, time-shared, m2m). The
// family is encoded in the high nibble so that a label never collides with a
// label of another family.
type State int

// Normal family.
const (
	Ready State = iota
	Seninf
	Sensor
	CQ
	Outer
	CamMuxOuterCfg
	CamMuxOuter
	Inner
	DoneNormal
	CQSCQDelay
	CamMuxOuterCfgDelay
	OuterHWDelay
	InnerHWDelay
	DoneMismatch
)

// Subsample family.
const (
	SubsplReady State = 0x10 + iota
	SubsplSCQ
	SubsplOuter
	SubsplSensor
	SubsplInner
	SubsplDoneNormal
	SubsplSCQDelay
)

// Time-shared family.
const (
	TSReady State = 0x20 + iota
	TSSensor
	TSSV
	TSMem
	TSCQ
	TSInner
	TSDoneNormal
)

// M2M family.
const (
	M2MReady State = 0x30 + iota
	M2MCQ
	M2MOuter
	M2MInner
	M2MDone
)

// Family groups labels that belong to one capture topology.
type Family int

const (
	FamilyNormal Family = iota
	FamilySubsample
	FamilyTimeShared
	FamilyM2M
)

func (f Family) String() string {
	switch f {
	case FamilyNormal:
		return "normal"
	case FamilySubsample:
		return "subsample"
	case FamilyTimeShared:
		return "time_shared"
	case FamilyM2M:
		return "m2m"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// Family returns the family the label belongs to.
func (s State) Family() Family { return Family(s >> 4) }

var names = map[State]string{
	Ready:               "READY",
	Seninf:              "SENINF",
	Sensor:              "SENSOR",
	CQ:                  "CQ",
	Outer:               "OUTER",
	CamMuxOuterCfg:      "CAMMUX_OUTER_CFG",
	CamMuxOuter:         "CAMMUX_OUTER",
	Inner:               "INNER",
	DoneNormal:          "DONE_NORMAL",
	CQSCQDelay:          "CQ_SCQ_DELAY",
	CamMuxOuterCfgDelay: "CAMMUX_OUTER_CFG_DELAY",
	OuterHWDelay:        "OUTER_HW_DELAY",
	InnerHWDelay:        "INNER_HW_DELAY",
	DoneMismatch:        "DONE_MISMATCH",
	SubsplReady:         "SUBSPL_READY",
	SubsplSCQ:           "SUBSPL_SCQ",
	SubsplOuter:         "SUBSPL_OUTER",
	SubsplSensor:        "SUBSPL_SENSOR",
	SubsplInner:         "SUBSPL_INNER",
	SubsplDoneNormal:    "SUBSPL_DONE_NORMAL",
	SubsplSCQDelay:      "SUBSPL_SCQ_DELAY",
	TSReady:             "TS_READY",
	TSSensor:            "TS_SENSOR",
	TSSV:                "TS_SV",
	TSMem:               "TS_MEM",
	TSCQ:                "TS_CQ",
	TSInner:             "TS_INNER",
	TSDoneNormal:        "TS_DONE_NORMAL",
	M2MReady:            "M2M_READY",
	M2MCQ:               "M2M_CQ",
	M2MOuter:            "M2M_OUTER",
	M2MInner:            "M2M_INNER",
	M2MDone:             "M2M_DONE",
}

func (s State) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("STATE(%#x)", int(s))
}

// edges is the closed table of legal moves. Anything not listed is refused
// by Transition.
var edges = map[State][]State{
	Ready:               {Sensor, Seninf},
	Seninf:              {CamMuxOuterCfg},
	Sensor:              {CQ},
	CQ:                  {Outer, CQSCQDelay},
	CQSCQDelay:          {Outer},
	CamMuxOuterCfg:      {CamMuxOuter, CamMuxOuterCfgDelay},
	CamMuxOuterCfgDelay: {CamMuxOuter},
	Outer:               {Inner, OuterHWDelay},
	CamMuxOuter:         {Inner},
	OuterHWDelay:        {InnerHWDelay},
	Inner:               {DoneNormal, InnerHWDelay},
	InnerHWDelay:        {DoneMismatch},

	SubsplReady:    {SubsplSCQ},
	SubsplSCQ:      {SubsplOuter, SubsplSCQDelay},
	SubsplSCQDelay: {SubsplOuter},
	SubsplOuter:    {SubsplSensor},
	SubsplSensor:   {SubsplInner},
	SubsplInner:    {SubsplDoneNormal},

	TSReady:  {TSSensor},
	TSSensor: {TSSV},
	TSSV:     {TSMem},
	TSMem:    {TSCQ},
	TSCQ:     {TSInner},
	TSInner:  {TSDoneNormal},

	M2MReady: {M2MCQ},
	M2MCQ:    {M2MOuter},
	M2MOuter: {M2MInner},
	M2MInner: {M2MDone},
}

// Legal reports whether from→to is a whitelisted move.
func Legal(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// doneEdges maps the last in-flight label of each family to its terminal label.
var doneEdges = map[State]State{
	Inner:        DoneNormal,
	InnerHWDelay: DoneMismatch,
	SubsplInner:  SubsplDoneNormal,
	TSInner:      TSDoneNormal,
	M2MInner:     M2MDone,
}

// Terminal reports whether the label ends a frame's life in the pipeline.
func (s State) Terminal() bool {
	switch s {
	case DoneNormal, DoneMismatch, SubsplDoneNormal, TSDoneNormal, M2MDone:
		return true
	}
	return false
}

// ReachedInner reports whether the hardware has latched the frame, i.e. the
// label is an inner label or a terminal one.
func (s State) ReachedInner() bool {
	switch s {
	case Inner, InnerHWDelay, SubsplInner, TSInner, M2MInner:
		return true
	}
	return s.Terminal()
}
