// Package sim is a software stand-in for the camera hardware: an ISP whose
// engines raise interrupts when stepped, sensors that record their control
// writes, and request objects that count their references.
package sim

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/bufq"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

const (
	cqBase  = 0x4000_0000
	cqShift = 12
	// writeCntBits matches the controller's default write counter width.
	writeCntBits = 8
)

// CQ returns the command queue descriptor the sim composes for frame seq.
func CQ(seq int) bufq.CQDesc {
	return bufq.CQDesc{
		BaseAddr: cqBase + uint64(seq)<<cqShift,
		Size:     0x800,
		Offset:   0x40,
		SubSize:  0x200,
	}
}

// SeqOf recovers the frame sequence from a descriptor built by CQ.
func SeqOf(cq bufq.CQDesc) int {
	return int((cq.BaseAddr - cqBase) >> cqShift)
}

type engineState struct {
	streaming bool
	cqs       []int // applied, setting-done not raised yet
	cqDone    int
	buffer    int // last buffer pointed at (camsv, mraw)
	rawi      []int
	latched   int
	done      int
	writeCnt  int
	stall     int
	lose      map[int]bool
}

// ISP simulates the processing and capture engines. It implements
// ctrl.CommandQueue, ctrl.BufferApplier, ctrl.RawiTrigger and ctrl.Router.
//
// Engines do nothing on their own: Frame, Sub, Capture and Memory each run
// one frame period of one engine and raise its interrupts in hardware
// order.
type ISP struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	engines map[ctrl.Engine]*engineState
	events  []string
	handler func(ctrl.IRQInfo) error
	settle  func()
	failCQ  map[int]error
}

// NewISP builds an idle ISP. now stamps interrupts; nil uses time.Now.
func NewISP(log *slog.Logger, now func() time.Time) *ISP {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ISP{
		log:     log,
		now:     now,
		engines: make(map[ctrl.Engine]*engineState),
		failCQ:  make(map[int]error),
	}
}

// Connect sets where interrupts go. settle, if not nil, runs between
// interrupts that the hardware spaces out in time, so queued work can
// finish as it would on a real frame clock.
func (h *ISP) Connect(handler func(ctrl.IRQInfo) error, settle func()) {
	h.mu.Lock()
	h.handler = handler
	h.settle = settle
	h.mu.Unlock()
}

func (h *ISP) engine(e ctrl.Engine) *engineState {
	st, ok := h.engines[e]
	if !ok {
		st = &engineState{lose: make(map[int]bool)}
		h.engines[e] = st
	}
	return st
}

func (h *ISP) record(format string, args ...any) {
	h.events = append(h.events, fmt.Sprintf(format, args...))
}

// Events returns the hardware operations seen so far, oldest first.
func (h *ISP) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

// EventsWithPrefix filters Events.
func (h *ISP) EventsWithPrefix(prefix string) []string {
	var out []string
	for _, ev := range h.Events() {
		if strings.HasPrefix(ev, prefix) {
			out = append(out, ev)
		}
	}
	return out
}

// Streaming reports whether e is streaming.
func (h *ISP) Streaming(e ctrl.Engine) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine(e).streaming
}

// FailCQ makes the next ApplyCQ of frame seq fail.
func (h *ISP) FailCQ(seq int, err error) {
	h.mu.Lock()
	h.failCQ[seq] = err
	h.mu.Unlock()
}

// Stall keeps e from finishing or latching frames for n frame periods.
func (h *ISP) Stall(e ctrl.Engine, n int) {
	h.mu.Lock()
	h.engine(e).stall = n
	h.mu.Unlock()
}

// LoseFrameDone drops the frame-done interrupt of frame seq on e. The write
// counter still advances.
func (h *ISP) LoseFrameDone(e ctrl.Engine, seq int) {
	h.mu.Lock()
	h.engine(e).lose[seq] = true
	h.mu.Unlock()
}

// ApplyCQ implements ctrl.CommandQueue.
func (h *ISP) ApplyCQ(e ctrl.Engine, cq bufq.CQDesc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := SeqOf(cq)
	if err, ok := h.failCQ[seq]; ok {
		delete(h.failCQ, seq)
		h.record("cq_fail:%s:%d", e, seq)
		return err
	}
	st := h.engine(e)
	st.cqs = append(st.cqs, seq)
	h.record("cq:%s:%d", e, seq)
	return nil
}

// StreamOn implements ctrl.CommandQueue.
func (h *ISP) StreamOn(e ctrl.Engine, enable bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine(e).streaming = enable
	if enable {
		h.record("stream_on:%s", e)
	} else {
		h.record("stream_off:%s", e)
	}
	return nil
}

// ApplyBuffer implements ctrl.BufferApplier.
func (h *ISP) ApplyBuffer(e ctrl.Engine, seq int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine(e).buffer = seq
	h.record("buf:%s:%d", e, seq)
	return nil
}

// TriggerRawi implements ctrl.RawiTrigger.
func (h *ISP) TriggerRawi(e ctrl.Engine) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.engine(e)
	st.rawi = append(st.rawi, st.cqDone)
	h.record("rawi:%s:%d", e, st.cqDone)
	return nil
}

// ProgramMux implements ctrl.Router.
func (h *ISP) ProgramMux(settings []ctrl.MuxSetting) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	parts := make([]string, 0, len(settings))
	for _, s := range settings {
		op := "off"
		if s.Enable {
			op = "on"
		}
		parts = append(parts, fmt.Sprintf("%d>%s:%s", s.Source, s.Target, op))
	}
	h.record("mux:%s", strings.Join(parts, ","))
	return nil
}

// ToggleDBLoad implements ctrl.Router.
func (h *ISP) ToggleDBLoad(engines []ctrl.Engine) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	parts := make([]string, 0, len(engines))
	for _, e := range engines {
		parts = append(parts, e.String())
	}
	h.record("dbload:%s", strings.Join(parts, ","))
	return nil
}

func (h *ISP) raise(e ctrl.Engine, t ctrl.IRQType, idx, inner, writeCnt int) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler == nil {
		return
	}
	info := ctrl.IRQInfo{
		Engine:        e,
		Types:         t,
		FrameIdx:      idx,
		FrameInnerIdx: inner,
		WriteCnt:      uint32(writeCnt & (1<<writeCntBits - 1)),
		Timestamp:     h.now(),
	}
	if err := handler(info); err != nil {
		h.log.Debug("sim: interrupt refused", "engine", e.String(), "irq", t.String(), "error", err)
	}
}

func (h *ISP) settleNow() {
	h.mu.Lock()
	settle := h.settle
	h.mu.Unlock()
	if settle != nil {
		settle()
	}
}

// deliverCQ raises setting-done for every command queue applied on e.
func (h *ISP) deliverCQ(e ctrl.Engine) {
	h.mu.Lock()
	st := h.engine(e)
	cqs := st.cqs
	st.cqs = nil
	if len(cqs) > 0 {
		st.cqDone = cqs[len(cqs)-1]
	}
	h.mu.Unlock()
	for _, seq := range cqs {
		h.raise(e, ctrl.IRQSettingDone, seq, seq, 0)
	}
}

// finishFrame raises frame-done for the latched frame of e, unless it is
// stalled or the interrupt is set to be lost.
func (h *ISP) finishFrame(e ctrl.Engine) {
	h.mu.Lock()
	st := h.engine(e)
	if st.stall > 0 || st.latched <= st.done {
		h.mu.Unlock()
		return
	}
	seq := st.latched
	st.done = seq
	st.writeCnt = seq
	lost := st.lose[seq]
	delete(st.lose, seq)
	h.mu.Unlock()

	if lost {
		h.mu.Lock()
		h.record("lost_done:%s:%d", e, seq)
		h.mu.Unlock()
		return
	}
	h.raise(e, ctrl.IRQFrameDone, seq, seq, seq)
}

// startFrame latches next (when newer and not stalled) and raises SOF.
func (h *ISP) startFrame(e ctrl.Engine, next int) {
	h.mu.Lock()
	st := h.engine(e)
	if st.stall > 0 {
		st.stall--
	} else if next > st.latched {
		st.latched = next
	}
	inner, wc := st.latched, st.writeCnt
	h.mu.Unlock()
	h.raise(e, ctrl.IRQFrameStart, inner, inner, wc)
}

// Frame runs one frame period of a raw engine fed directly by a sensor:
// setting-done for pending command queues, frame-done for the latched
// frame, then SOF latching the newest configured frame.
func (h *ISP) Frame(e ctrl.Engine) {
	h.deliverCQ(e)
	h.finishFrame(e)
	h.settleNow()

	h.mu.Lock()
	next := h.engine(e).cqDone
	h.mu.Unlock()
	h.startFrame(e, next)
	h.deliverCQ(e)
}

// SubsampleFrame is Frame for a subsampled sensor: the subsample sensor
// window opens after the command queue lands and before the next SOF.
func (h *ISP) SubsampleFrame(e ctrl.Engine) {
	h.deliverCQ(e)

	h.mu.Lock()
	cqDone := h.engine(e).cqDone
	h.mu.Unlock()
	h.raise(e, ctrl.IRQSubsampleSensorSet, cqDone, cqDone, 0)
	h.settleNow()

	h.finishFrame(e)
	h.settleNow()
	h.startFrame(e, cqDone)
	h.deliverCQ(e)
}

// Sub runs one frame period of a camsv or mraw engine writing the buffer it
// was last pointed at.
func (h *ISP) Sub(e ctrl.Engine) {
	h.finishFrame(e)
	h.settleNow()

	h.mu.Lock()
	next := h.engine(e).buffer
	h.mu.Unlock()
	h.startFrame(e, next)
}

// Capture is Sub for a time-shared capture engine.
func (h *ISP) Capture(e ctrl.Engine) { h.Sub(e) }

// Memory runs a raw engine reading frames from memory: setting-done for
// pending command queues, then SOF and frame-done for each triggered read.
func (h *ISP) Memory(e ctrl.Engine) {
	h.deliverCQ(e)
	h.settleNow()

	h.mu.Lock()
	st := h.engine(e)
	reads := st.rawi
	st.rawi = nil
	h.mu.Unlock()

	for _, seq := range reads {
		h.raise(e, ctrl.IRQFrameStart, seq, seq, seq-1)
		h.mu.Lock()
		st.latched, st.done, st.writeCnt = seq, seq, seq
		h.mu.Unlock()
		h.raise(e, ctrl.IRQFrameDone, seq, seq, seq)
		h.settleNow()
	}
}
