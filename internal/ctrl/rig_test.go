package ctrl_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/bufq"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/sim"
)

var (
	raw0   = ctrl.Engine{Class: ctrl.ClassRaw, Index: 0}
	raw1   = ctrl.Engine{Class: ctrl.ClassRaw, Index: 1}
	raw2   = ctrl.Engine{Class: ctrl.ClassRaw, Index: 2}
	camsv0 = ctrl.Engine{Class: ctrl.ClassCamsv, Index: 0}
	camsv2 = ctrl.Engine{Class: ctrl.ClassCamsv, Index: 2}
	camsv3 = ctrl.Engine{Class: ctrl.ClassCamsv, Index: 3}
)

// rig wires a System to the simulated ISP on a fake clock. Every frame
// period is driven by the test; Sync runs between interrupts so queued
// work lands the way it would within a real frame.
type rig struct {
	t       *testing.T
	clock   *deadline.FakeClock
	isp     *sim.ISP
	rec     *sim.Recorder
	sensors map[int]*sim.Sensor
	sys     *ctrl.System
	next    map[int]int
	period  time.Duration
	reqs    []*rigRequest
}

type rigRequest struct {
	req *ctrl.Request
	obj *sim.Request
}

func newRig(t *testing.T, fps int, contexts ...ctrl.ContextConfig) *rig {
	t.Helper()
	r := &rig{
		t:       t,
		clock:   deadline.NewFakeClock(time.Unix(1_700_000_000, 0)),
		rec:     &sim.Recorder{},
		sensors: make(map[int]*sim.Sensor),
		next:    make(map[int]int),
		period:  time.Second / time.Duration(fps),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r.isp = sim.NewISP(log, r.clock.Now)

	deps := ctrl.Deps{
		Sensors:  make(map[int]ctrl.Sensor),
		CQ:       r.isp,
		Router:   r.isp,
		Notifier: r.rec,
		Consumer: r.rec,
	}
	for _, cc := range contexts {
		r.next[cc.StreamID] = 1
		if cc.Mode == ctrl.ModeM2M {
			continue
		}
		s := sim.NewSensor(fps)
		r.sensors[cc.StreamID] = s
		deps.Sensors[cc.StreamID] = s
	}

	sys, err := ctrl.NewSystem(ctrl.Config{Contexts: contexts, Clock: r.clock, Logger: log}, deps)
	if err != nil {
		t.Fatalf("NewSystem() failed: %v", err)
	}
	r.sys = sys
	r.isp.Connect(sys.HandleIRQ, sys.Sync)
	t.Cleanup(sys.Stop)
	return r
}

// enqueue queues one request on streamID with its buffers composed.
func (r *rig) enqueue(streamID int, f ctrl.Feature, frames int) *rigRequest {
	r.t.Helper()
	bufs := make([]bufq.CQDesc, frames)
	for i := range bufs {
		bufs[i] = sim.CQ(r.next[streamID] + i)
	}
	obj := sim.NewRequest(streamID)
	req := ctrl.NewRequest(obj, ctrl.StreamSpec{StreamID: streamID, Feature: f, Buffers: bufs})
	if err := r.sys.Enqueue(req); err != nil {
		r.t.Fatalf("Enqueue(stream %d) failed: %v", streamID, err)
	}
	r.next[streamID] += frames
	rr := &rigRequest{req: req, obj: obj}
	r.reqs = append(r.reqs, rr)
	return rr
}

func (r *rig) enqueueN(streamID, n int) {
	for i := 0; i < n; i++ {
		r.enqueue(streamID, ctrl.Feature{}, 1)
	}
}

func (r *rig) start() {
	r.t.Helper()
	if err := r.sys.Start(context.Background()); err != nil {
		r.t.Fatalf("Start() failed: %v", err)
	}
}

// tick lets one frame period pass on the clock.
func (r *rig) tick() {
	r.clock.Advance(r.period)
	r.sys.Sync()
}

// frames runs n frame periods of a raw engine and its sub pipes.
func (r *rig) frames(n int, raw ctrl.Engine, subs ...ctrl.Engine) {
	for i := 0; i < n; i++ {
		r.isp.Frame(raw)
		for _, s := range subs {
			r.isp.Sub(s)
		}
		r.tick()
	}
}

func (r *rig) stats(streamID int) ctrl.ContextStats {
	r.t.Helper()
	for _, cs := range r.sys.Stats().Contexts {
		if cs.StreamID == streamID {
			return cs
		}
	}
	r.t.Fatalf("no stats for stream %d", streamID)
	return ctrl.ContextStats{}
}

// result returns the completion of rr or fails the test.
func (r *rig) result(rr *rigRequest) ctrl.FrameResult {
	r.t.Helper()
	res, ok := r.rec.Result(rr.req.ID())
	if !ok {
		r.t.Fatalf("request %s not completed", rr.req.ID())
	}
	return res
}
