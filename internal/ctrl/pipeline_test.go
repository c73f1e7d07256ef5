package ctrl_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/bufq"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/sim"
)

func normalStream(id int, raw ctrl.Engine) ctrl.ContextConfig {
	return ctrl.ContextConfig{StreamID: id, Mode: ctrl.ModeNormal, Raw: raw}
}

func seqsOf(writes []ctrl.ControlSet) []int {
	out := make([]int, 0, len(writes))
	for _, w := range writes {
		out = append(out, w.FrameSeq)
	}
	return out
}

func indexOf(events []string, want string) int {
	for i, ev := range events {
		if ev == want {
			return i
		}
	}
	return -1
}

// TestSteadyStateCompletesInOrder runs a 30 fps stream with the pipeline
// always ahead of the hardware.
//
// Scenario:
//  1. Queue 6 single-frame requests, start
//  2. Run 10 frame periods
//  3. Assert: every request completes normally, in order
//  4. Assert: sensor writes and command queues follow sequence order
//  5. Assert: every reference taken on a request is given back
func TestSteadyStateCompletesInOrder(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.enqueueN(1, 6)
	r.start()
	r.frames(10, raw0)

	results := r.rec.Results()
	if len(results) != 6 {
		t.Fatalf("completed %d requests, want 6", len(results))
	}
	for i, rr := range r.reqs {
		if results[i].RequestID != rr.req.ID() {
			t.Errorf("completion %d is %s, want %s", i, results[i].RequestID, rr.req.ID())
		}
		if results[i].Status != ctrl.StatusNormal {
			t.Errorf("request %d status = %s, want normal", i+1, results[i].Status)
		}
		if got := rr.obj.Refs(); got != 0 {
			t.Errorf("request %d holds %d refs after completion", i+1, got)
		}
		if got := rr.obj.MaxRefs(); got != 2 {
			t.Errorf("request %d peaked at %d refs, want 2 (enqueue + list)", i+1, got)
		}
		if !rr.obj.ControlsDone(1) {
			t.Errorf("request %d controls not completed", i+1)
		}
	}

	if diff := cmp.Diff([]int{1, 2, 3, 4, 5, 6}, seqsOf(r.sensors[1].Writes())); diff != "" {
		t.Errorf("sensor writes (-want +got):\n%s", diff)
	}
	var wantCQ []string
	for seq := 1; seq <= 6; seq++ {
		wantCQ = append(wantCQ, fmt.Sprintf("cq:raw0:%d", seq))
	}
	if diff := cmp.Diff(wantCQ, r.isp.EventsWithPrefix("cq:")); diff != "" {
		t.Errorf("command queues (-want +got):\n%s", diff)
	}
	if got := r.isp.EventsWithPrefix("stream_on:"); len(got) != 1 {
		t.Errorf("stream on events = %v, want exactly one", got)
	}

	st := r.stats(1)
	if st.FramesDone != 6 || st.HWDelay != 0 || st.Mismatch != 0 {
		t.Errorf("stats done=%d hw_delay=%d mismatch=%d, want 6/0/0", st.FramesDone, st.HWDelay, st.Mismatch)
	}
	if st.InFlight != 0 {
		t.Errorf("%d frames left in flight", st.InFlight)
	}
}

// TestHardwareDelayMarksMismatch stalls the engine for one frame period
// while frame 3 is being processed.
//
// Scenario:
//  1. Run until frame 3 is latched
//  2. Stall the engine one frame: no frame-done, no new latch
//  3. Assert: frame 3 completes as DONE_MISMATCH once the engine resumes
//  4. Assert: the stream recovers and later frames complete normally
func TestHardwareDelayMarksMismatch(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.enqueueN(1, 8)
	r.start()
	r.frames(4, raw0)

	r.isp.Stall(raw0, 1)
	r.frames(8, raw0)

	for i, rr := range r.reqs {
		want := ctrl.StatusNormal
		if i == 2 {
			want = ctrl.StatusMismatch
		}
		if got := r.result(rr).Status; got != want {
			t.Errorf("request %d status = %s, want %s", i+1, got, want)
		}
	}
	st := r.stats(1)
	if st.HWDelay != 1 {
		t.Errorf("hw delay count = %d, want 1", st.HWDelay)
	}
	if st.Mismatch != 1 {
		t.Errorf("mismatch count = %d, want 1", st.Mismatch)
	}
}

// TestLostFrameDoneRecovered drops the frame-done interrupt of frame 3; the
// write counter still shows the frame written.
func TestLostFrameDoneRecovered(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.enqueueN(1, 6)
	r.isp.LoseFrameDone(raw0, 3)
	r.start()
	r.frames(10, raw0)

	results := r.rec.Results()
	if len(results) != 6 {
		t.Fatalf("completed %d requests, want 6", len(results))
	}
	for i, rr := range r.reqs {
		if results[i].RequestID != rr.req.ID() {
			t.Errorf("completion %d out of order", i)
		}
		if results[i].Status != ctrl.StatusNormal {
			t.Errorf("request %d status = %s, want normal", i+1, results[i].Status)
		}
	}
	if got := r.stats(1).Recovered; got != 1 {
		t.Errorf("recovered = %d, want 1", got)
	}
}

// TestHardwareDelayThenLostFrameDone stalls the engine on frame 3 and then
// drops frame 3's late frame-done.
//
// Scenario:
//  1. Run until frame 3 is latched, stall the engine one frame: frame 3 is
//     tagged INNER_HW_DELAY
//  2. The engine resumes but frame 3's frame-done is lost
//  3. Assert: frame 4's frame-done, whose write counter covers frame 3,
//     completes frame 3 first, as DONE_MISMATCH
//  4. Assert: every request completes in order
func TestHardwareDelayThenLostFrameDone(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.enqueueN(1, 8)
	r.isp.LoseFrameDone(raw0, 3)
	r.start()
	r.frames(4, raw0)

	r.isp.Stall(raw0, 1)
	r.frames(8, raw0)

	if got := r.isp.EventsWithPrefix("lost_done:"); len(got) != 1 || got[0] != "lost_done:raw0:3" {
		t.Fatalf("lost frame-done events = %v, want frame 3 only", got)
	}
	results := r.rec.Results()
	if len(results) != 8 {
		t.Fatalf("completed %d requests, want 8", len(results))
	}
	for i, rr := range r.reqs {
		if results[i].RequestID != rr.req.ID() {
			t.Errorf("completion %d is %s, want %s", i, results[i].RequestID, rr.req.ID())
		}
		want := ctrl.StatusNormal
		if i == 2 {
			want = ctrl.StatusMismatch
		}
		if got := r.result(rr).Status; got != want {
			t.Errorf("request %d status = %s, want %s", i+1, got, want)
		}
	}

	st := r.stats(1)
	if st.HWDelay != 1 || st.Recovered != 1 || st.Mismatch != 1 {
		t.Errorf("hw_delay=%d recovered=%d mismatch=%d, want 1/1/1", st.HWDelay, st.Recovered, st.Mismatch)
	}
	if st.InFlight != 0 {
		t.Errorf("%d frames left in flight", st.InFlight)
	}
}

// TestExposureSwitchTwoToOne switches a 2-exposure stagger stream to a
// single exposure at frame 4.
//
// Contract:
//   - The mux is programmed once, on the SOF that applies frame 4's command
//     queue, before that command queue
//   - Exactly one sensor write carries the switch, with the new exposure count
//   - Frames after the switch run single exposure, without sub pipe frames
func TestExposureSwitchTwoToOne(t *testing.T) {
	r := newRig(t, 30, ctrl.ContextConfig{
		StreamID:  1,
		Mode:      ctrl.ModeStagger,
		Raw:       raw0,
		SubPipes:  []ctrl.Engine{camsv0},
		Exposures: 2,
	})
	r.enqueueN(1, 3)
	sw := r.enqueue(1, ctrl.Feature{Switch: ctrl.Switch2To1}, 1)
	r.enqueueN(1, 2)
	r.start()
	r.frames(10, raw0, camsv0)

	events := r.isp.Events()
	mux := r.isp.EventsWithPrefix("mux:")
	if len(mux) != 1 {
		t.Fatalf("mux programmed %d times, want 1: %v", len(mux), mux)
	}
	at, cq3, cq4 := indexOf(events, mux[0]), indexOf(events, "cq:raw0:3"), indexOf(events, "cq:raw0:4")
	if !(cq3 < at && at < cq4) {
		t.Errorf("mux at %d, want between cq 3 (%d) and cq 4 (%d)", at, cq3, cq4)
	}
	if want := "mux:1>raw0:off,0>camsv0:off,0>raw0:on"; mux[0] != want {
		t.Errorf("mux = %q, want %q", mux[0], want)
	}
	if got := r.isp.EventsWithPrefix("dbload:"); len(got) != 1 {
		t.Errorf("double buffer reloads = %v, want one", got)
	}

	var switched []ctrl.ControlSet
	for _, w := range r.sensors[1].Writes() {
		if w.Switch != ctrl.SwitchNone {
			switched = append(switched, w)
		}
		if w.FrameSeq > 4 && w.Exposures != 1 {
			t.Errorf("frame %d written with %d exposures, want 1", w.FrameSeq, w.Exposures)
		}
	}
	if len(switched) != 1 || switched[0].FrameSeq != 4 || switched[0].Exposures != 1 || switched[0].Switch != ctrl.Switch2To1 {
		t.Fatalf("switch writes = %+v, want one 2to1 write for frame 4 with 1 exposure", switched)
	}

	for i, rr := range r.reqs {
		if got := r.result(rr).Status; got != ctrl.StatusNormal {
			t.Errorf("request %d status = %s, want normal", i+1, got)
		}
	}
	if got := len(r.result(r.reqs[0]).Frames); got != 2 {
		t.Errorf("pre-switch request has %d frames, want main + camsv", got)
	}
	if got := len(r.result(sw).Frames); got != 1 {
		t.Errorf("switch request has %d frames, want main only", got)
	}

	st := r.stats(1)
	if st.Exposures != 1 || st.Switches != 1 {
		t.Errorf("exposures=%d switches=%d, want 1/1", st.Exposures, st.Switches)
	}
}

// TestSwitchValidation checks a switch must start from the exposure count
// the queue will have reached.
func TestSwitchValidation(t *testing.T) {
	r := newRig(t, 30, ctrl.ContextConfig{
		StreamID: 1, Mode: ctrl.ModeStagger, Raw: raw0,
		SubPipes: []ctrl.Engine{camsv0}, Exposures: 2,
	})
	r.enqueue(1, ctrl.Feature{Switch: ctrl.Switch2To1}, 1)

	req := ctrl.NewRequest(nil, ctrl.StreamSpec{StreamID: 1, Feature: ctrl.Feature{Switch: ctrl.Switch2To1}})
	if err := r.sys.Enqueue(req); !errors.Is(err, ctrl.ErrInvalidIndex) {
		t.Errorf("second 2to1 = %v, want ErrInvalidIndex", err)
	}
	req = ctrl.NewRequest(nil, ctrl.StreamSpec{StreamID: 1, Feature: ctrl.Feature{Switch: ctrl.Switch1To2}})
	if err := r.sys.Enqueue(req); err != nil {
		t.Errorf("1to2 after 2to1 = %v, want nil", err)
	}
}

// TestRequestDrainedOncePerDrain checks request-drained fires once when the
// queue runs dry and again only after new work was queued.
func TestRequestDrainedOncePerDrain(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.enqueueN(1, 3)
	r.start()
	r.frames(6, raw0)

	if diff := cmp.Diff([]string{"raw0"}, r.rec.Drained()); diff != "" {
		t.Fatalf("drained after first burst (-want +got):\n%s", diff)
	}

	r.enqueueN(1, 1)
	r.frames(4, raw0)
	if got := len(r.rec.Drained()); got != 2 {
		t.Errorf("drained %d times, want 2", got)
	}
	if got := len(r.rec.Results()); got != 4 {
		t.Errorf("completed %d requests, want 4", got)
	}
}

// TestSensorWorkerDepth holds a sensor write across a frame boundary.
//
// Contract:
//   - A second frame is never dispatched while the sensor worker is busy
//   - The worker never holds more than one setting
func TestSensorWorkerDepth(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.enqueueN(1, 4)
	r.start()
	// Without settling: a held write must not block the interrupt path.
	r.isp.Connect(r.sys.HandleIRQ, nil)

	s := r.sensors[1]
	s.Hold()
	r.isp.Frame(raw0)
	r.clock.Advance(r.period)
	r.isp.Frame(raw0)
	r.clock.Advance(r.period)

	st := r.stats(1)
	if st.DispatchedSeq != 2 || st.SensorSeq != 1 {
		t.Errorf("dispatched=%d sensor=%d while held, want 2/1", st.DispatchedSeq, st.SensorSeq)
	}
	if st.SWDelay == 0 {
		t.Error("busy sensor worker not counted as software delay")
	}

	s.Release()
	r.sys.Sync()
	st = r.stats(1)
	if st.SensorSeq != 2 {
		t.Errorf("sensor seq after release = %d, want 2", st.SensorSeq)
	}
	if st.Sensor.MaxDepth > 1 {
		t.Errorf("sensor worker max depth = %d, want <= 1", st.Sensor.MaxDepth)
	}
	if got := s.MaxConcurrent(); got != 1 {
		t.Errorf("concurrent sensor writes = %d, want 1", got)
	}
}

// TestSensorErrorReportsError fails the sensor write of frame 2; the stream
// keeps going and only that request reports the error.
func TestSensorErrorReportsError(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.sensors[1].FailAt(2, errors.New("i2c nack"))
	r.enqueueN(1, 4)
	r.start()
	r.frames(8, raw0)

	for i, rr := range r.reqs {
		res := r.result(rr)
		if i == 1 {
			if res.Status != ctrl.StatusError || res.Err == nil || !strings.Contains(res.Err.Error(), "i2c nack") {
				t.Errorf("request 2 = %s %v, want error with i2c nack", res.Status, res.Err)
			}
			continue
		}
		if res.Status != ctrl.StatusNormal {
			t.Errorf("request %d status = %s, want normal", i+1, res.Status)
		}
	}
}

// TestCommandQueueFailureAbortsFrame refuses frame 3's command queue; the
// frame is aborted and the stream moves on.
func TestCommandQueueFailureAbortsFrame(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.isp.FailCQ(3, errors.New("cq timeout"))
	r.enqueueN(1, 5)
	r.start()
	r.frames(10, raw0)

	for i, rr := range r.reqs {
		want := ctrl.StatusNormal
		if i == 2 {
			want = ctrl.StatusError
		}
		if got := r.result(rr).Status; got != want {
			t.Errorf("request %d status = %s, want %s", i+1, got, want)
		}
		if got := rr.obj.Refs(); got != 0 {
			t.Errorf("request %d holds %d refs", i+1, got)
		}
	}
}

// TestMstreamTwoFramesPerRequest runs each request as two raw frames: the
// full setting first, then a shutter/gain-only retime.
func TestMstreamTwoFramesPerRequest(t *testing.T) {
	r := newRig(t, 30, ctrl.ContextConfig{StreamID: 2, Mode: ctrl.ModeMstream, Raw: raw1, Exposures: 2})
	for i := 0; i < 3; i++ {
		r.enqueue(2, ctrl.Feature{}, 2)
	}
	r.start()
	r.frames(10, raw1)

	for i, rr := range r.reqs {
		if diff := cmp.Diff([]int{2*i + 1, 2*i + 2}, rr.req.Seqs(2)); diff != "" {
			t.Errorf("request %d seqs (-want +got):\n%s", i+1, diff)
		}
		res := r.result(rr)
		if res.Status != ctrl.StatusNormal || len(res.Frames) != 2 {
			t.Errorf("request %d = %s with %d frames, want normal with 2", i+1, res.Status, len(res.Frames))
		}
	}
	for _, w := range r.sensors[2].Writes() {
		second := w.FrameSeq%2 == 0
		if w.ShutterGainOnly != second {
			t.Errorf("frame %d shutter/gain only = %v, want %v", w.FrameSeq, w.ShutterGainOnly, second)
		}
		if second && len(w.Controls) != 0 {
			t.Errorf("frame %d retime carries %d controls", w.FrameSeq, len(w.Controls))
		}
	}
}

// TestMstreamRejectsSingleExposure keeps the odd/even pairing: a request
// that would take a single sequence is refused and leaves no gap.
func TestMstreamRejectsSingleExposure(t *testing.T) {
	r := newRig(t, 30, ctrl.ContextConfig{StreamID: 2, Mode: ctrl.ModeMstream, Raw: raw1, Exposures: 2})

	req := ctrl.NewRequest(nil, ctrl.StreamSpec{StreamID: 2, Feature: ctrl.Feature{Exposures: 1}, Buffers: []bufq.CQDesc{sim.CQ(1)}})
	if err := r.sys.Enqueue(req); !errors.Is(err, ctrl.ErrInvalidIndex) {
		t.Fatalf("single exposure mstream request = %v, want ErrInvalidIndex", err)
	}
	rr := r.enqueue(2, ctrl.Feature{}, 2)
	if diff := cmp.Diff([]int{1, 2}, rr.req.Seqs(2)); diff != "" {
		t.Errorf("seqs after refused request (-want +got):\n%s", diff)
	}
}

// TestFrameSyncGroup spans one request over two synchronized sensors: the
// first sensor in turns sync on, the last one out turns it off through the
// same sensor.
func TestFrameSyncGroup(t *testing.T) {
	a, b := normalStream(1, raw0), normalStream(2, raw1)
	a.FrameSync, b.FrameSync = true, true
	r := newRig(t, 30, a, b)

	obj := sim.NewRequest(1, 2)
	req := ctrl.NewRequest(obj,
		ctrl.StreamSpec{StreamID: 1, Buffers: []bufq.CQDesc{sim.CQ(1)}},
		ctrl.StreamSpec{StreamID: 2, Buffers: []bufq.CQDesc{sim.CQ(1)}},
	)
	if err := r.sys.Enqueue(req); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	r.start()

	if diff := cmp.Diff([]bool{true, false}, r.sensors[1].FrameSyncs()); diff != "" {
		t.Errorf("leader sync toggles (-want +got):\n%s", diff)
	}
	if got := r.sensors[2].FrameSyncs(); len(got) != 0 {
		t.Errorf("follower toggled sync: %v", got)
	}

	for i := 0; i < 4; i++ {
		r.isp.Frame(raw0)
		r.isp.Frame(raw1)
		r.tick()
	}
	res, ok := r.rec.Result(req.ID())
	if !ok {
		t.Fatal("request not completed")
	}
	if res.Status != ctrl.StatusNormal || len(res.Frames) != 2 {
		t.Errorf("result = %s with %d frames, want normal with 2", res.Status, len(res.Frames))
	}
	if obj.Refs() != 0 {
		t.Errorf("request holds %d refs", obj.Refs())
	}
}

// TestFrameSyncGroupWithMstream syncs an mstream stream with a normal one.
// The mstream retime frame must not count as a group member, or the group
// would close before the normal stream's sensor is written.
func TestFrameSyncGroupWithMstream(t *testing.T) {
	ms := ctrl.ContextConfig{StreamID: 2, Mode: ctrl.ModeMstream, Raw: raw1, Exposures: 2, FrameSync: true}
	nm := normalStream(1, raw0)
	nm.FrameSync = true
	r := newRig(t, 30, ms, nm)

	// The normal stream has a frame of its own ahead of the shared request.
	first := ctrl.NewRequest(sim.NewRequest(1), ctrl.StreamSpec{StreamID: 1, Buffers: []bufq.CQDesc{sim.CQ(1)}})
	obj := sim.NewRequest(1, 2)
	shared := ctrl.NewRequest(obj,
		ctrl.StreamSpec{StreamID: 1, Buffers: []bufq.CQDesc{sim.CQ(2)}},
		ctrl.StreamSpec{StreamID: 2, Buffers: []bufq.CQDesc{sim.CQ(1), sim.CQ(2)}},
	)
	for _, req := range []*ctrl.Request{first, shared} {
		if err := r.sys.Enqueue(req); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}
	r.start()

	// Only the mstream engine runs: both of its frames reach the sensor
	// while the normal stream's share is still pending.
	r.frames(2, raw1)
	if got := seqsOf(r.sensors[2].Writes()); len(got) < 2 {
		t.Fatalf("mstream sensor writes = %v, want frames 1 and 2", got)
	}
	if diff := cmp.Diff([]int{1}, seqsOf(r.sensors[1].Writes())); diff != "" {
		t.Fatalf("normal sensor writes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true}, r.sensors[2].FrameSyncs()); diff != "" {
		t.Errorf("sync toggles before the normal stream joined (-want +got):\n%s", diff)
	}

	for i := 0; i < 8; i++ {
		r.isp.Frame(raw0)
		r.isp.Frame(raw1)
		r.tick()
	}
	if diff := cmp.Diff([]bool{true, false}, r.sensors[2].FrameSyncs()); diff != "" {
		t.Errorf("leader sync toggles (-want +got):\n%s", diff)
	}
	if got := r.sensors[1].FrameSyncs(); len(got) != 0 {
		t.Errorf("follower toggled sync: %v", got)
	}
	res, ok := r.rec.Result(shared.ID())
	if !ok {
		t.Fatal("shared request not completed")
	}
	if res.Status != ctrl.StatusNormal || len(res.Frames) != 3 {
		t.Errorf("result = %s with %d frames, want normal with 3", res.Status, len(res.Frames))
	}
	if obj.Refs() != 0 {
		t.Errorf("request holds %d refs", obj.Refs())
	}
}

// TestSubsampleFlow runs a 120 fps sensor subsampled by 4: the command
// queue leads, the sensor is written in the subsample window.
func TestSubsampleFlow(t *testing.T) {
	r := newRig(t, 120, ctrl.ContextConfig{StreamID: 1, Mode: ctrl.ModeSubsample, Raw: raw0, SubsampleRatio: 4})
	r.enqueueN(1, 5)
	r.start()
	for i := 0; i < 9; i++ {
		r.isp.SubsampleFrame(raw0)
		r.tick()
	}

	results := r.rec.Results()
	if len(results) != 5 {
		t.Fatalf("completed %d requests, want 5", len(results))
	}
	for i, res := range results {
		if res.RequestID != r.reqs[i].req.ID() || res.Status != ctrl.StatusNormal {
			t.Errorf("completion %d = %s %s, want %s normal", i, res.RequestID, res.Status, r.reqs[i].req.ID())
		}
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, seqsOf(r.sensors[1].Writes())); diff != "" {
		t.Errorf("sensor writes (-want +got):\n%s", diff)
	}
	if p := r.stats(1).Timer; p.Event >= 18*time.Millisecond {
		t.Errorf("subsample event phase = %v, want scaled below 18ms", p.Event)
	}
}

// TestM2MOneFrameAtATime feeds three frames from memory through raw1.
func TestM2MOneFrameAtATime(t *testing.T) {
	r := newRig(t, 30, ctrl.ContextConfig{StreamID: 3, Mode: ctrl.ModeM2M, Raw: raw1})
	r.enqueueN(3, 3)
	r.start()
	for i := 0; i < 4; i++ {
		r.isp.Memory(raw1)
	}

	want := []string{
		"cq:raw1:1", "stream_on:raw1", "rawi:raw1:1",
		"cq:raw1:2", "rawi:raw1:2",
		"cq:raw1:3", "rawi:raw1:3",
	}
	if diff := cmp.Diff(want, r.isp.Events()); diff != "" {
		t.Errorf("hardware sequence (-want +got):\n%s", diff)
	}
	for i, rr := range r.reqs {
		if got := r.result(rr).Status; got != ctrl.StatusNormal {
			t.Errorf("request %d status = %s, want normal", i+1, got)
		}
	}
}

// TestM2MLateEnqueue starts an m2m stream with nothing queued; the first
// request kicks the engine.
func TestM2MLateEnqueue(t *testing.T) {
	r := newRig(t, 30, ctrl.ContextConfig{StreamID: 3, Mode: ctrl.ModeM2M, Raw: raw1})
	r.start()
	if got := r.isp.EventsWithPrefix("cq:"); len(got) != 0 {
		t.Fatalf("command queues before any request: %v", got)
	}
	rr := r.enqueue(3, ctrl.Feature{}, 1)
	r.isp.Memory(raw1)
	if got := r.result(rr).Status; got != ctrl.StatusNormal {
		t.Errorf("status = %s, want normal", got)
	}
}

// TestTimeSharedArbitration runs two time-shared sensors through one raw
// engine.
//
// Contract:
//   - Each frame is captured to memory before it is offered to raw2
//   - raw2 never gets a second command queue before the first frame's read
//   - Every request completes normally
func TestTimeSharedArbitration(t *testing.T) {
	r := newRig(t, 30,
		ctrl.ContextConfig{StreamID: 4, Mode: ctrl.ModeTimeShared, Raw: raw2, Capture: camsv2},
		ctrl.ContextConfig{StreamID: 5, Mode: ctrl.ModeTimeShared, Raw: raw2, Capture: camsv3},
	)
	r.enqueueN(4, 3)
	r.enqueueN(5, 3)
	r.start()
	for i := 0; i < 12; i++ {
		r.isp.Capture(camsv2)
		r.isp.Capture(camsv3)
		r.isp.Memory(raw2)
		r.tick()
	}

	for i, rr := range r.reqs {
		if got := r.result(rr).Status; got != ctrl.StatusNormal {
			t.Errorf("request %d status = %s, want normal", i+1, got)
		}
	}

	var shared []string
	for _, ev := range r.isp.Events() {
		if strings.HasPrefix(ev, "cq:raw2:") || strings.HasPrefix(ev, "rawi:raw2:") {
			shared = append(shared, ev)
		}
	}
	if len(shared) != 12 {
		t.Fatalf("raw2 saw %d operations, want 6 command queues and 6 reads: %v", len(shared), shared)
	}
	for i, ev := range shared {
		wantCQ := i%2 == 0
		if strings.HasPrefix(ev, "cq:") != wantCQ {
			t.Fatalf("raw2 operations not alternating at %d: %v", i, shared)
		}
	}
	if got := r.isp.EventsWithPrefix("buf:camsv2:"); len(got) != 3 {
		t.Errorf("camsv2 buffers = %v, want 3", got)
	}
}

// TestTimeSharedLateComposedBuffer stores a time-shared frame before its
// command queue is composed.
//
// Contract:
//   - The stored frame waits for its buffer instead of failing
//   - Composed hands the buffer over and the frame runs on the shared raw
//     engine
func TestTimeSharedLateComposedBuffer(t *testing.T) {
	r := newRig(t, 30, ctrl.ContextConfig{StreamID: 4, Mode: ctrl.ModeTimeShared, Raw: raw2, Capture: camsv2})
	early := r.enqueue(4, ctrl.Feature{}, 1)
	obj := sim.NewRequest(4)
	late := ctrl.NewRequest(obj, ctrl.StreamSpec{StreamID: 4})
	if err := r.sys.Enqueue(late); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	r.start()

	for i := 0; i < 6; i++ {
		r.isp.Capture(camsv2)
		r.isp.Memory(raw2)
		r.tick()
	}
	if got := r.result(early).Status; got != ctrl.StatusNormal {
		t.Fatalf("first request status = %s, want normal", got)
	}
	if res, ok := r.rec.Result(late.ID()); ok {
		t.Fatalf("frame without a buffer finished early: %s %v", res.Status, res.Err)
	}
	if got := r.isp.EventsWithPrefix("buf:camsv2:2"); len(got) != 1 {
		t.Fatalf("frame 2 capture buffer events = %v, want one", got)
	}
	if got := r.isp.EventsWithPrefix("cq:raw2:"); len(got) != 1 {
		t.Fatalf("raw2 command queues before the buffer arrived = %v, want frame 1 only", got)
	}

	if err := r.sys.Composed(4, 2, sim.CQ(2)); err != nil {
		t.Fatalf("Composed() failed: %v", err)
	}
	r.isp.Memory(raw2)
	r.sys.Sync()

	res, ok := r.rec.Result(late.ID())
	if !ok {
		t.Fatal("late request not completed")
	}
	if res.Status != ctrl.StatusNormal || res.Err != nil {
		t.Errorf("late request = %s %v, want normal", res.Status, res.Err)
	}
	if diff := cmp.Diff([]string{"cq:raw2:1", "cq:raw2:2"}, r.isp.EventsWithPrefix("cq:raw2:")); diff != "" {
		t.Errorf("raw2 command queues (-want +got):\n%s", diff)
	}
	if obj.Refs() != 0 {
		t.Errorf("late request holds %d refs", obj.Refs())
	}
}

// TestStopFinishesInFlight stops a stream with frames at every stage.
func TestStopFinishesInFlight(t *testing.T) {
	r := newRig(t, 30, normalStream(1, raw0))
	r.enqueueN(1, 5)
	r.start()
	r.frames(3, raw0)
	r.sys.Stop()
	r.sys.Stop()

	results := r.rec.Results()
	if len(results) != 5 {
		t.Fatalf("completed %d requests, want 5", len(results))
	}
	for i, rr := range r.reqs {
		res := r.result(rr)
		if i == 0 {
			if res.Status != ctrl.StatusNormal {
				t.Errorf("request 1 status = %s, want normal", res.Status)
			}
		} else if res.Status != ctrl.StatusError || !ctrl.IsStopped(res.Err) {
			t.Errorf("request %d = %s %v, want stopped error", i+1, res.Status, res.Err)
		}
		if got := rr.obj.Refs(); got != 0 {
			t.Errorf("request %d holds %d refs after stop", i+1, got)
		}
	}
	if diff := cmp.Diff([]string{"raw0:2"}, r.rec.EndOfStreams()); diff != "" {
		t.Errorf("end of stream (-want +got):\n%s", diff)
	}
	if got := r.isp.EventsWithPrefix("stream_off:"); len(got) != 1 {
		t.Errorf("stream off events = %v, want one", got)
	}
	if err := r.sys.HandleIRQ(ctrl.IRQInfo{Engine: raw0, Types: ctrl.IRQFrameStart}); !errors.Is(err, ctrl.ErrNotStarted) {
		t.Errorf("HandleIRQ after Stop = %v, want ErrNotStarted", err)
	}
}
