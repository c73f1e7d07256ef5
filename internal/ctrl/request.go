package ctrl

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/bufq"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
)

// StreamSpec is the part of a request addressed to one capture context.
type StreamSpec struct {
	StreamID int
	Feature  Feature
	// Buffers are the composed command sets, one per exposure for mstream.
	// Left empty, the buffers are handed over later through Composed.
	Buffers []bufq.CQDesc
}

// Request is one capture request spanning one or more contexts.
//
// Lifetime: the request holds one reference on its RequestObject from
// Enqueue until every stream data is finished, plus one per State List entry.
type Request struct {
	id    string
	obj   RequestObject
	specs []StreamSpec
	fs    *syncGroup

	mu        sync.Mutex
	streams   []*StreamData
	remaining int
	finished  bool
	onDone    func(FrameResult)
}

// NewRequest builds a request for the given contexts. obj may be nil.
func NewRequest(obj RequestObject, specs ...StreamSpec) *Request {
	return &Request{
		id:    uuid.NewString(),
		obj:   obj,
		specs: specs,
	}
}

// ID returns the request trace id.
func (r *Request) ID() string { return r.id }

// Object returns the host handle.
func (r *Request) Object() RequestObject { return r.obj }

// Seqs returns the frame sequences assigned to the request's main pipe on
// streamID, in exposure order. Empty before Enqueue.
func (r *Request) Seqs(streamID int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, sd := range r.streams {
		if sd.StreamID == streamID && !sd.sub {
			out = append(out, sd.Seq)
		}
	}
	return out
}

// Done reports whether every stream data of the request is finished.
func (r *Request) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *Request) get() {
	if r.obj != nil {
		r.obj.Get()
	}
}

func (r *Request) put() {
	if r.obj != nil {
		r.obj.Put()
	}
}

func (r *Request) controls(streamID int) []ControlObject {
	if r.obj == nil {
		return nil
	}
	return r.obj.Controls(streamID)
}

// attach registers the stream data built for the request. Called once, before
// any of them can finish.
func (r *Request) attach(sds []*StreamData, onDone func(FrameResult)) {
	r.mu.Lock()
	r.streams = sds
	r.remaining = len(sds)
	r.onDone = onDone
	r.mu.Unlock()
	r.get()
}

// streamDone is called once per finished stream data. The last one builds
// the result, hands it to the consumer and drops the enqueue reference.
func (r *Request) streamDone() {
	r.mu.Lock()
	r.remaining--
	if r.remaining > 0 || r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true

	res := FrameResult{RequestID: r.id, Object: r.obj, Status: StatusNormal}
	for _, sd := range r.streams {
		rec := sd.record()
		res.Frames = append(res.Frames, rec)
		if rec.Status > res.Status {
			res.Status = rec.Status
		}
		if res.Err == nil && rec.Err != nil {
			res.Err = rec.Err
		}
	}
	onDone := r.onDone
	r.mu.Unlock()

	if onDone != nil {
		onDone(res)
	}
	r.put()
}

// StreamData is the per-pipe, per-frame slice of a request.
type StreamData struct {
	req      *Request
	StreamID int
	Pipe     Engine
	Seq      int
	ExpIndex int
	Feature  Feature
	sub      bool

	cell state.Cell

	// doneQueued is set once frame-done work for this frame is queued.
	doneQueued atomic.Bool
	// sensorQueued is set once the sensor setting is queued.
	sensorQueued atomic.Bool
	// applied is set once the engine buffer for this frame is programmed.
	applied atomic.Bool

	mu       sync.Mutex
	finished bool
	status   FrameStatus
	err      error
}

// FrameSeq implements state.Entry.
func (sd *StreamData) FrameSeq() int { return sd.Seq }

// StateCell implements state.Entry.
func (sd *StreamData) StateCell() *state.Cell { return &sd.cell }

// Request returns the owning request.
func (sd *StreamData) Request() *Request { return sd.req }

// Err returns the first error recorded for the frame.
func (sd *StreamData) Err() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.err
}

func (sd *StreamData) setErr(err error) {
	sd.mu.Lock()
	if sd.err == nil {
		sd.err = err
	}
	sd.mu.Unlock()
}

// finish marks the stream data done. Returns false if it already was.
func (sd *StreamData) finish(status FrameStatus, err error) bool {
	sd.mu.Lock()
	if sd.finished {
		sd.mu.Unlock()
		return false
	}
	sd.finished = true
	if sd.err == nil {
		sd.err = err
	}
	if sd.err != nil {
		status = StatusError
	}
	sd.status = status
	sd.mu.Unlock()

	sd.req.streamDone()
	return true
}

func (sd *StreamData) isFinished() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.finished
}

func (sd *StreamData) record() FrameRecord {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return FrameRecord{
		StreamID: sd.StreamID,
		Pipe:     sd.Pipe,
		Seq:      sd.Seq,
		ExpIndex: sd.ExpIndex,
		Status:   sd.status,
		Err:      sd.err,
	}
}
