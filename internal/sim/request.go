package sim

import (
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

// Control is a user control that records its completion.
type Control struct {
	done atomic.Bool
}

// Complete implements ctrl.ControlObject.
func (c *Control) Complete() { c.done.Store(true) }

// Done reports whether Complete was called.
func (c *Control) Done() bool { return c.done.Load() }

// Request is a host request handle. It implements ctrl.RequestObject and
// counts references.
type Request struct {
	refs     atomic.Int64
	maxRefs  atomic.Int64
	mu       sync.Mutex
	controls map[int][]ctrl.ControlObject
}

// NewRequest returns a request with one control per stream id.
func NewRequest(streamIDs ...int) *Request {
	r := &Request{controls: make(map[int][]ctrl.ControlObject)}
	for _, id := range streamIDs {
		r.controls[id] = []ctrl.ControlObject{&Control{}}
	}
	return r
}

// Get implements ctrl.RequestObject.
func (r *Request) Get() {
	n := r.refs.Add(1)
	for {
		m := r.maxRefs.Load()
		if n <= m || r.maxRefs.CompareAndSwap(m, n) {
			return
		}
	}
}

// Put implements ctrl.RequestObject.
func (r *Request) Put() { r.refs.Add(-1) }

// Controls implements ctrl.RequestObject.
func (r *Request) Controls(streamID int) []ctrl.ControlObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controls[streamID]
}

// Refs is the number of references currently held.
func (r *Request) Refs() int64 { return r.refs.Load() }

// MaxRefs is the most references ever held at once.
func (r *Request) MaxRefs() int64 { return r.maxRefs.Load() }

// ControlsDone reports whether every control of streamID was completed.
func (r *Request) ControlsDone(streamID int) bool {
	for _, c := range r.Controls(streamID) {
		if !c.(*Control).Done() {
			return false
		}
	}
	return true
}
