package sim

import (
	"fmt"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

// Recorder collects what the controller reports. It implements
// ctrl.Consumer and ctrl.Notifier.
type Recorder struct {
	mu      sync.Mutex
	results []ctrl.FrameResult
	metas   []string
	syncs   []string
	eos     []string
	drained []string
}

// FrameDone implements ctrl.Consumer.
func (r *Recorder) FrameDone(res ctrl.FrameResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

// MetaDone implements ctrl.Consumer.
func (r *Recorder) MetaDone(pipe ctrl.Engine, seq int) {
	r.mu.Lock()
	r.metas = append(r.metas, fmt.Sprintf("%s:%d", pipe, seq))
	r.mu.Unlock()
}

// FrameSync implements ctrl.Notifier.
func (r *Recorder) FrameSync(pipe string, seq int) {
	r.mu.Lock()
	r.syncs = append(r.syncs, fmt.Sprintf("%s:%d", pipe, seq))
	r.mu.Unlock()
}

// EndOfStream implements ctrl.Notifier.
func (r *Recorder) EndOfStream(pipe string, seq int) {
	r.mu.Lock()
	r.eos = append(r.eos, fmt.Sprintf("%s:%d", pipe, seq))
	r.mu.Unlock()
}

// RequestDrained implements ctrl.Notifier.
func (r *Recorder) RequestDrained(pipe string) {
	r.mu.Lock()
	r.drained = append(r.drained, pipe)
	r.mu.Unlock()
}

// Results returns completed requests in completion order.
func (r *Recorder) Results() []ctrl.FrameResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ctrl.FrameResult(nil), r.results...)
}

// Result returns the completion of the request with id.
func (r *Recorder) Result(id string) (ctrl.FrameResult, bool) {
	for _, res := range r.Results() {
		if res.RequestID == id {
			return res, true
		}
	}
	return ctrl.FrameResult{}, false
}

// Drained returns the pipes request-drained was published for.
func (r *Recorder) Drained() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.drained...)
}

// EndOfStreams returns "pipe:seq" for each end-of-stream.
func (r *Recorder) EndOfStreams() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.eos...)
}

// FrameSyncs returns "pipe:seq" for each frame-sync event.
func (r *Recorder) FrameSyncs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.syncs...)
}

// Metas returns "pipe:seq" for each meta buffer handed over.
func (r *Recorder) Metas() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.metas...)
}
