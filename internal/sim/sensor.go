package sim

import (
	"context"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

// Sensor records every control set written to it. It implements
// ctrl.Sensor and ctrl.FrameSyncer.
type Sensor struct {
	fps int

	mu        sync.Mutex
	writes    []ctrl.ControlSet
	syncs     []bool
	fail      map[int]error
	gate      chan struct{}
	active    int
	maxActive int
}

// NewSensor returns a sensor running at fps frames per second.
func NewSensor(fps int) *Sensor {
	return &Sensor{fps: fps, fail: make(map[int]error)}
}

// FrameInterval implements ctrl.Sensor.
func (s *Sensor) FrameInterval() (int, int) { return 1, s.fps }

// ApplyControls implements ctrl.Sensor.
func (s *Sensor) ApplyControls(ctx context.Context, set ctrl.ControlSet) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.writes = append(s.writes, set)
	if err, ok := s.fail[set.FrameSeq]; ok {
		delete(s.fail, set.FrameSeq)
		return err
	}
	return nil
}

// SetFrameSync implements ctrl.FrameSyncer.
func (s *Sensor) SetFrameSync(_ context.Context, on bool) error {
	s.mu.Lock()
	s.syncs = append(s.syncs, on)
	s.mu.Unlock()
	return nil
}

// Hold makes writes block until Release.
func (s *Sensor) Hold() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

// Release unblocks writes held by Hold.
func (s *Sensor) Release() {
	s.mu.Lock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
	s.mu.Unlock()
}

// FailAt makes the write for frame seq return err.
func (s *Sensor) FailAt(seq int, err error) {
	s.mu.Lock()
	s.fail[seq] = err
	s.mu.Unlock()
}

// Writes returns the control sets written so far.
func (s *Sensor) Writes() []ctrl.ControlSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ctrl.ControlSet(nil), s.writes...)
}

// FrameSyncs returns the frame-sync toggles seen so far.
func (s *Sensor) FrameSyncs() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.syncs...)
}

// MaxConcurrent is the most writes ever in progress at once.
func (s *Sensor) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}
