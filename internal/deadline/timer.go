package deadline

import (
	"sync"
	"time"
)

// Action is returned by the event phase to say whether the sensor phase runs.
type Action int

const (
	// Stop ends this SOF's timer chain after the event phase.
	Stop Action = iota
	// Continue schedules the sensor phase.
	Continue
)

// Handlers are the two phase callbacks.
type Handlers struct {
	// Deadline runs Params.Event after SOF.
	Deadline func() Action
	// SensorSet runs Params.Sensor after Deadline returned Continue.
	SensorSet func()
}

// Timer is the per-context two-phase deadline timer.
//
// Algorithm:
//  1. Arm (called once per SOF) cancels whatever phase is pending and
//     schedules the event phase
//  2. The event phase returns Stop or Continue; Continue schedules the sensor
//     phase on the same generation
//  3. A callback whose generation was superseded by a newer Arm is dropped
//
// Thread-safety:
//   - Arm and Stop may be called from any goroutine
//   - Stop waits for a running phase callback to return and is idempotent
//   - Callbacks must not call Stop
type Timer struct {
	clock    Clock
	handlers Handlers

	mu      sync.Mutex
	params  Params
	gen     uint64
	pending Stopper
	armedAt time.Time
	stopped bool

	inflight sync.WaitGroup
}

// New creates an idle timer.
func New(clock Clock, p Params, h Handlers) *Timer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Timer{clock: clock, params: p, handlers: h}
}

// Params returns the current phase delays.
func (t *Timer) Params() Params {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// SetParams replaces the phase delays; they take effect at the next Arm.
func (t *Timer) SetParams(p Params) {
	t.mu.Lock()
	t.params = p
	t.mu.Unlock()
}

// Arm restarts the chain for a new SOF. No-op after Stop.
func (t *Timer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.pending != nil {
		t.pending.Stop()
	}
	t.gen++
	gen := t.gen
	t.armedAt = t.clock.Now()
	t.pending = t.clock.AfterFunc(t.params.Event, func() { t.fireEvent(gen) })
}

// SinceArm returns the time elapsed since the last Arm.
func (t *Timer) SinceArm() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armedAt.IsZero() {
		return 0
	}
	return t.clock.Now().Sub(t.armedAt)
}

// Stop cancels any pending phase and waits for a running one to finish.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.mu.Unlock()

	t.inflight.Wait()
}

// enter marks a callback of generation gen as running. It returns false when
// the callback is stale or the timer is stopped.
func (t *Timer) enter(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || gen != t.gen {
		return false
	}
	t.pending = nil
	t.inflight.Add(1)
	return true
}

func (t *Timer) fireEvent(gen uint64) {
	if !t.enter(gen) {
		return
	}
	defer t.inflight.Done()

	act := Stop
	if t.handlers.Deadline != nil {
		act = t.handlers.Deadline()
	}
	if act != Continue {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || gen != t.gen {
		return
	}
	t.pending = t.clock.AfterFunc(t.params.Sensor, func() { t.fireSensor(gen) })
}

func (t *Timer) fireSensor(gen uint64) {
	if !t.enter(gen) {
		return
	}
	defer t.inflight.Done()

	if t.handlers.SensorSet != nil {
		t.handlers.SensorSet()
	}
}
