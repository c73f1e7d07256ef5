package ctrl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/bufq"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/state"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/telemetry"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/worker"
)

const (
	defaultInitialDrop    = 1
	defaultWriteCountBits = 8
)

// ContextConfig describes one capture context.
type ContextConfig struct {
	StreamID int
	Mode     Mode
	// Raw is the processing engine. Time-shared contexts share it.
	Raw Engine
	// Capture is the camsv engine a time-shared context captures through.
	Capture Engine
	// SubPipes are camsv/mraw engines capturing alongside Raw.
	SubPipes []Engine
	// Exposures is the exposure count at stream start.
	Exposures      int
	SubsampleRatio int
	FrameSync      bool
	// InitialDropFrames is how many frames pass SOF before the first
	// command queue trigger. Zero selects the default of 1.
	InitialDropFrames int
	ListCapacity      int
	// WriteCounterBits is the width of the hardware write counter. Zero
	// selects 8.
	WriteCounterBits int
	// TimerEvent and TimerSensor override the computed deadline phases.
	TimerEvent  time.Duration
	TimerSensor time.Duration
}

func (cc *ContextConfig) normalize() error {
	if cc.InitialDropFrames <= 0 {
		cc.InitialDropFrames = defaultInitialDrop
	}
	if cc.WriteCounterBits <= 0 {
		cc.WriteCounterBits = defaultWriteCountBits
	}
	if cc.WriteCounterBits > 31 {
		return fmt.Errorf("%w: stream %d: write counter bits %d", ErrInvalidConfig, cc.StreamID, cc.WriteCounterBits)
	}
	if cc.ListCapacity <= 0 {
		cc.ListCapacity = state.DefaultCapacity
	}
	if cc.ListCapacity < state.Depth {
		return fmt.Errorf("%w: stream %d: list capacity %d below %d", ErrInvalidConfig, cc.StreamID, cc.ListCapacity, state.Depth)
	}
	if cc.Exposures == 0 {
		cc.Exposures = 1
		switch cc.Mode {
		case ModeStagger, ModeMstream:
			cc.Exposures = 2
		}
	}
	if cc.Exposures < 1 || cc.Exposures > 3 {
		return fmt.Errorf("%w: stream %d: %d exposures", ErrInvalidConfig, cc.StreamID, cc.Exposures)
	}
	if cc.Mode == ModeMstream && cc.Exposures != 2 {
		return fmt.Errorf("%w: stream %d: mstream runs 2 exposures, got %d", ErrInvalidConfig, cc.StreamID, cc.Exposures)
	}
	if cc.Raw.Class != ClassRaw {
		return fmt.Errorf("%w: stream %d: processing engine %s is not raw", ErrInvalidConfig, cc.StreamID, cc.Raw)
	}
	switch cc.Mode {
	case ModeSubsample:
		if cc.SubsampleRatio < 1 {
			return fmt.Errorf("%w: stream %d: subsample ratio %d", ErrInvalidConfig, cc.StreamID, cc.SubsampleRatio)
		}
	case ModeTimeShared:
		if cc.Capture.Class != ClassCamsv {
			return fmt.Errorf("%w: stream %d: time-shared capture engine %s is not camsv", ErrInvalidConfig, cc.StreamID, cc.Capture)
		}
	}
	for _, e := range cc.SubPipes {
		if e.Class != ClassCamsv && e.Class != ClassMraw {
			return fmt.Errorf("%w: stream %d: sub pipe %s", ErrInvalidConfig, cc.StreamID, e)
		}
	}
	return nil
}

// counters are the per-context event counts reported by Stats.
type counters struct {
	sof        atomic.Uint64
	cqApplied  atomic.Uint64
	cqEmpty    atomic.Uint64
	swDelay    atomic.Uint64
	scqDelay   atomic.Uint64
	hwDelay    atomic.Uint64
	recovered  atomic.Uint64
	framesDone atomic.Uint64
	mismatch   atomic.Uint64
	errors     atomic.Uint64
	drained    atomic.Uint64
	switches   atomic.Uint64
	frameDrops atomic.Uint64
	stale      atomic.Uint64
	listFull   atomic.Uint64
}

// Context is one capture context: a sensor (or none, for m2m), a raw
// processing engine and its sub pipes, with the frame state they share.
//
// Goroutine topology:
//   - IRQ callers: HandleIRQ from any goroutine, brief list/queue locks only
//   - Timer callbacks: deadline phases on the clock's goroutines
//   - 1 sensor worker: sensor I/O, in dispatch order
//   - 1 frame-done worker: frame completion, in interrupt order
type Context struct {
	sys  *System
	cfg  ContextConfig
	log  *slog.Logger
	topo topology

	sensor   Sensor
	cq       CommandQueue
	router   Router
	notifier Notifier
	metrics  *telemetry.Metrics

	list    *state.List
	bufs    *bufq.Queue
	timer   *deadline.Timer
	sensorQ *worker.Queue
	doneQ   *worker.Queue
	cadence *cadence

	sensorSeq     atomic.Int64 // latest frame whose sensor setting completed
	ispSeq        atomic.Int64 // latest frame latched by the engine
	dispatchedSeq atomic.Int64 // latest frame handed to the sensor worker
	lastCQSeq     atomic.Int64 // latest frame whose command queue was applied
	exposures     atomic.Int64

	running       atomic.Bool
	streaming     atomic.Bool
	stopping      atomic.Bool
	initialSensor atomic.Bool

	pendMu      sync.Mutex
	nextSeq     int
	queuedExp   int                      // exposure count once every queued switch is applied
	pending     []*StreamData            // main stream data not yet in the list
	subs        map[Engine][]*StreamData // sub pipe stream data by engine
	drainedSent bool

	m2mMu   sync.Mutex
	m2mBusy bool

	arb *tsArbiter // shared raw engine, time-shared contexts only

	counters counters
	hwLog    rate.Sometimes
	lostLog  rate.Sometimes
}

func newContext(sys *System, cfg ContextConfig, sensor Sensor) (*Context, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	c := &Context{
		sys:      sys,
		cfg:      cfg,
		sensor:   sensor,
		cq:       sys.deps.CQ,
		router:   sys.deps.Router,
		notifier: sys.deps.Notifier,
		metrics:  sys.metrics,
		list:     state.NewList(cfg.ListCapacity),
		bufs:     bufq.New(),
		sensorQ:  worker.New(fmt.Sprintf("sensor-%d", cfg.StreamID)),
		doneQ:    worker.New(fmt.Sprintf("frame-done-%d", cfg.StreamID)),
		cadence:  newCadence(cadenceWindow),
		subs:     make(map[Engine][]*StreamData),
		nextSeq:  1,
		hwLog:    rate.Sometimes{First: 3, Interval: time.Second},
		lostLog:  rate.Sometimes{First: 3, Interval: time.Second},
	}
	c.log = sys.log.With("stream_id", cfg.StreamID, "topology", cfg.Mode.String())
	c.list.SetClock(sys.clock.Now)
	c.exposures.Store(int64(cfg.Exposures))
	c.queuedExp = cfg.Exposures

	c.topo = newTopology(cfg.Mode)
	if c.topo.needsSensor() && sensor == nil {
		return nil, fmt.Errorf("%w: stream %d: %s needs a sensor", ErrInvalidConfig, cfg.StreamID, cfg.Mode)
	}

	c.timer = deadline.New(sys.clock, c.timerParams(), deadline.Handlers{
		Deadline:  c.deadlineHandler,
		SensorSet: c.sensorSetHandler,
	})
	return c, nil
}

// StreamID returns the context's stream id.
func (c *Context) StreamID() int { return c.cfg.StreamID }

// Mode returns the context's topology.
func (c *Context) Mode() Mode { return c.cfg.Mode }

// timerParams derives the deadline phases from the sensor frame rate unless
// the config overrides them.
func (c *Context) timerParams() deadline.Params {
	fps := float64(30)
	if c.sensor != nil {
		fps = deadline.FPS(c.sensor.FrameInterval())
	}
	p := deadline.ComputeParams(fps, c.cfg.SubsampleRatio)
	if c.cfg.TimerEvent > 0 {
		p.Event = c.cfg.TimerEvent
	}
	if c.cfg.TimerSensor > 0 {
		p.Sensor = c.cfg.TimerSensor
	}
	return p
}

// pipes returns every engine the context streams on, main pipe first.
func (c *Context) pipes() []Engine {
	main := c.cfg.Raw
	if c.cfg.Mode == ModeTimeShared {
		main = c.cfg.Capture
	}
	return append([]Engine{main}, c.cfg.SubPipes...)
}

// expandWriteCnt rebuilds a full sequence number from the hardware's
// wrapping write counter using the latched sequence as the high part.
func (c *Context) expandWriteCnt(writeCnt uint32, isp int) int {
	span := 1 << c.cfg.WriteCounterBits
	low := int(writeCnt) & (span - 1)
	return (isp/span)*span + low
}

func (c *Context) countError(cat ErrorCategory) {
	c.counters.errors.Add(1)
	c.metrics.Error(context.Background(), c.cfg.StreamID, cat.String())
}

// start brings the context to streaming: workers, initial frame, first
// command queue.
func (c *Context) start(ctx context.Context) error {
	c.timer.SetParams(c.timerParams())

	if err := c.sensorQ.Start(ctx); err != nil {
		return fmt.Errorf("stream %d: %w", c.cfg.StreamID, err)
	}
	if err := c.doneQ.Start(ctx); err != nil {
		c.sensorQ.Stop()
		return fmt.Errorf("stream %d: %w", c.cfg.StreamID, err)
	}

	if !c.topo.needsSensor() {
		c.initialSensor.Store(true)
	}
	c.running.Store(true)
	if err := c.topo.start(ctx, c); err != nil {
		c.running.Store(false)
		c.sensorQ.Stop()
		c.doneQ.Stop()
		return fmt.Errorf("stream %d: %w", c.cfg.StreamID, err)
	}

	p := c.timer.Params()
	c.log.Info("camctrl: context started",
		"raw", c.cfg.Raw.String(),
		"sub_pipes", len(c.cfg.SubPipes),
		"exposures", c.exposures.Load(),
		"timer_event", p.Event,
		"timer_sensor", p.Sensor,
	)
	return nil
}

// stop tears the context down.
//
// Order:
//  1. Handlers become no-ops, the deadline timer is cancelled synchronously
//  2. Sensor and frame-done queues are drained
//  3. Engines stream off
//  4. Every list entry and pending frame is finished with ErrStreamStopped
//  5. End-of-stream is published per pipe
func (c *Context) stop() {
	if c.stopping.Swap(true) {
		return
	}
	c.running.Store(false)
	c.timer.Stop()
	if c.arb != nil {
		c.arb.drop(c)
	}
	c.sensorQ.Stop()
	c.doneQ.Stop()

	if c.streaming.Swap(false) {
		for _, e := range c.pipes() {
			if err := c.cq.StreamOn(e, false); err != nil {
				c.log.Error("camctrl: stream off failed", "engine", e.String(), "error", err)
			}
		}
	}

	for _, e := range c.list.Drain() {
		sd := e.(*StreamData)
		sd.req.put()
		sd.finish(StatusError, ErrStreamStopped)
	}

	c.pendMu.Lock()
	pending := c.pending
	c.pending = nil
	var subs []*StreamData
	for eng, list := range c.subs {
		subs = append(subs, list...)
		delete(c.subs, eng)
	}
	c.pendMu.Unlock()

	for _, sd := range pending {
		sd.finish(StatusError, ErrStreamStopped)
	}
	for _, sd := range subs {
		sd.finish(StatusError, ErrStreamStopped)
	}
	c.bufs.Drain()

	last := int(c.ispSeq.Load())
	for _, e := range c.pipes() {
		c.notifier.EndOfStream(e.String(), last)
	}
	c.log.Info("camctrl: context stopped", "last_seq", last, "dropped", len(pending))
}

// prepare validates spec against the context and resolves its feature and
// frame count. It has no side effects.
func (c *Context) prepare(spec StreamSpec) (Feature, int, error) {
	f := spec.Feature
	f.Mode = c.cfg.Mode

	c.pendMu.Lock()
	queued := c.queuedExp
	c.pendMu.Unlock()
	if f.Switch != SwitchNone {
		if f.Switch.Source() != queued {
			return f, 0, fmt.Errorf("%w: switch %s from %d queued exposures", ErrInvalidIndex, f.Switch, queued)
		}
		f.Exposures = f.Switch.Target()
	}
	if f.Exposures == 0 {
		f.Exposures = queued
	}
	if f.Exposures < 1 || f.Exposures > 3 {
		return f, 0, fmt.Errorf("%w: %d exposures", ErrInvalidIndex, f.Exposures)
	}
	// Odd sequences carry the full setting, even ones the retime.
	if c.cfg.Mode == ModeMstream && f.Exposures != 2 {
		return f, 0, fmt.Errorf("%w: mstream request with %d exposures", ErrInvalidIndex, f.Exposures)
	}
	if f.SubsampleRatio == 0 {
		f.SubsampleRatio = c.cfg.SubsampleRatio
	}
	if f.Switch != SwitchNone {
		if c.cfg.Mode != ModeStagger && c.cfg.Mode != ModeNormal {
			return f, 0, fmt.Errorf("%w: switch %s on %s stream", ErrInvalidIndex, f.Switch, c.cfg.Mode)
		}
		if c.router == nil {
			return f, 0, ErrNoRouter
		}
		if _, _, err := muxSettings(f.Switch, c.cfg.Raw, c.cfg.SubPipes); err != nil {
			return f, 0, err
		}
	}

	n := c.topo.framesPerRequest(f)
	if len(spec.Buffers) != 0 && len(spec.Buffers) != n {
		return f, 0, fmt.Errorf("%w: stream %d wants %d buffers, got %d", ErrInvalidIndex, c.cfg.StreamID, n, len(spec.Buffers))
	}
	return f, n, nil
}

// build assigns sequences to n main-pipe frames of req plus one frame per
// sub pipe, attached to the last main frame.
func (c *Context) build(req *Request, f Feature, n int) []*StreamData {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	out := make([]*StreamData, 0, n+len(c.cfg.SubPipes))
	main := c.pipes()[0]
	for i := 0; i < n; i++ {
		out = append(out, &StreamData{
			req:      req,
			StreamID: c.cfg.StreamID,
			Pipe:     main,
			Seq:      c.nextSeq + i,
			ExpIndex: i,
			Feature:  f,
		})
	}
	last := c.nextSeq + n - 1

	// camsv sub pipes carry the earlier exposures of a stagger frame, so
	// only as many take part as the frame has extra exposures.
	svLeft := len(c.cfg.SubPipes)
	if c.cfg.Mode == ModeStagger || c.cfg.Mode == ModeNormal {
		svLeft = f.Exposures - 1
	}
	for _, e := range c.cfg.SubPipes {
		if e.Class == ClassCamsv {
			if svLeft <= 0 {
				continue
			}
			svLeft--
		}
		out = append(out, &StreamData{
			req:      req,
			StreamID: c.cfg.StreamID,
			Pipe:     e,
			Seq:      last,
			Feature:  f,
			sub:      true,
		})
	}
	if f.Switch != SwitchNone {
		c.queuedExp = f.Switch.Target()
	}
	c.nextSeq += n
	return out
}

// admit queues stream data built by build, with any composed buffers.
func (c *Context) admit(sds []*StreamData, buffers []bufq.CQDesc) {
	c.pendMu.Lock()
	i := 0
	for _, sd := range sds {
		if sd.sub {
			c.subs[sd.Pipe] = append(c.subs[sd.Pipe], sd)
			continue
		}
		c.pending = append(c.pending, sd)
		if i < len(buffers) {
			c.bufs.PushComposed(&bufq.Buffer{FrameSeq: sd.Seq, CQ: buffers[i]})
		}
		i++
	}
	c.drainedSent = false
	c.pendMu.Unlock()

	c.topo.admitted(c)
}

// composed hands over a buffer composed after Enqueue.
func (c *Context) composed(b *bufq.Buffer) {
	c.bufs.PushComposed(b)
	c.topo.admitted(c)
}

// popPending removes the next pending main stream data if it has sequence
// seq.
func (c *Context) popPending(seq int) *StreamData {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	if len(c.pending) == 0 || c.pending[0].Seq != seq {
		return nil
	}
	sd := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return sd
}

// unpopPending puts sd back at the head of the pending list.
func (c *Context) unpopPending(sd *StreamData) {
	c.pendMu.Lock()
	c.pending = append([]*StreamData{sd}, c.pending...)
	c.pendMu.Unlock()
}

// insert adds sd to the state list with its request reference.
func (c *Context) insert(sd *StreamData, initial state.State) error {
	if err := c.list.Insert(sd, initial); err != nil {
		c.counters.listFull.Add(1)
		c.countError(Classify(err))
		return err
	}
	sd.req.get()
	return nil
}

// abortFrame drops sd from the list and finishes it with err.
func (c *Context) abortFrame(sd *StreamData, err error) {
	var removed bool
	c.list.Do(func(tx *state.Tx) { removed = tx.Remove(sd) })
	if removed {
		sd.req.put()
	}
	sd.finish(StatusError, err)
}
