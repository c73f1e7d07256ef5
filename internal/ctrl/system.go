package ctrl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/bufq"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/deadline"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/telemetry"
)

// Config configures a System.
type Config struct {
	Contexts []ContextConfig
	// Clock drives the deadline timers. Nil selects the system clock.
	Clock deadline.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Metrics defaults to instruments on the global meter provider.
	Metrics *telemetry.Metrics
}

// Deps are the collaborators the controller drives.
type Deps struct {
	// Sensors by stream id. M2M contexts need none.
	Sensors  map[int]Sensor
	CQ       CommandQueue
	Router   Router
	Notifier Notifier
	Consumer Consumer
}

type routeRole int

const (
	roleRaw routeRole = iota
	roleSub
	roleCapture
	roleSharedRaw
)

type route struct {
	ctx  *Context
	role routeRole
	arb  *tsArbiter
}

// System owns every capture context and routes engine interrupts to them.
type System struct {
	deps     Deps
	clock    deadline.Clock
	log      *slog.Logger
	metrics  *telemetry.Metrics
	consumer Consumer

	contexts []*Context
	byID     map[int]*Context
	routes   map[Engine]route
	arbiters []*tsArbiter

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewSystem validates cfg and builds one context per entry.
func NewSystem(cfg Config, deps Deps) (*System, error) {
	if deps.CQ == nil {
		return nil, fmt.Errorf("%w: no command queue", ErrInvalidConfig)
	}
	if len(cfg.Contexts) == 0 {
		return nil, fmt.Errorf("%w: no contexts", ErrInvalidConfig)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Consumer == nil {
		deps.Consumer = nopConsumer{}
	}

	s := &System{
		deps:     deps,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		consumer: deps.Consumer,
		byID:     make(map[int]*Context),
		routes:   make(map[Engine]route),
	}
	if s.clock == nil {
		s.clock = deadline.SystemClock{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = telemetry.Default()
	}

	shared := make(map[Engine]*tsArbiter)
	for _, cc := range cfg.Contexts {
		if _, dup := s.byID[cc.StreamID]; dup {
			return nil, fmt.Errorf("%w: duplicate stream %d", ErrInvalidConfig, cc.StreamID)
		}
		c, err := newContext(s, cc, deps.Sensors[cc.StreamID])
		if err != nil {
			return nil, err
		}

		if c.cfg.Mode == ModeTimeShared {
			arb, ok := shared[c.cfg.Raw]
			if !ok {
				if _, taken := s.routes[c.cfg.Raw]; taken {
					return nil, fmt.Errorf("%w: engine %s already routed", ErrInvalidConfig, c.cfg.Raw)
				}
				arb = newTSArbiter(c.cfg.Raw, deps.CQ, s.log)
				shared[c.cfg.Raw] = arb
				s.arbiters = append(s.arbiters, arb)
				s.routes[c.cfg.Raw] = route{role: roleSharedRaw, arb: arb}
			}
			c.arb = arb
			if err := s.addRoute(c.cfg.Capture, route{ctx: c, role: roleCapture}); err != nil {
				return nil, err
			}
		} else if err := s.addRoute(c.cfg.Raw, route{ctx: c, role: roleRaw}); err != nil {
			return nil, err
		}
		for _, e := range c.cfg.SubPipes {
			if err := s.addRoute(e, route{ctx: c, role: roleSub}); err != nil {
				return nil, err
			}
		}

		s.contexts = append(s.contexts, c)
		s.byID[cc.StreamID] = c
	}
	return s, nil
}

func (s *System) addRoute(e Engine, r route) error {
	if _, taken := s.routes[e]; taken {
		return fmt.Errorf("%w: engine %s already routed", ErrInvalidConfig, e)
	}
	s.routes[e] = r
	return nil
}

// Start starts every context in configuration order. Each context needs
// its first request enqueued with a composed buffer. On failure the
// contexts already started are stopped and the system cannot be restarted.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrStreamStopped
	}
	s.started = true
	s.mu.Unlock()

	for _, c := range s.contexts {
		if err := c.start(ctx); err != nil {
			s.log.Error("camctrl: start failed", "stream_id", c.cfg.StreamID, "error", err)
			s.Stop()
			return err
		}
	}
	s.log.Info("camctrl: started", "contexts", len(s.contexts))
	return nil
}

// Stop stops every context, finishing in-flight requests with
// ErrStreamStopped. Safe to call more than once.
func (s *System) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	for _, c := range s.contexts {
		c.stop()
	}
	for _, a := range s.arbiters {
		a.stop()
	}
	s.log.Info("camctrl: stopped")
}

// Enqueue admits a request. All of its stream specs are validated before
// any sequence is assigned, so a rejected request leaves no trace.
func (s *System) Enqueue(req *Request) error {
	if req == nil || len(req.specs) == 0 {
		return fmt.Errorf("%w: empty request", ErrInvalidIndex)
	}
	req.mu.Lock()
	attached := req.streams != nil
	req.mu.Unlock()
	if attached {
		return fmt.Errorf("%w: request %s already enqueued", ErrInvalidIndex, req.id)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStreamStopped
	}

	type prepared struct {
		c    *Context
		spec StreamSpec
		f    Feature
		n    int
	}
	plan := make([]prepared, 0, len(req.specs))
	seen := make(map[int]bool, len(req.specs))
	syncing := 0
	for _, spec := range req.specs {
		c, ok := s.byID[spec.StreamID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %d", ErrUnknownStream, spec.StreamID)
		}
		if seen[spec.StreamID] {
			s.mu.Unlock()
			return fmt.Errorf("%w: stream %d twice in request", ErrInvalidIndex, spec.StreamID)
		}
		seen[spec.StreamID] = true
		f, n, err := c.prepare(spec)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("stream %d: %w", spec.StreamID, err)
		}
		if c.cfg.FrameSync {
			syncing++
		}
		plan = append(plan, prepared{c: c, spec: spec, f: f, n: n})
	}
	req.fs = newSyncGroup(syncing)

	var all []*StreamData
	built := make([][]*StreamData, len(plan))
	for i, p := range plan {
		built[i] = p.c.build(req, p.f, p.n)
		all = append(all, built[i]...)
	}
	req.attach(all, s.consumer.FrameDone)
	s.mu.Unlock()

	for i, p := range plan {
		p.c.admit(built[i], p.spec.Buffers)
	}
	return nil
}

// Composed hands over the command queue composed for frame seq of a
// stream, for requests enqueued without buffers.
func (s *System) Composed(streamID, seq int, cq bufq.CQDesc) error {
	c, ok := s.Context(streamID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStream, streamID)
	}
	if seq < 1 {
		return fmt.Errorf("%w: frame %d", ErrInvalidIndex, seq)
	}
	c.composed(&bufq.Buffer{FrameSeq: seq, CQ: cq})
	return nil
}

// HandleIRQ decodes one engine interrupt and dispatches its events to the
// context owning the engine.
func (s *System) HandleIRQ(info IRQInfo) error {
	s.mu.Lock()
	live := s.started && !s.stopped
	s.mu.Unlock()
	if !live {
		return ErrNotStarted
	}
	r, ok := s.routes[info.Engine]
	if !ok {
		return fmt.Errorf("%w: engine %s", ErrInvalidIndex, info.Engine)
	}

	for _, ev := range Decode(info) {
		switch r.role {
		case roleRaw:
			r.ctx.handleRaw(ev)
		case roleSub:
			r.ctx.handleSub(ev)
		case roleCapture:
			r.ctx.handleCapture(ev)
		case roleSharedRaw:
			r.arb.handle(ev)
		}
	}
	return nil
}

// Sync blocks until every sensor write and frame completion queued before
// the call has run. Simulations use it to step deterministically.
func (s *System) Sync() {
	for _, c := range s.contexts {
		c.sensorQ.Flush()
		c.doneQ.Flush()
	}
	// Completions can release the shared raw engine and queue more work.
	for _, c := range s.contexts {
		c.doneQ.Flush()
	}
}

// Context returns the context of streamID.
func (s *System) Context(streamID int) (*Context, bool) {
	c, ok := s.byID[streamID]
	return c, ok
}

// Stats returns a snapshot of every context.
func (s *System) Stats() Stats {
	out := Stats{Contexts: make([]ContextStats, 0, len(s.contexts))}
	for _, c := range s.contexts {
		out.Contexts = append(out.Contexts, c.Stats())
	}
	return out
}

// IsStopped reports whether err means the request was cut short by Stop.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStreamStopped)
}
