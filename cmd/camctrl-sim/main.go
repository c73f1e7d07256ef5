package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/notify"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/sim"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/telemetry"
)

const (
	version           = "v0.1.0"
	defaultConfigPath = "configs/camctrl.yaml"

	// queueAhead is how many requests each context keeps waiting.
	queueAhead = 2
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	frames := flag.Int("frames", -1, "Frames per context to run (overrides sim.frames, 0 = until interrupted)")
	debug := flag.Bool("debug", false, "Enable debug logging (overrides log_level)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camctrl-sim %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *frames >= 0 {
		cfg.Sim.Frames = *frames
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	runID := uuid.NewString()
	printBanner(cfg, *configPath, runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("camctrl: shutdown signal received, stopping gracefully")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("camctrl: simulation failed", "run_id", runID, "error", err)
		os.Exit(1)
	}
	logger.Info("camctrl: simulation finished", "run_id", runID)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(ctx, telemetry.ExportConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Interval:    time.Duration(cfg.Telemetry.IntervalS) * time.Second,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
			defer scancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("camctrl: telemetry shutdown failed", "error", err)
			}
		}()
	}

	contexts, err := cfg.ControllerContexts()
	if err != nil {
		return err
	}

	bus := notify.NewBus(nil)
	defer bus.Close()
	if cfg.Notify.MQTT.Broker != "" {
		sink := notify.NewMQTTSink(cfg.Notify.MQTT, cfg.InstanceID, logger)
		if err := sink.Connect(ctx); err != nil {
			return err
		}
		defer sink.Disconnect()

		ch := make(chan notify.Event, cfg.Notify.BufferSize)
		if err := bus.Subscribe("mqtt", ch); err != nil {
			return err
		}
		go sink.Forward(ctx, ch)
	}
	events := make(chan notify.Event, cfg.Notify.BufferSize)
	if err := bus.Subscribe("log", events); err != nil {
		return err
	}
	go logEvents(ctx, events, logger)

	isp := sim.NewISP(logger, nil)
	sensors := make(map[int]camctrl.Sensor)
	for i, cc := range contexts {
		if cc.Mode != camctrl.ModeM2M {
			sensors[cc.StreamID] = sim.NewSensor(cfg.Contexts[i].FPS)
		}
	}

	results := newResultCounter(logger)
	ctl, err := camctrl.New(camctrl.Config{Contexts: contexts, Logger: logger}, camctrl.Deps{
		Sensors:  sensors,
		CQ:       isp,
		Router:   isp,
		Notifier: bus,
		Consumer: results,
	})
	if err != nil {
		return err
	}
	defer ctl.Stop()
	isp.Connect(ctl.HandleIRQ, ctl.Sync)

	feeder := newFeeder(ctl, contexts)
	if err := feeder.fill(); err != nil {
		return err
	}
	if err := ctl.Start(ctx); err != nil {
		return err
	}

	period := framePeriod(cfg)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	statsTicker := time.NewTicker(time.Duration(cfg.Sim.StatsIntervalS) * time.Second)
	defer statsTicker.Stop()

	driver := sim.NewDriver(isp, contexts)
	for step := 1; ; step++ {
		select {
		case <-ctx.Done():
			printStats(ctl.Stats(), results.snapshot())
			return ctx.Err()
		case <-statsTicker.C:
			printStats(ctl.Stats(), results.snapshot())
		case <-ticker.C:
			injectFaults(isp, cfg.Sim, contexts, step)
			driver.Step()
			if err := feeder.fill(); err != nil {
				return err
			}
			if done(ctl.Stats(), cfg.Sim.Frames) {
				ctl.Sync()
				printStats(ctl.Stats(), results.snapshot())
				return nil
			}
		}
	}
}

// framePeriod is the slowest context's frame interval scaled by sim.speed.
func framePeriod(cfg *config.Config) time.Duration {
	fps := 0
	for _, cc := range cfg.Contexts {
		if fps == 0 || cc.FPS < fps {
			fps = cc.FPS
		}
	}
	return time.Duration(float64(time.Second) / float64(fps) / cfg.Sim.Speed)
}

func injectFaults(isp *sim.ISP, sc config.SimConfig, contexts []camctrl.ContextConfig, step int) {
	for _, cc := range contexts {
		if cc.Mode == camctrl.ModeM2M || cc.Mode == camctrl.ModeTimeShared {
			continue
		}
		if sc.HWDelayEvery > 0 && step%sc.HWDelayEvery == 0 {
			isp.Stall(cc.Raw, 1)
		}
		if sc.LoseFrameDoneEvery > 0 && step%sc.LoseFrameDoneEvery == 0 {
			isp.LoseFrameDone(cc.Raw, step)
		}
	}
}

func done(st camctrl.Stats, frames int) bool {
	if frames <= 0 {
		return false
	}
	for _, cs := range st.Contexts {
		if cs.FramesDone < uint64(frames) {
			return false
		}
	}
	return true
}

// feeder keeps queueAhead requests waiting on every context.
type feeder struct {
	ctl      camctrl.Controller
	contexts []camctrl.ContextConfig
	next     map[int]int
}

func newFeeder(ctl camctrl.Controller, contexts []camctrl.ContextConfig) *feeder {
	f := &feeder{ctl: ctl, contexts: contexts, next: make(map[int]int)}
	for _, cc := range contexts {
		f.next[cc.StreamID] = 1
	}
	return f
}

func (f *feeder) fill() error {
	pending := make(map[int]int)
	for _, cs := range f.ctl.Stats().Contexts {
		pending[cs.StreamID] = cs.Pending
	}
	for _, cc := range f.contexts {
		frames := 1
		if cc.Mode == camctrl.ModeMstream {
			frames = 2
		}
		for i := pending[cc.StreamID]; i < queueAhead; i++ {
			bufs := make([]camctrl.CQDesc, frames)
			for j := range bufs {
				bufs[j] = sim.CQ(f.next[cc.StreamID] + j)
			}
			req := camctrl.NewRequest(sim.NewRequest(cc.StreamID), camctrl.StreamSpec{StreamID: cc.StreamID, Buffers: bufs})
			if err := f.ctl.Enqueue(req); err != nil {
				return fmt.Errorf("enqueue stream %d: %w", cc.StreamID, err)
			}
			f.next[cc.StreamID] += frames
		}
	}
	return nil
}

func logEvents(ctx context.Context, ch <-chan notify.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			logger.Debug("camctrl: pipe event", "kind", ev.Kind.String(), "pipe", ev.Pipe, "frame_seq", ev.Seq)
		}
	}
}

// resultCounter is the simulation's consumer: it counts request outcomes.
type resultCounter struct {
	log *slog.Logger

	mu       sync.Mutex
	byStatus map[camctrl.FrameStatus]uint64
	metas    uint64
}

func newResultCounter(log *slog.Logger) *resultCounter {
	return &resultCounter{log: log, byStatus: make(map[camctrl.FrameStatus]uint64)}
}

func (r *resultCounter) FrameDone(res camctrl.FrameResult) {
	r.mu.Lock()
	r.byStatus[res.Status]++
	r.mu.Unlock()
	if res.Status != camctrl.StatusNormal {
		r.log.Debug("camctrl: request completed", "request_id", res.RequestID, "status", res.Status.String(), "error", res.Err)
	}
}

func (r *resultCounter) MetaDone(camctrl.Engine, int) {
	r.mu.Lock()
	r.metas++
	r.mu.Unlock()
}

func (r *resultCounter) snapshot() map[camctrl.FrameStatus]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[camctrl.FrameStatus]uint64, len(r.byStatus))
	for k, v := range r.byStatus {
		out[k] = v
	}
	return out
}
