// Package config loads the YAML configuration of the camctrl tools.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

// Config is the complete camctrl configuration.
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	LogLevel         string          `yaml:"log_level"`          // debug, info, warn, error (default: info)
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Contexts         []ContextConfig `yaml:"contexts"`
	Notify           NotifyConfig    `yaml:"notify"`
	Telemetry        TelemetryConfig `yaml:"telemetry"`
	Sim              SimConfig       `yaml:"sim"`
}

// ContextConfig is one capture context.
type ContextConfig struct {
	StreamID          int      `yaml:"stream_id"`
	Mode              string   `yaml:"mode"`    // normal, stagger, mstream, subsample, time_shared, m2m
	Raw               string   `yaml:"raw"`     // e.g. raw0
	Capture           string   `yaml:"capture"` // camsv engine, time_shared only
	SubPipes          []string `yaml:"sub_pipes"`
	Exposures         int      `yaml:"exposures"`
	FPS               int      `yaml:"fps"` // sensor frame rate (default: 30)
	SubsampleRatio    int      `yaml:"subsample_ratio"`
	FrameSync         bool     `yaml:"frame_sync"`
	InitialDropFrames int      `yaml:"initial_drop_frames"`
	StateListDepth    int      `yaml:"state_list_depth"`
	WriteCounterBits  int      `yaml:"write_counter_bits"`
	TimerEventMs      float64  `yaml:"timer_event_ms"`  // overrides the computed event phase
	TimerSensorMs     float64  `yaml:"timer_sensor_ms"` // overrides the computed sensor phase
}

// NotifyConfig selects where controller events are published.
type NotifyConfig struct {
	BufferSize int        `yaml:"buffer_size"` // per-subscriber event buffer (default: 64)
	MQTT       MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// sink.
type MQTTConfig struct {
	Broker      string          `yaml:"broker"`
	TopicPrefix string          `yaml:"topic_prefix"`
	QoS         map[string]byte `yaml:"qos"`
}

// TelemetryConfig contains OTLP metric export settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	IntervalS   int    `yaml:"interval_s"`
	ServiceName string `yaml:"service_name"`
}

// SimConfig drives the simulated hardware of camctrl-sim.
type SimConfig struct {
	Frames int `yaml:"frames"` // frames per context to run, 0 runs until interrupted
	// Speed scales the frame clock; 2 runs twice as fast as the sensor.
	Speed float64 `yaml:"speed"`
	// HWDelayEvery stalls the raw engine one period every n frames.
	HWDelayEvery int `yaml:"hw_delay_every"`
	// LoseFrameDoneEvery drops one frame-done interrupt every n frames.
	LoseFrameDoneEvery int `yaml:"lose_frame_done_every"`
	StatsIntervalS     int `yaml:"stats_interval_s"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ControllerContexts converts the contexts section for ctrl.NewSystem.
func (c *Config) ControllerContexts() ([]ctrl.ContextConfig, error) {
	out := make([]ctrl.ContextConfig, 0, len(c.Contexts))
	for i, cc := range c.Contexts {
		converted, err := cc.controller()
		if err != nil {
			return nil, fmt.Errorf("contexts[%d]: %w", i, err)
		}
		out = append(out, converted)
	}
	return out, nil
}

func (cc ContextConfig) controller() (ctrl.ContextConfig, error) {
	mode, err := ctrl.ParseMode(cc.Mode)
	if err != nil {
		return ctrl.ContextConfig{}, err
	}
	raw, err := ctrl.ParseEngine(cc.Raw)
	if err != nil {
		return ctrl.ContextConfig{}, err
	}
	out := ctrl.ContextConfig{
		StreamID:          cc.StreamID,
		Mode:              mode,
		Raw:               raw,
		Exposures:         cc.Exposures,
		SubsampleRatio:    cc.SubsampleRatio,
		FrameSync:         cc.FrameSync,
		InitialDropFrames: cc.InitialDropFrames,
		ListCapacity:      cc.StateListDepth,
		WriteCounterBits:  cc.WriteCounterBits,
		TimerEvent:        msToDuration(cc.TimerEventMs),
		TimerSensor:       msToDuration(cc.TimerSensorMs),
	}
	if cc.Capture != "" {
		if out.Capture, err = ctrl.ParseEngine(cc.Capture); err != nil {
			return ctrl.ContextConfig{}, err
		}
	}
	for _, s := range cc.SubPipes {
		e, err := ctrl.ParseEngine(s)
		if err != nil {
			return ctrl.ContextConfig{}, err
		}
		out.SubPipes = append(out.SubPipes, e)
	}
	return out, nil
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
