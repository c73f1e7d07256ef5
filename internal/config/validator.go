package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "camctrl"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if !logLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := ValidateContexts(cfg.Contexts); err != nil {
		return fmt.Errorf("context validation failed: %w", err)
	}

	if cfg.Notify.BufferSize <= 0 {
		cfg.Notify.BufferSize = 64
	}
	if cfg.Notify.MQTT.Broker != "" {
		if cfg.Notify.MQTT.TopicPrefix == "" {
			cfg.Notify.MQTT.TopicPrefix = fmt.Sprintf("camctrl/%s", cfg.InstanceID)
		}
		if cfg.Notify.MQTT.QoS == nil {
			cfg.Notify.MQTT.QoS = map[string]byte{
				"frame_sync":      0,
				"end_of_stream":   1,
				"request_drained": 1,
			}
		}
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	if cfg.Telemetry.IntervalS <= 0 {
		cfg.Telemetry.IntervalS = 10
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.InstanceID
	}

	if cfg.Sim.Speed <= 0 {
		cfg.Sim.Speed = 1
	}
	if cfg.Sim.Frames < 0 {
		return fmt.Errorf("sim.frames must be >= 0")
	}
	if cfg.Sim.StatsIntervalS <= 0 {
		cfg.Sim.StatsIntervalS = 5
	}
	return nil
}

// ValidateContexts checks each context and that stream ids and engines are
// not claimed twice. Time-shared contexts may share their raw engine.
func ValidateContexts(contexts []ContextConfig) error {
	if len(contexts) == 0 {
		return fmt.Errorf("at least one context is required")
	}

	type owner struct {
		stream int
		shared bool
	}
	streams := make(map[int]bool)
	owners := make(map[string]owner)
	claim := func(engine string, stream int, shared bool) error {
		key := strings.ToLower(strings.TrimSpace(engine))
		if o, ok := owners[key]; ok && !(shared && o.shared) {
			return fmt.Errorf("stream %d: engine %s already used by stream %d", stream, engine, o.stream)
		}
		owners[key] = owner{stream: stream, shared: shared}
		return nil
	}

	for i := range contexts {
		cc := &contexts[i]
		if streams[cc.StreamID] {
			return fmt.Errorf("duplicate stream_id %d", cc.StreamID)
		}
		streams[cc.StreamID] = true

		if cc.FPS <= 0 {
			cc.FPS = 30
		}
		if cc.TimerEventMs < 0 || cc.TimerSensorMs < 0 {
			return fmt.Errorf("stream %d: timer overrides must be >= 0", cc.StreamID)
		}

		converted, err := cc.controller()
		if err != nil {
			return fmt.Errorf("stream %d: %w", cc.StreamID, err)
		}

		shared := converted.Mode == ctrl.ModeTimeShared
		if err := claim(cc.Raw, cc.StreamID, shared); err != nil {
			return err
		}
		if shared && cc.Capture == "" {
			return fmt.Errorf("stream %d: time_shared requires a capture engine", cc.StreamID)
		}
		if cc.Capture != "" {
			if err := claim(cc.Capture, cc.StreamID, false); err != nil {
				return err
			}
		}
		for _, sp := range cc.SubPipes {
			if err := claim(sp, cc.StreamID, false); err != nil {
				return err
			}
		}
	}
	return nil
}
