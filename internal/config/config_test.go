package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/ctrl"
)

const sample = `
instance_id: bench-1
log_level: DEBUG
contexts:
  - stream_id: 0
    mode: stagger
    raw: raw0
    sub_pipes: [camsv0, mraw0]
    exposures: 2
    fps: 60
    timer_event_ms: 4.5
  - stream_id: 1
    mode: time_shared
    raw: raw1
    capture: camsv2
  - stream_id: 2
    mode: time_shared
    raw: raw1
    capture: camsv3
notify:
  mqtt:
    broker: localhost:1883
telemetry:
  enabled: true
  endpoint: otel-collector:4317
`

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout())
	}
	if cfg.Notify.MQTT.TopicPrefix != "camctrl/bench-1" {
		t.Errorf("TopicPrefix = %q", cfg.Notify.MQTT.TopicPrefix)
	}
	if cfg.Notify.MQTT.QoS["end_of_stream"] != 1 {
		t.Errorf("QoS = %v", cfg.Notify.MQTT.QoS)
	}
	if cfg.Notify.BufferSize != 64 || cfg.Telemetry.IntervalS != 10 || cfg.Telemetry.ServiceName != "bench-1" {
		t.Errorf("defaults not applied: notify=%+v telemetry=%+v", cfg.Notify, cfg.Telemetry)
	}
	if cfg.Contexts[1].FPS != 30 {
		t.Errorf("contexts[1].fps = %d, want 30", cfg.Contexts[1].FPS)
	}
	if cfg.Sim.Speed != 1 {
		t.Errorf("sim.speed = %v", cfg.Sim.Speed)
	}
}

func TestControllerContexts(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := cfg.ControllerContexts()
	if err != nil {
		t.Fatalf("ControllerContexts: %v", err)
	}

	want := ctrl.ContextConfig{
		StreamID:  0,
		Mode:      ctrl.ModeStagger,
		Raw:       ctrl.Engine{Class: ctrl.ClassRaw, Index: 0},
		Exposures: 2,
		SubPipes: []ctrl.Engine{
			{Class: ctrl.ClassCamsv, Index: 0},
			{Class: ctrl.ClassMraw, Index: 0},
		},
		TimerEvent: 4500 * time.Microsecond,
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Fatalf("contexts[0] (-want +got):\n%s", diff)
	}
	if got[2].Capture != (ctrl.Engine{Class: ctrl.ClassCamsv, Index: 3}) {
		t.Fatalf("contexts[2].Capture = %v", got[2].Capture)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no contexts",
			yaml: "log_level: info\n",
			want: "at least one context",
		},
		{
			name: "bad instance id",
			yaml: "instance_id: Bench_1\ncontexts: [{stream_id: 0, raw: raw0}]\n",
			want: "instance_id",
		},
		{
			name: "bad log level",
			yaml: "log_level: loud\ncontexts: [{stream_id: 0, raw: raw0}]\n",
			want: "log_level",
		},
		{
			name: "duplicate stream",
			yaml: "contexts: [{stream_id: 0, raw: raw0}, {stream_id: 0, raw: raw1}]\n",
			want: "duplicate stream_id",
		},
		{
			name: "shared raw outside time sharing",
			yaml: "contexts: [{stream_id: 0, raw: raw0}, {stream_id: 1, mode: time_shared, raw: raw0, capture: camsv2}]\n",
			want: "already used",
		},
		{
			name: "sub pipe claimed twice",
			yaml: "contexts: [{stream_id: 0, raw: raw0, sub_pipes: [camsv0]}, {stream_id: 1, raw: raw1, sub_pipes: [camsv0]}]\n",
			want: "already used",
		},
		{
			name: "time shared without capture",
			yaml: "contexts: [{stream_id: 0, mode: time_shared, raw: raw0}]\n",
			want: "capture engine",
		},
		{
			name: "unknown mode",
			yaml: "contexts: [{stream_id: 0, mode: hdr, raw: raw0}]\n",
			want: "unknown topology",
		},
		{
			name: "unknown engine",
			yaml: "contexts: [{stream_id: 0, raw: isp0}]\n",
			want: "unknown engine",
		},
		{
			name: "telemetry without endpoint",
			yaml: "contexts: [{stream_id: 0, raw: raw0}]\ntelemetry: {enabled: true}\n",
			want: "telemetry.endpoint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camctrl.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Contexts) != 3 {
		t.Fatalf("contexts = %d, want 3", len(cfg.Contexts))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}
