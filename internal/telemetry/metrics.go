// Package telemetry exposes the controller's OpenTelemetry instruments and
// the OTLP exporter setup used by the command-line tools.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every instrument.
const MeterName = "github.com/e7canasta/orion-care-sensor/modules/camctrl"

// Metrics records per-context pipeline counters.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sof            metric.Int64Counter
	cqApplied      metric.Int64Counter
	sensorDispatch metric.Int64Counter
	sensorDelay    metric.Float64Histogram
	framesDone     metric.Int64Counter
	recovered      metric.Int64Counter
	drained        metric.Int64Counter
	errors         metric.Int64Counter
}

// Default builds the instruments on the global meter provider (a no-op
// provider unless Setup or the host installed one).
func Default() *Metrics {
	m, err := New(otel.Meter(MeterName))
	if err != nil {
		return nil
	}
	return m
}

// New builds the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.sof, err = meter.Int64Counter("camctrl.sof",
		metric.WithDescription("Start-of-frame events handled, by decision"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("telemetry: camctrl.sof: %w", err)
	}
	if m.cqApplied, err = meter.Int64Counter("camctrl.cq.applied",
		metric.WithDescription("Command queues handed to the hardware"),
		metric.WithUnit("{cq}")); err != nil {
		return nil, fmt.Errorf("telemetry: camctrl.cq.applied: %w", err)
	}
	if m.sensorDispatch, err = meter.Int64Counter("camctrl.sensor.dispatch",
		metric.WithDescription("Sensor settings queued to the sensor worker"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, fmt.Errorf("telemetry: camctrl.sensor.dispatch: %w", err)
	}
	if m.sensorDelay, err = meter.Float64Histogram("camctrl.sensor.dispatch_delay",
		metric.WithDescription("Time from SOF to sensor dispatch"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: camctrl.sensor.dispatch_delay: %w", err)
	}
	if m.framesDone, err = meter.Int64Counter("camctrl.frames.done",
		metric.WithDescription("Frames completed, by status"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, fmt.Errorf("telemetry: camctrl.frames.done: %w", err)
	}
	if m.recovered, err = meter.Int64Counter("camctrl.frames.recovered",
		metric.WithDescription("Frames completed from the write counter after a missed frame-done"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, fmt.Errorf("telemetry: camctrl.frames.recovered: %w", err)
	}
	if m.drained, err = meter.Int64Counter("camctrl.requests.drained",
		metric.WithDescription("Request-drained notifications"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("telemetry: camctrl.requests.drained: %w", err)
	}
	if m.errors, err = meter.Int64Counter("camctrl.errors",
		metric.WithDescription("Handled faults, by category"),
		metric.WithUnit("{error}")); err != nil {
		return nil, fmt.Errorf("telemetry: camctrl.errors: %w", err)
	}
	return &m, nil
}

func streamAttr(stream int) attribute.KeyValue {
	return attribute.Int("stream_id", stream)
}

// SOF counts one start-of-frame with the handler's decision.
func (m *Metrics) SOF(ctx context.Context, stream int, decision string) {
	if m == nil {
		return
	}
	m.sof.Add(ctx, 1, metric.WithAttributes(streamAttr(stream), attribute.String("decision", decision)))
}

// CQApplied counts one command queue handed to the hardware.
func (m *Metrics) CQApplied(ctx context.Context, stream int) {
	if m == nil {
		return
	}
	m.cqApplied.Add(ctx, 1, metric.WithAttributes(streamAttr(stream)))
}

// SensorDispatched counts a sensor dispatch and records its delay from SOF.
func (m *Metrics) SensorDispatched(ctx context.Context, stream int, sinceSOF time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(streamAttr(stream))
	m.sensorDispatch.Add(ctx, 1, attrs)
	m.sensorDelay.Record(ctx, float64(sinceSOF)/float64(time.Millisecond), attrs)
}

// FrameDone counts a completed frame.
func (m *Metrics) FrameDone(ctx context.Context, stream int, status string) {
	if m == nil {
		return
	}
	m.framesDone.Add(ctx, 1, metric.WithAttributes(streamAttr(stream), attribute.String("status", status)))
}

// Recovered counts frames completed retroactively.
func (m *Metrics) Recovered(ctx context.Context, stream int, n int) {
	if m == nil || n == 0 {
		return
	}
	m.recovered.Add(ctx, int64(n), metric.WithAttributes(streamAttr(stream)))
}

// Drained counts a request-drained notification.
func (m *Metrics) Drained(ctx context.Context, stream int) {
	if m == nil {
		return
	}
	m.drained.Add(ctx, 1, metric.WithAttributes(streamAttr(stream)))
}

// Error counts a handled fault.
func (m *Metrics) Error(ctx context.Context, stream int, category string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(streamAttr(stream), attribute.String("category", category)))
}
