package tts

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/dgnsrekt/speak/tts"

// Metrics records stream counters through an OpenTelemetry meter. A nil
// *Metrics records nothing.
type Metrics struct {
	chunks      metric.Int64Counter
	samples     metric.Int64Counter
	underruns   metric.Int64Counter
	rebuffers   metric.Int64Counter
	transitions metric.Int64Counter
	runs        metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMetrics creates the stream instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.chunks, "speak.stream.chunks", "Audio chunks received from the backend", "{chunk}"},
		{&m.samples, "speak.stream.samples", "Samples written to the ring buffer", "{sample}"},
		{&m.underruns, "speak.stream.underruns", "Device pulls padded with silence", "{pull}"},
		{&m.rebuffers, "speak.stream.rebuffers", "Transitions into rebuffering", "{transition}"},
		{&m.transitions, "speak.stream.transitions", "Realized state transitions", "{transition}"},
		{&m.runs, "speak.stream.runs", "Completed stream operations", "{run}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
	}

	m.duration, err = meter.Float64Histogram("speak.stream.duration",
		metric.WithDescription("Seconds of audio delivered per stream"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating speak.stream.duration: %w", err)
	}
	return &m, nil
}

// RecordChunk counts one received chunk and its samples.
func (m *Metrics) RecordChunk(ctx context.Context, samples int) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1)
	m.samples.Add(ctx, int64(samples))
}

// RecordTransition counts a realized state transition.
func (m *Metrics) RecordTransition(ctx context.Context, t Transition) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", t.From.String()),
		attribute.String("to", t.To.String()),
		attribute.String("event", t.Event.Type.String()),
	))
	if t.To == StateRebuffering {
		m.rebuffers.Add(ctx, 1)
	}
}

// RecordResult records the outcome of a finished stream.
func (m *Metrics) RecordResult(ctx context.Context, r *StreamResult) {
	if m == nil || r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("final_state", r.FinalState.String()),
		attribute.Bool("cancelled", r.Cancelled),
	)
	m.runs.Add(ctx, 1, attrs)
	m.underruns.Add(ctx, int64(r.UnderrunCount))
	m.duration.Record(ctx, r.TotalDurationSeconds, attrs)
}
