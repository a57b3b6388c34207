package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	started     metric.Int64Counter
	transitions metric.Int64Counter
	finished    metric.Int64Counter
	stepLatency metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.started, err = meter.Int64Counter("paycore.workflows.started",
		metric.WithDescription("Workflows accepted"),
		metric.WithUnit("{workflow}"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("paycore.workflows.transitions",
		metric.WithDescription("State transitions by target state"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.finished, err = meter.Int64Counter("paycore.workflows.finished",
		metric.WithDescription("Workflows that reached a terminal state"),
		metric.WithUnit("{workflow}"),
	); err != nil {
		return nil, err
	}
	if m.stepLatency, err = meter.Float64Histogram("paycore.rail.step.duration",
		metric.WithDescription("Rail step duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}
	if m.inFlight, err = meter.Int64UpDownCounter("paycore.workflows.active",
		metric.WithDescription("Workflows with a running driver"),
		metric.WithUnit("{workflow}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) transition(ctx context.Context, to Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
}

func (m *metrics) finish(ctx context.Context, to Status, code string) {
	m.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(to)),
		attribute.String("code", code),
	))
}

func (m *metrics) step(ctx context.Context, rail, step string, d time.Duration, err error) {
	m.stepLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("rail", rail),
		attribute.String("step", step),
		attribute.Bool("error", err != nil),
	))
}
