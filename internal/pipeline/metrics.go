package pipeline

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/internal/pipeline"

type metrics struct {
	tracer trace.Tracer

	captured   metric.Int64Counter
	dropped    metric.Int64Counter
	dispatched metric.Int64Counter
	discarded  metric.Int64Counter
	failures   metric.Int64Counter
	latency    metric.Float64Histogram
}

// newMetrics registers the pipeline instruments on the global providers,
// which are no-ops until telemetry is configured.
func newMetrics(bus *events.Bus) (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{tracer: otel.Tracer(instrumentationName)}

	var err error
	if m.captured, err = meter.Int64Counter("scribe.frames.captured",
		metric.WithDescription("Audio frames read from the capture device.")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("scribe.frames.dropped",
		metric.WithDescription("Frames lost to frame queue backpressure.")); err != nil {
		return nil, err
	}
	if m.dispatched, err = meter.Int64Counter("scribe.utterances.dispatched",
		metric.WithDescription("Utterances sent to refinement.")); err != nil {
		return nil, err
	}
	if m.discarded, err = meter.Int64Counter("scribe.utterances.discarded",
		metric.WithDescription("Utterances below the minimum duration.")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("scribe.refine.failures",
		metric.WithDescription("Refinement calls that returned an error.")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("scribe.refine.duration",
		metric.WithDescription("Refinement latency per utterance."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if _, err = meter.Int64ObservableCounter("scribe.events.dropped",
		metric.WithDescription("Events lost to event queue backpressure."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(bus.Dropped()))
			return nil
		})); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) frameCaptured(ctx context.Context) { m.captured.Add(ctx, 1) }

func (m *metrics) framesDropped(ctx context.Context, n uint64) {
	if n > 0 {
		m.dropped.Add(ctx, int64(n))
	}
}

func (m *metrics) utteranceDispatched(ctx context.Context) { m.dispatched.Add(ctx, 1) }

func (m *metrics) utteranceDiscarded(ctx context.Context) { m.discarded.Add(ctx, 1) }

func (m *metrics) refineFailed(ctx context.Context) { m.failures.Add(ctx, 1) }

func (m *metrics) refineLatency(ctx context.Context, d time.Duration) {
	m.latency.Record(ctx, d.Seconds())
}
