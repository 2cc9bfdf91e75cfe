package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentflow/common"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsSink receives the counters and timers emitted by workers and the
// summarizer.
type MetricsSink interface {
	IncrementCounter(ctx context.Context, name string, tags map[string]string)
	RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string)
}

// InitMeter installs a global meter provider exporting over OTLP when an
// endpoint is configured. Without one the global provider is left as the
// otel no-op.
func InitMeter(serviceName string, config common.TelemetryConfig) (func(context.Context) error, error) {
	config = WithEnv(config)
	if !config.Enabled || config.Endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// OtelMetricsSink records metrics through an otel meter. Counters are int64
// counters; durations are float64 histograms in milliseconds.
type OtelMetricsSink struct {
	meter      metric.Meter
	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

func NewOtelMetricsSink(provider metric.MeterProvider) *OtelMetricsSink {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	return &OtelMetricsSink{
		meter:      provider.Meter(instrumentationName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (s *OtelMetricsSink) IncrementCounter(ctx context.Context, name string, tags map[string]string) {
	s.mu.Lock()
	counter, ok := s.counters[name]
	if !ok {
		var err error
		counter, err = s.meter.Int64Counter(name)
		if err != nil {
			s.mu.Unlock()
			log.Warn().Err(err).Str("metric", name).Msg("Failed to create counter")
			return
		}
		s.counters[name] = counter
	}
	s.mu.Unlock()
	counter.Add(ctx, 1, metric.WithAttributes(toAttributes(tags)...))
}

func (s *OtelMetricsSink) RecordDuration(ctx context.Context, name string, duration time.Duration, tags map[string]string) {
	s.mu.Lock()
	histogram, ok := s.histograms[name]
	if !ok {
		var err error
		histogram, err = s.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			s.mu.Unlock()
			log.Warn().Err(err).Str("metric", name).Msg("Failed to create histogram")
			return
		}
		s.histograms[name] = histogram
	}
	s.mu.Unlock()
	histogram.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(toAttributes(tags)...))
}

func toAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type NoopMetricsSink struct{}

func (NoopMetricsSink) IncrementCounter(context.Context, string, map[string]string) {}

func (NoopMetricsSink) RecordDuration(context.Context, string, time.Duration, map[string]string) {}

// RecordingMetricsSink keeps every recorded metric in memory, keyed by name
// and sorted tags. Useful in tests.
type RecordingMetricsSink struct {
	mu        sync.Mutex
	counters  map[string]int
	durations map[string][]time.Duration
}

func NewRecordingMetricsSink() *RecordingMetricsSink {
	return &RecordingMetricsSink{
		counters:  make(map[string]int),
		durations: make(map[string][]time.Duration),
	}
}

func (s *RecordingMetricsSink) IncrementCounter(_ context.Context, name string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[metricKey(name, tags)]++
}

func (s *RecordingMetricsSink) RecordDuration(_ context.Context, name string, duration time.Duration, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := metricKey(name, tags)
	s.durations[key] = append(s.durations[key], duration)
}

func (s *RecordingMetricsSink) Counter(name string, tags map[string]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[metricKey(name, tags)]
}

func (s *RecordingMetricsSink) Durations(name string, tags map[string]string) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durations[metricKey(name, tags)]...)
}

func metricKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}
