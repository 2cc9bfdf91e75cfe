package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"agentflow/common"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "agentflow"

const (
	otelEnabledEnv  = "AGENTFLOW_OTEL_ENABLED"
	otelEndpointEnv = "AGENTFLOW_OTEL_ENDPOINT"
)

const (
	traceFilePrefix = "traces-"
	traceFileSuffix = ".jsonl"
	traceFileLayout = "20060102-150405"
)

// WithEnv applies the AGENTFLOW_OTEL_ENABLED and AGENTFLOW_OTEL_ENDPOINT
// overrides to config.
func WithEnv(config common.TelemetryConfig) common.TelemetryConfig {
	if val := os.Getenv(otelEnabledEnv); val != "" {
		lower := strings.ToLower(val)
		config.Enabled = lower != "false" && lower != "0"
	}
	if endpoint := os.Getenv(otelEndpointEnv); endpoint != "" {
		config.Endpoint = endpoint
	}
	return config
}

// Tracer returns the agentflow tracer from the global provider, which is a
// no-op until InitTracer has run.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span tagged with the given flow session id.
func StartSpan(ctx context.Context, name, sessionId string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("flow.session_id", sessionId))
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// SpanIds returns the hex trace and span ids of the span in ctx, or empty
// strings when there is no recording span.
func SpanIds(ctx context.Context) (string, string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	return resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
}

// InitTracer installs the global tracer provider. Spans are exported over
// OTLP when an endpoint is configured and otherwise written to a trace file
// per process start, pruning files past the retention period.
func InitTracer(serviceName string, config common.TelemetryConfig) (func(context.Context) error, error) {
	config = WithEnv(config)
	if !config.Enabled {
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	var traceFile *os.File
	if config.Endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
	} else {
		dir, err := traceDir(config)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		pruneTraceFiles(dir, time.Duration(config.TraceRetentionDays)*24*time.Hour, now)
		traceFile, err = openTraceFile(dir, now)
		if err != nil {
			return nil, err
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(traceFile))
		if err != nil {
			traceFile.Close()
			return nil, err
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if traceFile != nil {
			err = errors.Join(err, traceFile.Close())
		}
		return err
	}, nil
}

// sampler keeps the parent's decision and samples root spans at ratio. A
// ratio outside (0, 1) samples everything.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func traceDir(config common.TelemetryConfig) (string, error) {
	dir := config.TraceDir
	if dir == "" {
		stateHome, err := common.GetStateHome()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(stateHome, "traces")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// openTraceFile creates a trace file named after now. A second process
// started within the same second gets a numbered file.
func openTraceFile(dir string, now time.Time) (*os.File, error) {
	base := traceFilePrefix + now.UTC().Format(traceFileLayout)
	name := base + traceFileSuffix
	for i := 1; ; i++ {
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if !errors.Is(err, os.ErrExist) || i > 100 {
			return file, err
		}
		name = base + "." + strconv.Itoa(i) + traceFileSuffix
	}
}

// pruneTraceFiles removes trace files started longer than retention before
// now. A zero retention keeps every file.
func pruneTraceFiles(dir string, retention time.Duration, now time.Time) {
	if retention <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := now.Add(-retention)
	for _, entry := range entries {
		started, ok := traceFileTime(entry.Name())
		if entry.IsDir() || !ok || !started.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to remove old trace file")
		}
	}
}

func traceFileTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, traceFilePrefix) || !strings.HasSuffix(name, traceFileSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimPrefix(name, traceFilePrefix)
	if len(stamp) < len(traceFileLayout) {
		return time.Time{}, false
	}
	started, err := time.Parse(traceFileLayout, stamp[:len(traceFileLayout)])
	return started, err == nil
}
