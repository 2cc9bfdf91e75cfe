package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentflow/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestWithEnv(t *testing.T) {
	t.Setenv(otelEnabledEnv, "")
	t.Setenv(otelEndpointEnv, "")
	config := WithEnv(common.TelemetryConfig{Enabled: true, Endpoint: "collector:4317"})
	assert.True(t, config.Enabled)
	assert.Equal(t, "collector:4317", config.Endpoint)

	t.Setenv(otelEnabledEnv, "FALSE")
	assert.False(t, WithEnv(common.TelemetryConfig{Enabled: true}).Enabled)
	t.Setenv(otelEnabledEnv, "0")
	assert.False(t, WithEnv(common.TelemetryConfig{Enabled: true}).Enabled)
	t.Setenv(otelEnabledEnv, "true")
	assert.True(t, WithEnv(common.TelemetryConfig{}).Enabled)

	t.Setenv(otelEndpointEnv, "otel:4317")
	assert.Equal(t, "otel:4317", WithEnv(common.TelemetryConfig{Endpoint: "collector:4317"}).Endpoint)
}

func TestInitTracer_Disabled(t *testing.T) {
	t.Setenv(otelEnabledEnv, "")
	dir := t.TempDir()
	shutdown, err := InitTracer("agentflow-test", common.TelemetryConfig{TraceDir: dir})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInitTracer_WritesTraceFile(t *testing.T) {
	t.Setenv(otelEnabledEnv, "")
	t.Setenv(otelEndpointEnv, "")
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	dir := t.TempDir()
	shutdown, err := InitTracer("agentflow-test", common.TelemetryConfig{Enabled: true, TraceDir: dir, TraceRetentionDays: 7})
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "flow.job", "fs_file")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(content), "fs_file")
}

func TestOpenTraceFile_NumbersCollisions(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := openTraceFile(dir, now)
	require.NoError(t, err)
	defer first.Close()
	second, err := openTraceFile(dir, now)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, "traces-20260301-120000.jsonl", filepath.Base(first.Name()))
	assert.Equal(t, "traces-20260301-120000.1.jsonl", filepath.Base(second.Name()))

	started, ok := traceFileTime(filepath.Base(second.Name()))
	require.True(t, ok)
	assert.Equal(t, now, started)
}

func TestPruneTraceFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	names := []string{
		"traces-20260301-080000.jsonl",
		"traces-20260302-080000.1.jsonl",
		"traces-20260305-080000.jsonl",
		"traces-20260310-110000.jsonl",
		"traces-garbage.jsonl",
		"notes.txt",
	}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644))
	}

	pruneTraceFiles(dir, 7*24*time.Hour, now)

	var kept []string
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		kept = append(kept, entry.Name())
	}
	assert.ElementsMatch(t, []string{
		"traces-20260305-080000.jsonl",
		"traces-20260310-110000.jsonl",
		"traces-garbage.jsonl",
		"notes.txt",
	}, kept)

	pruneTraceFiles(dir, 0, now.Add(365*24*time.Hour))
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "zero retention keeps everything")

	pruneTraceFiles("/nonexistent/path/that/should/not/exist", time.Hour, now)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestStartSpan_RecordsSessionId(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})

	ctx, span := StartSpan(context.Background(), "flow.job", "fs_123", attribute.String("flow.step_id", "draft"))
	traceId, spanId := SpanIds(ctx)
	span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), traceId)
	assert.Equal(t, span.SpanContext().SpanID().String(), spanId)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "flow.job", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("flow.session_id", "fs_123"))
	assert.Contains(t, ended[0].Attributes(), attribute.String("flow.step_id", "draft"))

	emptyTrace, emptySpan := SpanIds(context.Background())
	assert.Empty(t, emptyTrace)
	assert.Empty(t, emptySpan)
}
