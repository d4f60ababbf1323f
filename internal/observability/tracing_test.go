package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tracer := NewTracerWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })
	return tracer, recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracingConfig{ServiceName: "dock-test"})
	require.NoError(t, err)
	assert.False(t, tracer.Enabled())

	ctx, span := tracer.StartSpan(context.Background(), "build.dispatch")
	tracer.SetAttributes(ctx, AttrBuildID.String("b-1"))
	tracer.RecordError(ctx, errors.New("boom"))
	span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_Enabled(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	tracer, err := NewTracer(context.Background(), TracingConfig{
		Enabled:        true,
		ServiceName:    "dock-test",
		ServiceVersion: "0.0.1",
		Environment:    "test",
		OTLPEndpoint:   "localhost:4318",
		SampleRate:     1,
		Insecure:       true,
	})
	require.NoError(t, err)
	assert.True(t, tracer.Enabled())
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracer_RecordsAttributesAndErrors(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "build.dispatch")
	tracer.SetAttributes(ctx, BuildSpanAttributes("b-1", "here", "app:v1")...)
	tracer.RecordError(ctx, errors.New("clone failed"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "build.dispatch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "clone failed", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "b-1", attrs[AttrBuildID].AsString())
	assert.Equal(t, "here", attrs[AttrBuildMethod].AsString())
	assert.Equal(t, "app:v1", attrs[AttrBuildImage].AsString())
}

func TestSampler(t *testing.T) {
	tracer, recorder := newRecordingTracer(t)
	parentCtx, parent := tracer.StartSpan(context.Background(), "parent")
	parent.End()

	tests := []struct {
		name    string
		rate    float64
		sampled bool
	}{
		{name: "always", rate: 1, sampled: true},
		{name: "above one", rate: 1.5, sampled: true},
		{name: "never", rate: 0, sampled: false},
		{name: "negative", rate: -0.5, sampled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler(tt.rate)))
			defer provider.Shutdown(context.Background())

			_, span := provider.Tracer("test").Start(context.Background(), "root")
			defer span.End()
			assert.Equal(t, tt.sampled, span.SpanContext().IsSampled())
		})
	}

	t.Run("sampled parent wins over never", func(t *testing.T) {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler(0)))
		defer provider.Shutdown(context.Background())

		_, span := provider.Tracer("test").Start(parentCtx, "child")
		defer span.End()
		assert.True(t, span.SpanContext().IsSampled())
	})

	assert.Len(t, recorder.Ended(), 1)
}

func TestSourceSpanAttributes(t *testing.T) {
	attrs := attrMap(SourceSpanAttributes("https://example.com/app.git", "abc123", "services/api"))
	assert.Equal(t, "https://example.com/app.git", attrs[AttrGitURL].AsString())
	assert.Equal(t, "abc123", attrs[AttrGitCommit].AsString())
	assert.Equal(t, "services/api", attrs[AttrDockerfileDir].AsString())

	assert.Len(t, SourceSpanAttributes("https://example.com/app.git", "", ""), 1)
}

func TestResultAndJobSpanAttributes(t *testing.T) {
	result := attrMap(ResultSpanAttributes(-1, ""))
	assert.Equal(t, int64(-1), result[AttrBuildReturnCode].AsInt64())
	assert.Equal(t, "", result[AttrBuildImageID].AsString())

	job := attrMap(JobSpanAttributes("build", "job-789", 2))
	assert.Equal(t, "build", job[AttrJobType].AsString())
	assert.Equal(t, "job-789", job[AttrJobID].AsString())
	assert.Equal(t, int64(2), job[AttrJobAttempt].AsInt64())
}

func TestGlobalTracer(t *testing.T) {
	globalTracer = nil
	t.Cleanup(func() { globalTracer = nil })

	assert.False(t, GetGlobalTracer().Enabled())
	assert.NoError(t, ShutdownGlobalTracer(context.Background()))

	require.NoError(t, InitGlobalTracer(context.Background(), TracingConfig{ServiceName: "dock-test"}))
	assert.Same(t, globalTracer, GetGlobalTracer())
	assert.NoError(t, ShutdownGlobalTracer(context.Background()))
}
