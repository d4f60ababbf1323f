package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/alvesdmateus/dock"

// TracingConfig configures span export over OTLP/HTTP
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is host:port of the collector, e.g. "localhost:4318"
	OTLPEndpoint string
	// SampleRate is clamped to [0, 1]
	SampleRate float64
	Insecure   bool
}

// Tracer starts dock spans. The zero provider means spans go to the global
// (by default no-op) provider.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer returns a no-op tracer when tracing is disabled. Otherwise it
// installs an OTLP exporting provider as the global provider.
func NewTracer(ctx context.Context, config TracingConfig) (*Tracer, error) {
	if !config.Enabled {
		return &Tracer{tracer: otel.Tracer(tracerName)}, nil
	}

	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return NewTracerWithProvider(provider), nil
}

// NewTracerWithProvider wraps an existing provider without touching the
// global one. Shutdown shuts the provider down.
func NewTracerWithProvider(provider *sdktrace.TracerProvider) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(tracerName)}
}

func newExporter(ctx context.Context, config TracingConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return exporter, nil
}

// sampler honours the caller's sampling decision and samples new traces at rate
func sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Enabled reports whether spans are exported
func (t *Tracer) Enabled() bool {
	return t.provider != nil
}

// Shutdown flushes pending spans
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// SetAttributes sets attributes on the span in ctx
func (t *Tracer) SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordError records err on the span in ctx and marks the span failed
func (t *Tracer) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Span attribute keys
const (
	AttrBuildID         = attribute.Key("build.id")
	AttrBuildMethod     = attribute.Key("build.method")
	AttrBuildImage      = attribute.Key("build.image")
	AttrBuildReturnCode = attribute.Key("build.return_code")
	AttrBuildImageID    = attribute.Key("build.image_id")

	AttrGitURL        = attribute.Key("git.url")
	AttrGitCommit     = attribute.Key("git.commit")
	AttrDockerfileDir = attribute.Key("git.dockerfile_path")

	AttrJobType    = attribute.Key("job.type")
	AttrJobID      = attribute.Key("job.id")
	AttrJobAttempt = attribute.Key("job.attempt")
)

func BuildSpanAttributes(buildID, method, image string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBuildID.String(buildID),
		AttrBuildMethod.String(method),
		AttrBuildImage.String(image),
	}
}

// SourceSpanAttributes omits the commit and path when they are empty
func SourceSpanAttributes(gitURL, commit, dockerfilePath string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrGitURL.String(gitURL)}
	if commit != "" {
		attrs = append(attrs, AttrGitCommit.String(commit))
	}
	if dockerfilePath != "" {
		attrs = append(attrs, AttrDockerfileDir.String(dockerfilePath))
	}
	return attrs
}

func ResultSpanAttributes(returnCode int, imageID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBuildReturnCode.Int(returnCode),
		AttrBuildImageID.String(imageID),
	}
}

func JobSpanAttributes(jobType, jobID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobType.String(jobType),
		AttrJobID.String(jobID),
		AttrJobAttempt.Int(attempt),
	}
}

var globalTracer *Tracer

// InitGlobalTracer sets the tracer returned by GetGlobalTracer
func InitGlobalTracer(ctx context.Context, config TracingConfig) error {
	tracer, err := NewTracer(ctx, config)
	if err != nil {
		return err
	}
	globalTracer = tracer
	return nil
}

// GetGlobalTracer returns a no-op tracer until InitGlobalTracer was called
func GetGlobalTracer() *Tracer {
	if globalTracer == nil {
		return &Tracer{tracer: otel.Tracer(tracerName)}
	}
	return globalTracer
}

func ShutdownGlobalTracer(ctx context.Context) error {
	if globalTracer == nil {
		return nil
	}
	return globalTracer.Shutdown(ctx)
}
