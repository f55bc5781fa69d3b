package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openfroyo/modrunner/pkg/module"
)

const instrumentation = "github.com/openfroyo/modrunner"

// Span attribute keys.
var (
	AttrModuleID      = attribute.Key("module.id")
	AttrModuleVersion = attribute.Key("module.version")
	AttrModuleSource  = attribute.Key("module.source")
	AttrErrorClass    = attribute.Key("error.class")
	AttrErrorCode     = attribute.Key("error.code")
)

// Tracer opens the spans of the host: registry applies, module pipelines
// and downloads. A disabled Tracer hands out non-recording spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer. With tracing disabled, or the none exporter, no
// provider is installed and nothing is exported.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(instrumentation)}, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(instrumentation)}, nil
}

func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("modrunner")),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// StartApplySpan covers one registry apply, at startup or on reload.
func (t *Tracer) StartApplySpan(ctx context.Context, modules int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "registry.apply",
		trace.WithAttributes(attribute.Int("registry.modules", modules)))
}

// StartModuleSpan covers one module pipeline, from install resolution to
// the first process start.
func (t *Tracer) StartModuleSpan(ctx context.Context, moduleID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "module.pipeline",
		trace.WithAttributes(AttrModuleID.String(moduleID)))
}

// StartInstallSpan covers a download, verification and unpack.
func (t *Tracer) StartInstallSpan(ctx context.Context, moduleID, version, source string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "module.install",
		trace.WithAttributes(
			AttrModuleID.String(moduleID),
			AttrModuleVersion.String(version),
			AttrModuleSource.String(source),
		))
}

// RecordError marks span failed. Errors from the module taxonomy also set
// the error.class and error.code attributes.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	var merr *module.Error
	if errors.As(err, &merr) {
		span.SetAttributes(
			AttrErrorClass.String(string(merr.Class)),
			AttrErrorCode.String(string(merr.Code)),
		)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
