// Package telemetry wires distributed tracing for the runtime.
// The tracer is an explicit dependency handed to components — never a
// singleton they fetch. Init is called once from the entrypoint.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/delvd/delv/pkg/config"
)

// Span attribute keys. The mcp.tool_call.* spans carry the tool dispatch
// attributes; agent_run wraps one full agent turn.
const (
	SpanAgentRun       = "agent_run"
	SpanToolCallPrefix = "mcp.tool_call."

	AttrToolName        = "tool_name"
	AttrComponent       = "component"
	AttrParameters      = "parameters"
	AttrResultCount     = "result_count"
	AttrDurationMs      = "execution_duration_ms"
	AttrSuccess         = "operation.success"
	AttrErrorType       = "error_type"
	AttrErrorMessage    = "error_message"
	AttrTaskDescription = "task_description"
	AttrResultType      = "result_type"
	AttrConfidence      = "confidence_score"
	AttrToolCallsCount  = "tool_calls_count"
	AttrRuntimeBudget   = "runtime_budget_seconds"
)

// Tracer wraps the OpenTelemetry tracer with runtime-specific helpers.
// A nil Tracer is valid and produces no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init builds the tracer from configuration and installs the W3C trace
// context propagator. Returns a nil Tracer when tracing is disabled —
// all helpers tolerate that.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlptracegrpc.WithInsecure(),
			)
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// Start begins a span. Safe on a nil Tracer.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("noop").Start(ctx, name)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartAgentRun begins the span wrapping one agent turn.
func (t *Tracer) StartAgentRun(ctx context.Context, task string, runtimeBudgetSeconds float64) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrTaskDescription, task),
	}
	if runtimeBudgetSeconds > 0 {
		attrs = append(attrs, attribute.Float64(AttrRuntimeBudget, runtimeBudgetSeconds))
	}
	return t.Start(ctx, SpanAgentRun, trace.WithAttributes(attrs...))
}

// StartToolCall begins the span for one mediated tool invocation.
func (t *Tracer) StartToolCall(ctx context.Context, toolName, parameters string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolCallPrefix+toolName,
		trace.WithAttributes(
			attribute.String(AttrToolName, toolName),
			attribute.String(AttrComponent, "mcp"),
			attribute.String(AttrParameters, parameters),
		),
	)
}

// RecordError records an error with its type and message on a span.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String(AttrErrorType, fmt.Sprintf("%T", err)),
		attribute.String(AttrErrorMessage, err.Error()),
	)
}

// Extract pulls W3C trace context from a carrier value (the traceparent
// field on run submission) into a new context.
func Extract(ctx context.Context, traceparent string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Inject serializes the current trace context for outbound propagation.
func Inject(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier["traceparent"]
}

// Shutdown flushes and stops the provider. Safe on a nil Tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
