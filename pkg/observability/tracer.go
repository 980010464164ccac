// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with spans for the loader's own
// operations: registry fetch, dependency resolution, sandboxed execution,
// and nested subprocess/remote calls.
type Tracer struct {
	provider       *sdktrace.TracerProvider
	tracer         trace.Tracer
	debugExporter  *DebugExporter
	capturePayload bool
	serviceName    string
}

// TracerOption configures the Tracer.
type TracerOption func(*Tracer)

// WithDebugExporter adds a debug exporter for in-memory span inspection.
func WithDebugExporter(exporter *DebugExporter) TracerOption {
	return func(t *Tracer) {
		t.debugExporter = exporter
	}
}

// WithCapturePayloads enables capturing full capability args/result in spans.
func WithCapturePayloads(capture bool) TracerOption {
	return func(t *Tracer) {
		t.capturePayload = capture
	}
}

// NewTracer creates a new Tracer from configuration.
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cfg.SetDefaults()

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SamplingRate)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider:    provider,
		tracer:      provider.Tracer(cfg.ServiceName),
		serviceName: cfg.ServiceName,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.debugExporter != nil {
		provider.RegisterSpanProcessor(sdktrace.NewSimpleSpanProcessor(t.debugExporter))
	}

	return t, nil
}

// createExporter creates the appropriate span exporter based on configuration.
func createExporter(ctx context.Context, cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		return createOTLPExporter(ctx, cfg)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "jaeger", "zipkin":
		// Modern Jaeger/Zipkin collectors accept OTLP directly.
		return createOTLPExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

func createOTLPExporter(ctx context.Context, cfg *TracingConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}

	if cfg.IsInsecure() {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartCapabilityLoad begins a span for fetching and preparing a capability
// to run: registry lookup, dependency resolution, code fetch, integrity check.
func (t *Tracer) StartCapabilityLoad(ctx context.Context, fqcn string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanCapabilityLoad,
		trace.WithAttributes(attribute.String(AttrCapabilityFQCN, fqcn)),
	)
}

// StartCapabilityCall begins a span for a loaded capability invocation.
func (t *Tracer) StartCapabilityCall(ctx context.Context, fqcn, version string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanCapabilityCall,
		trace.WithAttributes(
			attribute.String(AttrCapabilityFQCN, fqcn),
			attribute.String(AttrCapabilityVersion, version),
		),
	)
}

// StartDependencyEnsure begins a span for resolving a single declared
// dependency: installed-state check, credential check, permission gate.
func (t *Tracer) StartDependencyEnsure(ctx context.Context, namespace, version string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanDependencyEnsure,
		trace.WithAttributes(
			attribute.String(AttrDependencyNamespace, namespace),
			attribute.String(AttrDependencyVersion, version),
		),
	)
}

// StartDependencyInstall begins a span for fetching and verifying an
// artifact for a dependency that is not yet installed.
func (t *Tracer) StartDependencyInstall(ctx context.Context, namespace, version string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanDependencyInstall,
		trace.WithAttributes(
			attribute.String(AttrDependencyNamespace, namespace),
			attribute.String(AttrDependencyVersion, version),
		),
	)
}

// StartSubprocessCall begins a span for a tool call dispatched to a local
// subprocess server.
func (t *Tracer) StartSubprocessCall(ctx context.Context, namespace, command, tool string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanSubprocessCall,
		trace.WithAttributes(
			attribute.String(AttrDependencyNamespace, namespace),
			attribute.String(AttrSubprocessCommand, command),
			attribute.String("cer.subprocess.tool", tool),
		),
	)
}

// StartSandboxExecution begins a span for running capability code inside
// the sandbox VM.
func (t *Tracer) StartSandboxExecution(ctx context.Context, fqcn string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanSandboxExecution,
		trace.WithAttributes(attribute.String(AttrCapabilityFQCN, fqcn)),
	)
}

// StartRemoteCall begins a span for a tool call forwarded to a remote HTTP
// endpoint.
func (t *Tracer) StartRemoteCall(ctx context.Context, endpoint, tool string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanRemoteCall,
		trace.WithAttributes(
			attribute.String(AttrRemoteEndpoint, endpoint),
			attribute.String("cer.remote.tool", tool),
		),
	)
}

// AddApprovalSuspended records that a span's operation suspended pending
// human approval, identifying the workflow id and the reason it suspended.
func (t *Tracer) AddApprovalSuspended(span trace.Span, workflowID, reason string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrWorkflowID, workflowID),
		attribute.String(AttrApprovalReason, reason),
	)
}

// AddPayload attaches the serialized call args/result to a span, only when
// payload capture is enabled (it can contain sensitive data).
func (t *Tracer) AddPayload(span trace.Span, args, result string) {
	if span == nil || t == nil || !t.capturePayload {
		return
	}
	if args != "" {
		span.SetAttributes(attribute.String("cer.call.args", args))
	}
	if result != "" {
		span.SetAttributes(attribute.String("cer.call.result", result))
	}
}

// RecordError records an error on a span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String(AttrErrorType, fmt.Sprintf("%T", err)),
		attribute.String(AttrErrorMessage, err.Error()),
	)
}

// DebugExporter returns the debug exporter if configured.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debugExporter
}

// Shutdown gracefully shuts down the tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// noopSpan returns a no-op span that satisfies the trace.Span interface.
func noopSpan() trace.Span {
	_, span := trace.NewNoopTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
