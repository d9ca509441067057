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
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	otelnoop "go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer provider with Sindri's own span
// helpers (StartAgentRun, StartLLMCall, ...), following the teacher's
// agent-lifecycle span shape. A nil *Tracer is valid and behaves as a
// no-op, so callers never need a separate disabled-tracing type.
type Tracer struct {
	provider        *sdktrace.TracerProvider
	tracer          trace.Tracer
	debugExporter   *DebugExporter
	capturePayloads bool
}

// TracerOption configures optional Tracer behavior at construction time.
type TracerOption func(*Tracer)

// WithDebugExporter attaches an in-memory span exporter alongside the
// configured exporter, so recent spans can be queried without a collector.
func WithDebugExporter(d *DebugExporter) TracerOption {
	return func(t *Tracer) { t.debugExporter = d }
}

// WithCapturePayloads enables recording full request/response text on
// spans via AddPayload/AddToolPayload. Off by default — spans can get
// large.
func WithCapturePayloads(enabled bool) TracerOption {
	return func(t *Tracer) { t.capturePayloads = enabled }
}

// NewTracer builds a Tracer from TracingConfig. The only exporter wired is
// "stdout" — a local-first single binary has no collector process to ship
// spans to. cfg.Validate should already have rejected anything else.
func NewTracer(ctx context.Context, cfg *TracingConfig, opts ...TracerOption) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("observability: create stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(DefaultServiceName),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.debugExporter != nil {
		provider.RegisterSpanProcessor(sdktrace.NewSimpleSpanProcessor(t.debugExporter))
	}

	return t, nil
}

// Start begins a generic span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartAgentRun begins the top-level span for one agent-loop invocation
// (spec §4.1).
func (t *Tracer) StartAgentRun(ctx context.Context, agentName, role, sessionID, taskID, model string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanAgentRun, trace.WithAttributes(
		attribute.String(AttrAgentName, agentName),
		attribute.String(AttrAgentLLM, model),
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrTaskID, taskID),
	))
}

// StartLLMCall begins a span around one model backend call.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, inputTokens int, temperature, topP float64) (context.Context, trace.Span) {
	return t.Start(ctx, SpanLLMCall, trace.WithAttributes(
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMTokensInput, inputTokens),
	))
}

// StartToolExecution begins a span around one tool call.
func (t *Tracer) StartToolExecution(ctx context.Context, taskID, toolName, argsSummary string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanToolExecution, trace.WithAttributes(
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrToolName, toolName),
	))
}

// StartMemorySearch begins a span around one memory/context-builder query.
func (t *Tracer) StartMemorySearch(ctx context.Context, indexType string, topK int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanMemorySearch, trace.WithAttributes(
		attribute.String(AttrMemoryIndexType, indexType),
	))
}

// AddLLMUsage records token usage on an in-flight LLM span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrLLMTokensInput, inputTokens),
		attribute.Int(AttrLLMTokensOutput, outputTokens),
	)
}

// AddLLMFinishReason records why the model stopped generating.
func (t *Tracer) AddLLMFinishReason(span trace.Span, reason string) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String(AttrLLMFinishReason, reason))
}

// AddPayload optionally attaches request/response text to a span, gated by
// capturePayloads since it can make spans large.
func (t *Tracer) AddPayload(span trace.Span, request, response string) {
	if t == nil || !t.capturePayloads || span == nil {
		return
	}
	span.AddEvent("payload", trace.WithAttributes(
		attribute.String("request", request),
		attribute.String("response", response),
	))
}

// AddToolPayload optionally attaches tool call args/result text to a span.
func (t *Tracer) AddToolPayload(span trace.Span, args, result string) {
	if t == nil || !t.capturePayloads || span == nil {
		return
	}
	span.AddEvent("tool_payload", trace.WithAttributes(
		attribute.String("args", args),
		attribute.String("result", result),
	))
}

// RecordError marks a span as failed and attaches the error.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, err.Error()))
}

// DebugExporter returns the in-memory span exporter, or nil if none was
// attached.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debugExporter
}

// Shutdown flushes and closes the underlying tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// GetTracer returns a named tracer from the global OpenTelemetry provider,
// for callers outside the agent loop that want ad-hoc spans.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// noopSpan returns a span that discards everything written to it, used
// whenever a nil *Tracer is asked to start a span.
func noopSpan() trace.Span {
	_, span := otelnoop.NewTracerProvider().Tracer(DefaultServiceName).Start(context.Background(), "noop")
	return span
}
