// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "visual-search"

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// 创建 OTLP exporter
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartSearchSpan 开始一次检索请求 span
func StartSearchSpan(ctx context.Context, k int, hasModifier bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "search.execute",
		trace.WithAttributes(
			attribute.Int("search.k", k),
			attribute.Bool("search.has_modifier", hasModifier),
		),
	)
}

// StartStageSpan 开始检索管线中某一阶段的 span，in 为进入该阶段的候选数
func StartStageSpan(ctx context.Context, stage string, in int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "search."+stage,
		trace.WithAttributes(
			attribute.String("stage.name", stage),
			attribute.Int("stage.candidates_in", in),
		),
	)
}

// StartIngestSpan 开始一批入库的 span
func StartIngestSpan(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ingest.batch",
		trace.WithAttributes(attribute.Int("ingest.batch_size", batchSize)),
	)
}

// EndSpan 记录出参候选数与错误后结束 span
func EndSpan(span trace.Span, out int, err error) {
	span.SetAttributes(attribute.Int("stage.candidates_out", out))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
