package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

// initTelemetry configures the global OTLP trace exporter. Returns a shutdown
// func, or nil when telemetry is disabled.
func initTelemetry(ctx context.Context, cfg *config.Config) func(context.Context) {
	tc := cfg.Telemetry
	if !tc.Enabled {
		return nil
	}

	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = "clawdbot-gateway"
	}

	opts := []otlptracehttp.Option{}
	if tc.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(tc.Endpoint))
	}
	if tc.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(tc.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		slog.Warn("telemetry disabled: OTLP exporter init failed", "error", err)
		return nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		attribute.String("service.version", Version),
	))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Info("telemetry enabled", "endpoint", tc.Endpoint, "service", serviceName)

	return func(shutdownCtx context.Context) {
		ctx, cancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
}
