package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PocketPalCo/receipt-loyalty-service/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"google.golang.org/grpc"
)

const serviceName = "receipt-loyalty-service"

// Providers holds the global trace and metric providers.
type Providers struct {
	Trace  *sdktrace.TracerProvider
	Metric *metric.MeterProvider
}

// NewProviders exports traces to Jaeger and metrics over OTLP, and installs
// both as the otel globals.
func NewProviders(ctx context.Context, cfg *config.Config) (*Providers, error) {
	traceExporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize jaeger exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OtlpEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithDialOption(grpc.WithUserAgent(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceInstanceIDKey.String(cfg.ServerName+"-"+cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)

	return &Providers{Trace: tp, Metric: mp}, nil
}

func (p *Providers) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if err := p.Trace.Shutdown(ctx); err != nil {
		slog.Error("Error shutting down trace provider", slog.String("error", err.Error()))
	}
	if err := p.Metric.Shutdown(ctx); err != nil {
		slog.Error("Error shutting down metric provider", slog.String("error", err.Error()))
	}
}
