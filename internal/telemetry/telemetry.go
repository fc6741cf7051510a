// Package telemetry installs the OpenTelemetry meter provider used by the
// instrumented components.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const DefaultExportInterval = 30 * time.Second

// Shutdown flushes pending metrics and stops the provider.
type Shutdown func(context.Context) error

type Options struct {
	ServiceName string
	// Endpoint is the host:port of an OTLP gRPC collector.
	Endpoint       string
	ExportInterval time.Duration
}

// Init exports metrics to an OTLP collector over gRPC and registers the
// provider globally.
func Init(ctx context.Context, opts Options) (Shutdown, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("otlp endpoint cannot be empty")
	}
	if opts.ExportInterval <= 0 {
		opts.ExportInterval = DefaultExportInterval
	}

	res, err := newResource(ctx, opts.ServiceName)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(opts.Endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := NewMeterProvider(res, sdkmetric.NewPeriodicReader(exporter,
		sdkmetric.WithInterval(opts.ExportInterval)))
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

func NewMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "unknown-service"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return res, nil
}
