package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/warp/clinic-engine/clinic"
)

const instrumentationName = "github.com/warp/clinic-engine"

// SetupMetrics installs a global MeterProvider that exports over OTLP/gRPC.
// With an empty endpoint nothing is installed and the no-op provider stays.
func SetupMetrics(ctx context.Context, serviceName, endpoint string, interval time.Duration) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = 30 * time.Second
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// Metrics holds the engine's instruments.
type Metrics struct {
	Events          metric.Int64Counter
	RequestCount    metric.Int64Counter
	RequestDuration metric.Float64Histogram
	Expired         metric.Int64Counter
}

// InitMetrics creates instruments from provider, or the global provider
// when provider is nil.
func InitMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	events, err := meter.Int64Counter(
		"clinic.events",
		metric.WithDescription("Committed engine events by type"),
	)
	if err != nil {
		return nil, err
	}

	requestCount, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	expired, err := meter.Int64Counter(
		"clinic.sweep.expired",
		metric.WithDescription("Appointments expired by the payment sweep"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Events:          events,
		RequestCount:    requestCount,
		RequestDuration: requestDuration,
		Expired:         expired,
	}, nil
}

func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)
	m.RequestCount.Add(ctx, 1, attrs)
	m.RequestDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

func (m *Metrics) RecordExpired(ctx context.Context, n int) {
	if n > 0 {
		m.Expired.Add(ctx, int64(n))
	}
}

// Notify counts an engine event. Metrics satisfies clinic.Notifier so it
// can sit in the notification fan-out.
func (m *Metrics) Notify(ctx context.Context, e clinic.Event) error {
	m.Events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", string(e.Type)),
		attribute.String("doctor.id", string(e.DoctorID)),
	))
	return nil
}
