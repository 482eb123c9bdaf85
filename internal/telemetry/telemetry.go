// Package telemetry sets up OpenTelemetry tracing and metrics and carries the
// request context that rides along with every published record.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by fnscraper spans.
const TracerName = "github.com/JakeFAU/fnscraper"

// Config describes the process for the trace resource and picks the exporters.
type Config struct {
	ServiceName string
	Version     string
	// ProjectID sends spans to Google Cloud Trace.
	ProjectID string
	// Exporter overrides the Cloud Trace exporter. Without either, spans are
	// sampled for propagation only.
	Exporter sdktrace.SpanExporter
	// Registerer receives the otel metrics bridge; nil means the default
	// registry, so otel instruments share /metrics with the promauto collectors.
	Registerer prometheus.Registerer
}

// Providers are the trace and meter providers built from a Config.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// ForceFlush exports buffered spans.
func (p *Providers) ForceFlush(ctx context.Context) error {
	return p.Tracer.ForceFlush(ctx)
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.Tracer.Shutdown(ctx), p.Meter.Shutdown(ctx))
}

// New builds providers without installing them globally.
func New(ctx context.Context, cfg Config) (*Providers, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "fnscraper"
	}
	attrs := []resource.Option{resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.Version),
	)}
	if cfg.ProjectID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.CloudProviderGCP, semconv.CloudAccountID(cfg.ProjectID)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter := cfg.Exporter
	if exporter == nil && cfg.ProjectID != "" {
		exporter, err = texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	bridge, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return &Providers{
		Tracer: sdktrace.NewTracerProvider(opts...),
		Meter:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(bridge)),
	}, nil
}

var (
	initOnce sync.Once
	global   *Providers
	initErr  error
)

// Init builds providers once per process and installs them with the
// TraceContext+Baggage propagator. Later calls return the first result.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	initOnce.Do(func() {
		global, initErr = New(ctx, cfg)
		if initErr != nil {
			return
		}
		otel.SetTracerProvider(global.Tracer)
		otel.SetMeterProvider(global.Meter)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)
	})
	return global, initErr
}

// Tracer returns the fnscraper tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
