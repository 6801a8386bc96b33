// Package observability provides the OpenTelemetry wiring: OTLP exporters,
// crawl and merge counters, and an HTTP duration histogram. Telemetry is off
// unless enabled in config; a disabled provider is a cheap no-op so callers
// never branch on it.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/citehub/citehub/pkg/config"
)

const (
	serviceName = "citehub"
	scopeName   = "citehub"
)

// Provider manages the OpenTelemetry trace and metric providers and the
// instruments the rest of the system reports into.
type Provider struct {
	enabled        bool
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	log            *logrus.Entry

	stepCounter  metric.Int64Counter
	stepErrors   metric.Int64Counter
	mergeCycles  metric.Int64Counter
	mergeEdges   metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// New builds a provider from the [telemetry] config section.
func New(ctx context.Context, cfg config.Telemetry, log *logrus.Entry) (*Provider, error) {
	p := &Provider{enabled: cfg.Enabled, log: log}
	if !cfg.Enabled {
		log.Debug("telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, cfg.Endpoint, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, cfg.Endpoint, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(scopeName)
	p.meter = otel.Meter(scopeName)
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	log.WithField("endpoint", cfg.Endpoint).Info("telemetry initialized")
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, endpoint string, res *resource.Resource) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, endpoint string, res *resource.Resource) error {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.stepCounter, err = p.meter.Int64Counter("citehub.crawl.steps",
		metric.WithDescription("Crawl steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return err
	}

	p.stepErrors, err = p.meter.Int64Counter("citehub.crawl.step_errors",
		metric.WithDescription("Crawl steps that failed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return err
	}

	p.mergeCycles, err = p.meter.Int64Counter("citehub.merge.cycles",
		metric.WithDescription("Completed merge cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return err
	}

	p.mergeEdges, err = p.meter.Int64Counter("citehub.merge.edges",
		metric.WithDescription("Merge edges produced across all cycles"),
		metric.WithUnit("{edge}"),
	)
	if err != nil {
		return err
	}

	p.httpDuration, err = p.meter.Float64Histogram("citehub.http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	return err
}

// StepDone implements the scheduler's metrics hook.
func (p *Provider) StepDone(ctx context.Context, namespace string, failed bool) {
	if !p.enabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", namespace))
	p.stepCounter.Add(ctx, 1, attrs)
	if failed {
		p.stepErrors.Add(ctx, 1, attrs)
	}
}

// MergeCycleDone implements the merger's metrics hook.
func (p *Provider) MergeCycleDone(ctx context.Context, merges int) {
	if !p.enabled {
		return
	}
	p.mergeCycles.Add(ctx, 1)
	p.mergeEdges.Add(ctx, int64(merges))
}

// HTTPMiddleware records a duration sample per request, labelled by method
// and path pattern.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	if !p.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		p.httpDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
			),
		)
	})
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.log.WithError(err).Error("failed to shutdown trace provider")
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.log.WithError(err).Error("failed to shutdown metric provider")
		}
	}
	return nil
}
