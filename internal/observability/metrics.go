package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/zhejian/url-shortener"

// Metrics holds the business instruments recorded by services and workers.
// A zero value is not usable; build one with NewMetrics or NewNoopMetrics.
type Metrics struct {
	linksCreated   metric.Int64Counter
	redirects      metric.Int64Counter
	sideEffectErrs metric.Int64Counter
	eventsOut      metric.Int64Counter
	eventsIn       metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.linksCreated, err = meter.Int64Counter("links_created_total",
		metric.WithDescription("Short links persisted")); err != nil {
		return nil, err
	}
	if m.redirects, err = meter.Int64Counter("redirects_total",
		metric.WithDescription("Successful redirects by cache outcome")); err != nil {
		return nil, err
	}
	if m.sideEffectErrs, err = meter.Int64Counter("side_effect_failures_total",
		metric.WithDescription("Best-effort side effects that failed and were dropped")); err != nil {
		return nil, err
	}
	if m.eventsOut, err = meter.Int64Counter("events_published_total",
		metric.WithDescription("Domain events published by routing key and result")); err != nil {
		return nil, err
	}
	if m.eventsIn, err = meter.Int64Counter("events_consumed_total",
		metric.WithDescription("Domain events consumed by routing key and result")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func (m *Metrics) LinkCreated(ctx context.Context) {
	m.linksCreated.Add(ctx, 1)
}

// Redirect records a successful resolve; cacheHit tells which path served it.
func (m *Metrics) Redirect(ctx context.Context, cacheHit bool) {
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	m.redirects.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", outcome)))
}

// SideEffectFailed counts a dropped best-effort call such as "cache_repair".
func (m *Metrics) SideEffectFailed(ctx context.Context, kind string) {
	m.sideEffectErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) EventPublished(ctx context.Context, routingKey string, err error) {
	m.eventsOut.Add(ctx, 1, metric.WithAttributes(
		attribute.String("routing_key", routingKey),
		attribute.Bool("ok", err == nil),
	))
}

func (m *Metrics) EventConsumed(ctx context.Context, routingKey string, err error) {
	m.eventsIn.Add(ctx, 1, metric.WithAttributes(
		attribute.String("routing_key", routingKey),
		attribute.Bool("ok", err == nil),
	))
}

// NewMeterProvider builds an OTel meter provider exported through a dedicated
// Prometheus registry, and the HTTP handler that serves that registry.
func NewMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return mp, handler, nil
}
