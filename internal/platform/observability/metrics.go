package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metric exporters supported by NewMetrics.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// MetricsConfig selects how metrics are exported.
type MetricsConfig struct {
	ServiceName  string
	Version      string
	Enabled      bool
	Exporter     string // prometheus (default) or otlp
	OTLPEndpoint string
	Insecure     bool
}

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	// State fetch metrics
	FetchTotal    metric.Int64Counter
	FetchDuration metric.Float64Histogram

	// Block-scoped cache metrics
	CacheEntries   metric.Int64Gauge
	CacheEvictions metric.Int64Counter
	SnapshotStore  metric.Int64Counter

	// Quote metrics
	QuoteRequests   metric.Int64Counter
	QuoteDuration   metric.Float64Histogram
	QuoteCandidates metric.Int64Histogram

	// Registry metrics
	PoolsUnreachable metric.Int64Gauge
	DiscoveryRuns    metric.Int64Counter

	// RPC metrics
	RPCCalls            metric.Int64Counter
	RPCDuration         metric.Float64Histogram
	RPCEndpointHealth   metric.Int64Gauge
	CircuitBreakerState metric.Int64Gauge

	// Head tracking metrics
	HeadsReceived metric.Int64Counter
	HeadGaps      metric.Int64Counter
	HeadConnected metric.Int64Gauge

	// Analytics and notification metrics
	AnalyticsDropped metric.Int64Counter
	Publishes        metric.Int64Counter
	PublishDuration  metric.Float64Histogram

	// Error metrics
	Errors metric.Int64Counter
}

// NewMetrics creates a new Metrics instance. Disabled metrics use a no-op meter so
// every Record method stays safe to call.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		m := &Metrics{meter: noop.NewMeterProvider().Meter(cfg.ServiceName)}
		if err := m.initMetrics(); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		return m, nil
	}

	ctx := context.Background()
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	m := &Metrics{}
	var reader sdkmetric.Reader

	switch cfg.Exporter {
	case ExporterOTLP:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	case ExporterPrometheus, "":
		m.registry = promclient.NewRegistry()
		exp, err := prometheus.New(prometheus.WithRegisterer(m.registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		reader = exp
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.Exporter)
	}

	m.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	m.meter = m.provider.Meter(cfg.ServiceName)

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	if m.FetchTotal, err = m.meter.Int64Counter(
		"liquidity.fetch.total",
		metric.WithDescription("Pool state fetches by adapter and outcome"),
	); err != nil {
		return err
	}

	if m.FetchDuration, err = m.meter.Float64Histogram(
		"liquidity.fetch.duration",
		metric.WithDescription("Pool state fetch latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.CacheEntries, err = m.meter.Int64Gauge(
		"liquidity.cache.entries",
		metric.WithDescription("Snapshots held by the block-scoped cache"),
	); err != nil {
		return err
	}

	if m.CacheEvictions, err = m.meter.Int64Counter(
		"liquidity.cache.evictions",
		metric.WithDescription("Snapshots evicted from the block-scoped cache"),
	); err != nil {
		return err
	}

	if m.SnapshotStore, err = m.meter.Int64Counter(
		"liquidity.snapshot_store.requests",
		metric.WithDescription("Shared snapshot store lookups (hit/miss/error)"),
	); err != nil {
		return err
	}

	if m.QuoteRequests, err = m.meter.Int64Counter(
		"liquidity.quote.requests",
		metric.WithDescription("Aggregated quote requests by kind and status"),
	); err != nil {
		return err
	}

	if m.QuoteDuration, err = m.meter.Float64Histogram(
		"liquidity.quote.duration",
		metric.WithDescription("Aggregated quote latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.QuoteCandidates, err = m.meter.Int64Histogram(
		"liquidity.quote.candidates",
		metric.WithDescription("Candidate pools considered per quote"),
	); err != nil {
		return err
	}

	if m.PoolsUnreachable, err = m.meter.Int64Gauge(
		"liquidity.registry.unreachable",
		metric.WithDescription("Pools currently excluded as unreachable"),
	); err != nil {
		return err
	}

	if m.DiscoveryRuns, err = m.meter.Int64Counter(
		"liquidity.discovery.runs",
		metric.WithDescription("Pool discovery runs by adapter and status"),
	); err != nil {
		return err
	}

	if m.RPCCalls, err = m.meter.Int64Counter(
		"liquidity.rpc.calls",
		metric.WithDescription("JSON-RPC calls by endpoint, method and status"),
	); err != nil {
		return err
	}

	if m.RPCDuration, err = m.meter.Float64Histogram(
		"liquidity.rpc.duration",
		metric.WithDescription("JSON-RPC call latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.RPCEndpointHealth, err = m.meter.Int64Gauge(
		"liquidity.rpc.endpoint.health",
		metric.WithDescription("RPC endpoint health status (1=healthy, 0=unhealthy)"),
	); err != nil {
		return err
	}

	if m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"liquidity.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	); err != nil {
		return err
	}

	if m.HeadsReceived, err = m.meter.Int64Counter(
		"liquidity.heads.received",
		metric.WithDescription("New block heads received"),
	); err != nil {
		return err
	}

	if m.HeadGaps, err = m.meter.Int64Counter(
		"liquidity.heads.gaps",
		metric.WithDescription("Block sequence gaps detected"),
	); err != nil {
		return err
	}

	if m.HeadConnected, err = m.meter.Int64Gauge(
		"liquidity.heads.connected",
		metric.WithDescription("Head subscription status (1=subscribed, 0=polling)"),
	); err != nil {
		return err
	}

	if m.AnalyticsDropped, err = m.meter.Int64Counter(
		"liquidity.analytics.dropped",
		metric.WithDescription("Analytics records dropped because the queue was full"),
	); err != nil {
		return err
	}

	if m.Publishes, err = m.meter.Int64Counter(
		"liquidity.publish.total",
		metric.WithDescription("Quote events published to the message bus"),
	); err != nil {
		return err
	}

	if m.PublishDuration, err = m.meter.Float64Histogram(
		"liquidity.publish.duration",
		metric.WithDescription("Publish latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}

	if m.Errors, err = m.meter.Int64Counter(
		"liquidity.errors",
		metric.WithDescription("Total errors encountered"),
	); err != nil {
		return err
	}

	return nil
}

// RecordFetch records one cache lookup or state fetch. Outcome is hit, miss, error or timeout.
func (m *Metrics) RecordFetch(ctx context.Context, adapter, outcome string, coalesced bool, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("adapter", adapter),
		attribute.String("outcome", outcome),
		attribute.Bool("coalesced", coalesced),
	)
	m.FetchTotal.Add(ctx, 1, attrs)
	m.FetchDuration.Record(ctx, durationMillis(duration), attrs)
}

// RecordCacheSize records the number of cached snapshots.
func (m *Metrics) RecordCacheSize(ctx context.Context, entries int) {
	if m == nil {
		return
	}
	m.CacheEntries.Record(ctx, int64(entries))
}

// RecordCacheEviction records evicted snapshots.
func (m *Metrics) RecordCacheEviction(ctx context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.CacheEvictions.Add(ctx, int64(count))
}

// RecordSnapshotStore records a shared snapshot store lookup.
func (m *Metrics) RecordSnapshotStore(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.SnapshotStore.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordQuote records an aggregated quote request.
func (m *Metrics) RecordQuote(ctx context.Context, kind, status string, candidates int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
	m.QuoteRequests.Add(ctx, 1, attrs)
	m.QuoteDuration.Record(ctx, durationMillis(duration), attrs)
	m.QuoteCandidates.Record(ctx, int64(candidates), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUnreachablePools records how many pools the registry currently excludes.
func (m *Metrics) RecordUnreachablePools(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.PoolsUnreachable.Record(ctx, int64(count))
}

// RecordDiscovery records a discovery run for one adapter.
func (m *Metrics) RecordDiscovery(ctx context.Context, adapter string, found int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.DiscoveryRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("adapter", adapter),
		attribute.String("status", status),
		attribute.Bool("found", found > 0),
	))
}

// RecordRPCCall records a JSON-RPC call against one endpoint.
func (m *Metrics) RecordRPCCall(ctx context.Context, endpoint, method string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	m.RPCCalls.Add(ctx, 1, attrs)
	m.RPCDuration.Record(ctx, durationMillis(duration), attrs)
}

// RecordRPCEndpointHealth records RPC endpoint health status
func (m *Metrics) RecordRPCEndpointHealth(ctx context.Context, url string, healthy bool) {
	if m == nil {
		return
	}
	m.RPCEndpointHealth.Record(ctx, boolGauge(healthy), metric.WithAttributes(
		attribute.String("url", url),
	))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordHead records a new head and any gap since the previous one.
func (m *Metrics) RecordHead(ctx context.Context, gap uint64) {
	if m == nil {
		return
	}
	m.HeadsReceived.Add(ctx, 1)
	if gap > 0 {
		m.HeadGaps.Add(ctx, 1, metric.WithAttributes(attribute.Int64("gap_size", int64(gap))))
	}
}

// SetHeadSubscribed records whether heads arrive by subscription or polling.
func (m *Metrics) SetHeadSubscribed(ctx context.Context, url string, subscribed bool) {
	if m == nil {
		return
	}
	m.HeadConnected.Record(ctx, boolGauge(subscribed), metric.WithAttributes(attribute.String("url", url)))
}

// RecordAnalyticsDropped records an analytics record that could not be queued.
func (m *Metrics) RecordAnalyticsDropped(ctx context.Context, writer string) {
	if m == nil {
		return
	}
	m.AnalyticsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("writer", writer)))
}

// RecordPublish records one publish attempt to a topic, retries included.
func (m *Metrics) RecordPublish(ctx context.Context, topic, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("status", status),
	)
	m.Publishes.Add(ctx, 1, attrs)
	m.PublishDuration.Record(ctx, durationMillis(duration), attrs)
}

// RecordError records an error
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// Handler returns the HTTP handler for Prometheus metrics. Without a Prometheus
// exporter it answers 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not available", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func boolGauge(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
