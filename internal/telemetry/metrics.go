package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricResolutionCount     = "identity.resolution.count"
	MetricResolutionDuration  = "identity.resolution.duration"
	MetricRefreshCount        = "identity.token_refresh.count"
	MetricCacheLookupCount    = "identity.cache.lookup.count"
	MetricInvalidationFailure = "identity.cache.invalidation_failure.count"
)

// Metric attribute keys
const (
	AttrOutcome = "outcome"
	AttrResult  = "result"
	AttrLevel   = "cache.level"
)

// IdentityMetrics holds the instruments for identity resolution. A nil
// *IdentityMetrics is valid and records nothing.
type IdentityMetrics struct {
	resolutions         metric.Int64Counter
	resolutionDuration  metric.Float64Histogram
	refreshes           metric.Int64Counter
	cacheLookups        metric.Int64Counter
	invalidationFailure metric.Int64Counter
}

// NewIdentityMetrics creates the instruments on mp, or on the global
// provider when mp is nil.
func NewIdentityMetrics(mp metric.MeterProvider) (*IdentityMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(ScopeName)

	resolutions, err := meter.Int64Counter(
		MetricResolutionCount,
		metric.WithDescription("Identity resolutions by terminal state"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, err
	}

	resolutionDuration, err := meter.Float64Histogram(
		MetricResolutionDuration,
		metric.WithDescription("Identity resolution latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500),
	)
	if err != nil {
		return nil, err
	}

	refreshes, err := meter.Int64Counter(
		MetricRefreshCount,
		metric.WithDescription("OIDC token refresh attempts by result"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookups, err := meter.Int64Counter(
		MetricCacheLookupCount,
		metric.WithDescription("Identity cache lookups by level and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	invalidationFailure, err := meter.Int64Counter(
		MetricInvalidationFailure,
		metric.WithDescription("Failed distributed cache invalidations"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	return &IdentityMetrics{
		resolutions:         resolutions,
		resolutionDuration:  resolutionDuration,
		refreshes:           refreshes,
		cacheLookups:        cacheLookups,
		invalidationFailure: invalidationFailure,
	}, nil
}

// RecordResolution records the terminal state of one request and its latency.
func (m *IdentityMetrics) RecordResolution(ctx context.Context, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrOutcome, outcome))
	m.resolutions.Add(ctx, 1, attrs)
	m.resolutionDuration.Record(ctx, durationMs, attrs)
}

// RecordRefresh records a token refresh attempt. result is success or failure.
func (m *IdentityMetrics) RecordRefresh(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, result)))
}

// RecordCacheLookup records a hit or miss against the local or distributed cache.
func (m *IdentityMetrics) RecordCacheLookup(ctx context.Context, level string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrLevel, level),
		attribute.String(AttrResult, result),
	))
}

func (m *IdentityMetrics) RecordInvalidationFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.invalidationFailure.Add(ctx, 1)
}
