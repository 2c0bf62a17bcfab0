package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Resolver.
	DNSQueriesTotal   metric.Int64Counter
	DNSQueryDuration  metric.Float64Histogram
	DecisionsByStatus metric.Int64Counter
	ForwardedQueries  metric.Int64Counter
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	UpstreamErrors    metric.Int64Counter
	ActiveQueries     metric.Int64UpDownCounter

	// Blocklist refresh.
	RefreshRuns     metric.Int64Counter
	RefreshFailures metric.Int64Counter
	IndexedRules    metric.Int64UpDownCounter

	// Cluster sync.
	SyncRuns      metric.Int64Counter
	SyncFailures  metric.Int64Counter
	SyncDuration  metric.Float64Histogram
	SnapshotBytes metric.Int64Histogram

	// Query log ingest.
	LogEntriesDropped metric.Int64Counter
}

// InitMetrics initializes and returns all application metrics.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("sentinel")
	m := &Metrics{}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.DNSQueriesTotal, "dns.queries.total", "Total number of DNS queries received"},
		{&m.DecisionsByStatus, "policy.decisions", "Policy decisions by status"},
		{&m.ForwardedQueries, "dns.queries.forwarded", "Queries forwarded upstream, by transport"},
		{&m.CacheHits, "dns.cache.hits", "Response cache hits"},
		{&m.CacheMisses, "dns.cache.misses", "Response cache misses"},
		{&m.UpstreamErrors, "dns.upstream.errors", "Upstream exchange failures"},
		{&m.RefreshRuns, "blocklist.refresh.runs", "Blocklist refresh attempts"},
		{&m.RefreshFailures, "blocklist.refresh.failures", "Blocklist refresh failures"},
		{&m.SyncRuns, "cluster.sync.runs", "Follower sync attempts"},
		{&m.SyncFailures, "cluster.sync.failures", "Follower sync failures"},
		{&m.LogEntriesDropped, "querylog.entries.dropped", "Query log entries dropped due to full buffer"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}

	m.DNSQueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	m.SyncDuration, err = meter.Float64Histogram(
		"cluster.sync.duration",
		metric.WithDescription("Follower snapshot apply duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync duration histogram: %w", err)
	}

	m.SnapshotBytes, err = meter.Int64Histogram(
		"cluster.snapshot.bytes",
		metric.WithDescription("Leader snapshot size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot size histogram: %w", err)
	}

	m.ActiveQueries, err = meter.Int64UpDownCounter(
		"dns.queries.active",
		metric.WithDescription("Queries currently in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active queries gauge: %w", err)
	}

	m.IndexedRules, err = meter.Int64UpDownCounter(
		"policy.index.rules",
		metric.WithDescription("Rules held by the current policy index"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexed rules gauge: %w", err)
	}

	return m, nil
}

// WithTransport tags a measurement with the upstream transport.
func WithTransport(transport string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("transport", transport))
}

// WithStatus tags a measurement with a decision status.
func WithStatus(status string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("status", status))
}

// AddDroppedEntry records query log entries dropped because the ingest buffer
// was full. Safe on a nil receiver so storage never needs a nil check.
func (m *Metrics) AddDroppedEntry(ctx context.Context, count int64) {
	if m != nil && m.LogEntriesDropped != nil {
		m.LogEntriesDropped.Add(ctx, count)
	}
}
