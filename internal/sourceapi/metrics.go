package sourceapi

import (
	"fmt"
	"slices"
	"strings"
)

// Metric identifies one upstream traffic metric.
type Metric string

const (
	// MetricPageImpressions is the page impressions metric.
	MetricPageImpressions Metric = "pageimpressions"
	// MetricVisits is the visits metric.
	MetricVisits Metric = "visits"
	// MetricClients is the clients metric.
	MetricClients Metric = "clients"
	// MetricUniqueClients is the unique clients metric.
	MetricUniqueClients Metric = "uniqueclients"
	// MetricUseTime is the usage time metric.
	MetricUseTime Metric = "usetime"
	// MetricDevices is the devices metric.
	MetricDevices Metric = "devices"
)

// Aggregation is the upstream aggregation granularity.
type Aggregation string

const (
	// AggregationDay requests one value per calendar day.
	AggregationDay Aggregation = "DAY"
	// AggregationMonth requests one value per calendar month.
	AggregationMonth Aggregation = "MONTH"
)

var supportedMetrics = []Metric{
	MetricPageImpressions,
	MetricVisits,
	MetricClients,
	MetricUniqueClients,
	MetricUseTime,
	MetricDevices,
}

var metricAliases = map[string]Metric{
	"pi": MetricPageImpressions,
}

// SupportedMetrics returns the stable set of canonical metric names.
func SupportedMetrics() []Metric {
	return slices.Clone(supportedMetrics)
}

// ParseMetric resolves a metric name or alias to its canonical form.
func ParseMetric(raw string) (Metric, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := metricAliases[normalized]; ok {
		return alias, nil
	}
	candidate := Metric(normalized)
	if slices.Contains(supportedMetrics, candidate) {
		return candidate, nil
	}
	return "", fmt.Errorf("unsupported metric %q", raw)
}

// Endpoint returns the API path segment serving the metric.
func (m Metric) Endpoint() string {
	return string(m)
}

// Valid reports whether the metric is part of the catalog.
func (m Metric) Valid() bool {
	return slices.Contains(supportedMetrics, m)
}

// ParseAggregation parses DAY or MONTH, case-insensitively. Blank defaults to DAY.
func ParseAggregation(raw string) (Aggregation, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(AggregationDay):
		return AggregationDay, nil
	case string(AggregationMonth):
		return AggregationMonth, nil
	default:
		return "", fmt.Errorf("unsupported aggregation %q", raw)
	}
}
