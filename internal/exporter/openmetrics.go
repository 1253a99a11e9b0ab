package exporter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const collectTimeout = 10 * time.Second

var (
	measurementLabels = []string{"brand", "surface", "metric", "site_id", "preliminary"}

	latestValueDesc = prometheus.NewDesc(
		"reach_measurement_latest_value",
		"Total value of the most recent stored measurement per site and metric.",
		measurementLabels, nil,
	)
	latestDateDesc = prometheus.NewDesc(
		"reach_measurement_latest_date_unixtime",
		"Date of the most recent stored measurement per site and metric, as unix seconds.",
		measurementLabels, nil,
	)
	openAlertsDesc = prometheus.NewDesc(
		"reach_alerts_open",
		"Unacknowledged alerts by severity.",
		[]string{"severity"}, nil,
	)
)

// NewOpenMetricsHandler returns a handler that renders store snapshots and any
// extra collectors through the Prometheus OpenMetrics encoder.
func NewOpenMetricsHandler(reader SnapshotReader, extra ...prometheus.Collector) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&snapshotCollector{reader: reader})
	for _, collector := range extra {
		_ = Register(registry, collector)
	}

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Register adds a collector, treating an already-registered collector as success.
func Register(registerer prometheus.Registerer, collector prometheus.Collector) error {
	if registerer == nil || collector == nil {
		return nil
	}
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return nil
		}
		return err
	}
	return nil
}

type snapshotCollector struct {
	reader SnapshotReader
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- latestValueDesc
	ch <- latestDateDesc
	ch <- openAlertsDesc
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.reader == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	snapshot := c.reader.Snapshot(ctx)

	for _, row := range snapshot.Measurements {
		labels := []string{row.Brand, row.Surface, row.Metric, row.SiteID, strconv.FormatBool(row.Preliminary)}
		ch <- prometheus.MustNewConstMetric(latestValueDesc, prometheus.GaugeValue, float64(row.ValueTotal), labels...)
		ch <- prometheus.MustNewConstMetric(latestDateDesc, prometheus.GaugeValue, float64(row.Date.Unix()), labels...)
	}
	for _, severity := range []string{"warning", "critical"} {
		ch <- prometheus.MustNewConstMetric(openAlertsDesc, prometheus.GaugeValue, float64(snapshot.OpenAlerts[severity]), severity)
	}
}
