package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution core.
type Metrics struct {
	// Postback metrics
	Conversions        *prometheus.CounterVec
	ConversionValue    *prometheus.CounterVec
	ClickConversions   *prometheus.CounterVec
	PostbackRejections *prometheus.CounterVec
	PostbackLatency    *prometheus.HistogramVec

	// Failover metrics
	FailoverRedirects prometheus.Counter

	// Statistics metrics
	StatsQueryLatency *prometheus.HistogramVec

	// Rollup metrics
	RollupDuration *prometheus.HistogramVec
	RollupHours    prometheus.Counter

	// Archive metrics
	ArchiveFailures prometheus.Counter
}

// NewMetrics creates and registers all metrics under the namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Conversions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_total",
				Help:      "Accepted conversion postbacks",
			},
			[]string{"campaign_id"},
		),
		ConversionValue: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversion_value_total",
				Help:      "Attributed conversion value (currency units x 10^11)",
			},
			[]string{"campaign_id"},
		),
		ClickConversions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "click_conversions_total",
				Help:      "Accepted click-conversion postbacks",
			},
			[]string{"campaign_id"},
		),
		PostbackRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "postback_rejections_total",
				Help:      "Rejected postbacks by reason",
			},
			[]string{"reason"},
		),
		PostbackLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "postback_latency_seconds",
				Help:      "Postback preparation latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"kind"},
		),
		FailoverRedirects: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failover_redirects_total",
				Help:      "Postbacks redirected to an alternate serve domain",
			},
		),
		StatsQueryLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stats_query_latency_seconds",
				Help:      "Statistics query latency in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
			},
			[]string{"table"},
		),
		RollupDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rollup_duration_seconds",
				Help:      "Hourly rollup duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"table"},
		),
		RollupHours: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_hours_total",
				Help:      "Hour buckets rolled up",
			},
		),
		ArchiveFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_failures_total",
				Help:      "Failed event archive batches",
			},
		),
	}
}

// RecordConversion records an accepted conversion and its value.
func (m *Metrics) RecordConversion(campaignID string, value int64) {
	if m == nil {
		return
	}
	m.Conversions.WithLabelValues(campaignID).Inc()
	m.ConversionValue.WithLabelValues(campaignID).Add(float64(value))
}

// RecordClickConversion records an accepted click conversion.
func (m *Metrics) RecordClickConversion(campaignID string) {
	if m == nil {
		return
	}
	m.ClickConversions.WithLabelValues(campaignID).Inc()
}

// RecordRejection records a rejected postback.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.PostbackRejections.WithLabelValues(reason).Inc()
}

// ObservePostback records preparation latency for a postback kind.
func (m *Metrics) ObservePostback(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.PostbackLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordFailover records a failover redirect.
func (m *Metrics) RecordFailover() {
	if m == nil {
		return
	}
	m.FailoverRedirects.Inc()
}

// ObserveStatsQuery records statistics query latency per table.
func (m *Metrics) ObserveStatsQuery(table string, d time.Duration) {
	if m == nil {
		return
	}
	m.StatsQueryLatency.WithLabelValues(table).Observe(d.Seconds())
}

// ObserveRollup records rollup duration per target table.
func (m *Metrics) ObserveRollup(table string, d time.Duration) {
	if m == nil {
		return
	}
	m.RollupDuration.WithLabelValues(table).Observe(d.Seconds())
	m.RollupHours.Inc()
}

// RecordArchiveFailure records a failed archive batch.
func (m *Metrics) RecordArchiveFailure() {
	if m == nil {
		return
	}
	m.ArchiveFailures.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
