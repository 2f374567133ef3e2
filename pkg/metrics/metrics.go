// Package metrics holds the Prometheus collectors of the inventory service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inventory"

// Metrics methods are safe on a nil receiver so components can run without collectors.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AdjustmentsTotal *prometheus.CounterVec
	CASConflicts     prometheus.Counter
	ScansTotal       *prometheus.CounterVec
	FeedEventsTotal  *prometheus.CounterVec
	ActiveViews      prometheus.Gauge
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		AdjustmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_adjustments_total",
			Help:      "Stock quantity adjustments by operation and result",
		}, []string{"operation", "result"}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_version_conflicts_total",
			Help:      "Conditional writes rejected because the product changed underneath",
		}),
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barcode_scans_total",
			Help:      "Barcode resolutions by outcome",
		}, []string{"outcome"}),
		FeedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_feed_events_total",
			Help:      "Row changes fanned out to views",
		}, []string{"table", "type"}),
		ActiveViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_views_active",
			Help:      "Open realtime views",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AdjustmentsTotal,
		m.CASConflicts,
		m.ScansTotal,
		m.FeedEventsTotal,
		m.ActiveViews,
	)
	return m
}

func (m *Metrics) ObserveAdjustment(operation, result string) {
	if m == nil {
		return
	}
	m.AdjustmentsTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

func (m *Metrics) ObserveScan(outcome string) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveFeedEvent(table, typ string) {
	if m == nil {
		return
	}
	m.FeedEventsTotal.WithLabelValues(table, typ).Inc()
}

func (m *Metrics) ViewOpened() {
	if m == nil {
		return
	}
	m.ActiveViews.Inc()
}

func (m *Metrics) ViewClosed() {
	if m == nil {
		return
	}
	m.ActiveViews.Dec()
}

// GinMiddleware records request count and latency by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
