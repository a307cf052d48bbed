// Package metrics exposes Prometheus collectors for the document pipelines
// and the HTTP API.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/docvault/internal/errs"
)

const namespace = "docvault"

// Pipeline names used as label values.
const (
	PipelineUpload   = "upload"
	PipelineDownload = "download"
)

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	pipelineRuns     *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	pipelineBytes    *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpInFlight     prometheus.Gauge
	documentAccess   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Document pipeline runs by pipeline and outcome kind",
		}, []string{"pipeline", "outcome"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Document pipeline latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"pipeline"}),
		pipelineBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_document_bytes",
			Help:      "Plaintext document size handled by successful pipeline runs",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"pipeline"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served",
		}),
		documentAccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_access_total",
			Help:      "Audited API accesses by action and status",
		}, []string{"action", "status"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pipelineRuns,
		m.pipelineDuration,
		m.pipelineBytes,
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		m.documentAccess,
	)
	return m
}

// ObservePipeline records one pipeline run. err is the run's failure, or nil.
func (m *Metrics) ObservePipeline(pipeline string, err error, size int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(errs.KindOf(err))
	}
	m.pipelineRuns.WithLabelValues(pipeline, outcome).Inc()
	m.pipelineDuration.WithLabelValues(pipeline).Observe(elapsed.Seconds())
	if err == nil {
		m.pipelineBytes.WithLabelValues(pipeline).Observe(float64(size))
	}
}

// ObserveAccess counts one audited access.
func (m *Metrics) ObserveAccess(action string, status int) {
	if m == nil {
		return
	}
	m.documentAccess.WithLabelValues(action, strconv.Itoa(status)).Inc()
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}
