// Package telemetry exposes Prometheus metrics for report runs and the HTTP
// API.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "incidence"

// Recorder holds every collector. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	bucketsFetched  *prometheus.CounterVec
	recordsFetched  *prometheus.CounterVec
	recordsDropped  *prometheus.CounterVec
	fetchErrors     *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	exclusions      *prometheus.CounterVec
	matches         *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	seriesRows      *prometheus.GaugeVec
	activeRequests  prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

// NewRecorder registers collectors on a fresh registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.NewRegistry())
}

// NewRecorderWith registers collectors on reg.
func NewRecorderWith(reg *prometheus.Registry) *Recorder {
	auto := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		bucketsFetched: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_fetched_total",
			Help:      "Buckets fetched from the event store, by side.",
		}, []string{"side"}),
		recordsFetched: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Raw records returned by the event store, by side.",
		}, []string{"side"}),
		recordsDropped: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Malformed records dropped before reduction, by side.",
		}, []string{"side"}),
		fetchErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed event store fetches, by side.",
		}, []string{"side"}),
		fetchDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Event store fetch latency per bucket.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"side"}),
		exclusions: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exclusions_total",
			Help:      "Entity-buckets removed by the exclusion window.",
		}, []string{"report"}),
		matches: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Secondary events attributed to a primary event.",
		}, []string{"report"}),
		runs: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Report runs by outcome.",
		}, []string{"report", "status"}),
		runDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a report run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		}, []string{"report"}),
		seriesRows: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "series_rows",
			Help:      "Rows in the last assembled series.",
		}, []string{"report"}),
		activeRequests: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests.",
		}),
		requestDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (r *Recorder) BucketFetched(side string, records int, took time.Duration) {
	if r == nil {
		return
	}
	r.bucketsFetched.WithLabelValues(side).Inc()
	r.recordsFetched.WithLabelValues(side).Add(float64(records))
	r.fetchDuration.WithLabelValues(side).Observe(took.Seconds())
}

func (r *Recorder) FetchFailed(side string) {
	if r == nil {
		return
	}
	r.fetchErrors.WithLabelValues(side).Inc()
}

func (r *Recorder) RecordsDropped(side string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.recordsDropped.WithLabelValues(side).Add(float64(n))
}

func (r *Recorder) Matched(report string, matches, exclusions int) {
	if r == nil {
		return
	}
	r.matches.WithLabelValues(report).Add(float64(matches))
	r.exclusions.WithLabelValues(report).Add(float64(exclusions))
}

// RunFinished records a run's outcome; err == nil counts as success.
func (r *Recorder) RunFinished(report string, rows int, took time.Duration, err error) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.runs.WithLabelValues(report, status).Inc()
	r.runDuration.WithLabelValues(report).Observe(took.Seconds())
	if err == nil {
		r.seriesRows.WithLabelValues(report).Set(float64(rows))
	}
}

// Middleware records HTTP request metrics.
func (r *Recorder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if r == nil {
				return next(c)
			}
			r.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			r.activeRequests.Dec()
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			r.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.gatherer
}
