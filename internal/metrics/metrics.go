package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/version"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/window"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	profilingActive        prometheus.Gauge

	// tracker
	eventsRejected  *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	topQueryDur     prometheus.Histogram

	// report publisher
	reportsPublished    prometheus.Counter
	reportErrors        *prometheus.CounterVec
	reportDuration      prometheus.Histogram
	reportLastSuccessTs prometheus.Gauge
}

// New returns a fresh registry with Go/process collectors and the service metrics.
// HTTP metrics carry only method, route and status labels.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times the rate limiter visitor table was full",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toptracker_events_rejected_total",
			Help: "Events rejected before counting, by reason",
		}, []string{"reason"}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toptracker_events_duplicate_total",
			Help: "Events dropped because their id was already counted",
		}),
		topQueryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "toptracker_top_query_duration_seconds",
			Help:    "Time to expire and select a top-N answer",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		reportsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toptracker_reports_published_total",
			Help: "Top-N reports uploaded",
		}),
		reportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toptracker_report_errors_total",
			Help: "Report publish failures by stage",
		}, []string{"stage"}),
		reportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "toptracker_report_publish_duration_seconds",
			Help:    "Time to render, sign, and upload one report",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		reportLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toptracker_report_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful report upload",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.profilingActive,
		m.eventsRejected,
		m.eventsDuplicate,
		m.topQueryDur,
		m.reportsPublished,
		m.reportErrors,
		m.reportDuration,
		m.reportLastSuccessTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

// RegisterTracker exposes the counter's live size and lifetime totals, read at scrape time.
func (m *ServerMetrics) RegisterTracker(stats func() window.Stats) {
	m.reg.MustRegister(&trackerCollector{stats: stats})
}

func (m *ServerMetrics) IncHTTPPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfo(component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncEventsRejected(reason string) {
	m.eventsRejected.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncEventsDuplicate() {
	m.eventsDuplicate.Inc()
}

func (m *ServerMetrics) ObserveTopQuery(seconds float64) {
	m.topQueryDur.Observe(seconds)
}

func (m *ServerMetrics) IncReportPublished() {
	m.reportsPublished.Inc()
}

func (m *ServerMetrics) IncReportError(stage string) {
	m.reportErrors.WithLabelValues(stage).Inc()
}

func (m *ServerMetrics) ObserveReportDuration(seconds float64) {
	m.reportDuration.Observe(seconds)
}

func (m *ServerMetrics) SetReportLastSuccess(t time.Time) {
	m.reportLastSuccessTs.Set(float64(t.Unix()))
}
