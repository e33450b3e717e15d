// Package metrics exposes the server's Prometheus collectors. Every method is
// safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	scansStarted   prometheus.Counter
	scansFinished  *prometheus.CounterVec
	scanRunning    prometheus.Gauge
	logins         *prometheus.CounterVec
	authRejections *prometheus.CounterVec
	queries        *prometheus.CounterVec
	queryDuration  prometheus.Histogram
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors. workerID is attached as a constant label.
func New(workerID int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	labels := prometheus.Labels{"worker": strconv.Itoa(workerID)}
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		scansStarted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "lightrag_bootstrap_scans_started_total",
			Help:        "Startup scans started by this worker",
			ConstLabels: labels,
		}),
		scansFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "lightrag_bootstrap_scans_finished_total",
			Help:        "Startup scans finished by this worker, by result",
			ConstLabels: labels,
		}, []string{"result"}), // "ok", "error"
		scanRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "lightrag_bootstrap_scan_running",
			Help:        "Whether this worker is running the startup scan",
			ConstLabels: labels,
		}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "lightrag_logins_total",
			Help:        "Login attempts by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}), // "user", "guest", "rejected"
		authRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "lightrag_auth_rejections_total",
			Help:        "Requests rejected by the auth middleware, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		queries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "lightrag_queries_total",
			Help:        "Queries served, by result",
			ConstLabels: labels,
		}, []string{"result"}),
		queryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "lightrag_query_duration_seconds",
			Help:        "Time to answer a query",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ScanStarted implements bootstrap.Observer.
func (m *Metrics) ScanStarted() {
	if m == nil {
		return
	}
	m.scansStarted.Inc()
	m.scanRunning.Set(1)
}

// ScanFinished implements bootstrap.Observer.
func (m *Metrics) ScanFinished(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.scansFinished.WithLabelValues(result).Inc()
	m.scanRunning.Set(0)
}

// AuthRejected implements auth.RejectionCounter.
func (m *Metrics) AuthRejected(reason string) {
	if m == nil {
		return
	}
	m.authRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordQuery(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.queries.WithLabelValues(result).Inc()
	m.queryDuration.Observe(elapsed.Seconds())
}
