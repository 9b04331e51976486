// Package metrics is the Prometheus instrumentation for the admission
// pipeline and the JSON-RPC surface, adapted from
// services/facilitator/internal/metrics/prometheus.go's verify/settle
// counters to this domain's admit/reject/reconcile counters.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge

	admissionsTotal  *prometheus.CounterVec
	poolSize         prometheus.Gauge
	reconcileTotal   *prometheus.CounterVec
	bytecodeBanTotal prometheus.Counter
}

// New creates and registers every metric against a private registry, so
// that (unlike the teacher's process-global prometheus.MustRegister
// pattern) multiple *Metrics instances can coexist in the same process
// without an AlreadyRegisteredError — needed here because internal/mempool
// and internal/reputation each take a *Metrics and are exercised by many
// independent tests in the same test binary.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mempool_requests_total",
				Help: "Total number of JSON-RPC requests",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mempool_request_duration_seconds",
				Help:    "JSON-RPC request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mempool_active_requests",
				Help: "Number of currently active requests",
			},
		),
		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mempool_admissions_total",
				Help: "Total number of eth_sendUserOperation admission outcomes",
			},
			[]string{"result"},
		),
		poolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mempool_pooled_user_ops",
				Help: "Number of UserOps returned by the last eth_lastUserOperations scan",
			},
		),
		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mempool_receipt_reconciliations_total",
				Help: "Total number of receipt reconciliations, by outcome",
			},
			[]string{"outcome"},
		),
		bytecodeBanTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mempool_bytecode_bans_total",
				Help: "Total number of bytecode hashes transitioned to banned",
			},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.admissionsTotal,
		m.poolSize,
		m.reconcileTotal,
		m.bytecodeBanTotal,
	)

	return m
}

// Middleware records per-request counters and latency, skipping /metrics
// itself so instrumentation does not measure its own scrape.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.activeRequests.Inc()

		c.Next()

		m.activeRequests.Dec()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.requestsTotal.WithLabelValues(c.FullPath(), status).Inc()
		m.requestDuration.WithLabelValues(c.FullPath()).Observe(duration)
	}
}

// RecordAdmission records an eth_sendUserOperation outcome, labeled by the
// pipeline.Kind string on rejection or "accepted" on success.
func (m *Metrics) RecordAdmission(result string) {
	m.admissionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPoolSize(n int) {
	m.poolSize.Set(float64(n))
}

func (m *Metrics) RecordReconcile(executed bool) {
	outcome := "pending"
	if executed {
		outcome = "executed"
	}
	m.reconcileTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordBytecodeBan() {
	m.bytecodeBanTotal.Inc()
}

// Handler returns the Prometheus scrape handler for this instance's
// private registry.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
