// Package metrics exposes Prometheus metrics for replication runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "artsync"

// Collector holds the replication metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	runsStarted     *prometheus.CounterVec
	runsFinished    *prometheus.CounterVec
	runDuration     prometheus.Histogram
	legsFinished    *prometheus.CounterVec
	legDuration     prometheus.Histogram
	artifacts       *prometheus.CounterVec
	bytesReplicated *prometheus.CounterVec
	runsActive      prometheus.Gauge
	recordsPurged   prometheus.Counter
}

// NewCollector creates a Collector backed by its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of replication runs started",
		}, []string{"trigger"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of replication runs finished, by status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Replication run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		legsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legs_finished_total",
			Help:      "Total number of fan-out legs finished, by remote cluster and status",
		}, []string{"remote_cluster", "status"}),
		legDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "leg_duration_seconds",
			Help:      "Fan-out leg duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Artifacts handled by finished legs, by outcome",
		}, []string{"outcome"}),
		bytesReplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_replicated_total",
			Help:      "Bytes pushed to remote clusters",
		}, []string{"remote_cluster"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Current number of in-flight replication runs",
		}),
		recordsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_purged_total",
			Help:      "Total number of execution records removed by retention",
		}),
	}

	reg.MustRegister(
		c.runsStarted,
		c.runsFinished,
		c.runDuration,
		c.legsFinished,
		c.legDuration,
		c.artifacts,
		c.bytesReplicated,
		c.runsActive,
		c.recordsPurged,
	)

	return c
}

// RunStarted records a run start. trigger is "manual" or "schedule".
func (c *Collector) RunStarted(trigger string) {
	if c == nil {
		return
	}
	c.runsStarted.WithLabelValues(trigger).Inc()
	c.runsActive.Inc()
}

// RunFinished records a finished run and its duration.
func (c *Collector) RunFinished(status string, seconds float64) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(status).Inc()
	c.runDuration.Observe(seconds)
	c.runsActive.Dec()
}

// LegFinished records one finished leg with its artifact counts.
func (c *Collector) LegFinished(remoteCluster, status string, seconds float64, success, skip, failed, bytes int64) {
	if c == nil {
		return
	}
	c.legsFinished.WithLabelValues(remoteCluster, status).Inc()
	c.legDuration.Observe(seconds)
	c.artifacts.WithLabelValues("success").Add(float64(success))
	c.artifacts.WithLabelValues("skip").Add(float64(skip))
	c.artifacts.WithLabelValues("failed").Add(float64(failed))
	c.bytesReplicated.WithLabelValues(remoteCluster).Add(float64(bytes))
}

// RecordsPurged adds n removed records.
func (c *Collector) RecordsPurged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.recordsPurged.Add(float64(n))
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
