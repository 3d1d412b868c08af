// Package metrics exposes the service's prometheus counters. Every instance
// owns its registry so tests and multiple pipelines never share state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haukened/rr-intel/internal/intel/domain"
	"github.com/haukened/rr-intel/internal/intel/repos/cloudcache"
)

const namespace = "rr_intel"

// Metrics holds the collectors for one running service.
type Metrics struct {
	registry *prometheus.Registry

	queries    *prometheus.CounterVec
	positives  *prometheus.CounterVec
	alarms     prometheus.Counter
	reconciles *prometheus.CounterVec
	reconcileT *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry. Process and Go runtime
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "DNS queries processed by the classification pipeline, by terminal stage and verdict.",
		}, []string{"stage", "verdict"}),
		positives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Classified queries split into true positives (blocked) and false positives (allowed).",
		}, []string{"result"}),
		alarms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_total",
			Help:      "Intel alarms handed to the alarm queue.",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_reconciles_total",
			Help:      "Cloud cache reconciliations by key and result.",
		}, []string{"key", "result"}),
		reconcileT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_reconcile_duration_seconds",
			Help:      "Cloud cache reconciliation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"key"}),
	}
	m.registry.MustRegister(m.queries, m.positives, m.alarms, m.reconciles, m.reconcileT)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry is the gatherer served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveOutcome counts one pipeline outcome. Outcomes that reached a verdict
// also count as a true positive (block) or a false positive (allow).
func (m *Metrics) ObserveOutcome(o domain.Outcome) {
	m.queries.WithLabelValues(o.Stage.String(), o.Verdict.String()).Inc()
	switch o.Verdict {
	case domain.VerdictBlock:
		m.positives.WithLabelValues("true_positive").Inc()
	case domain.VerdictAllow:
		m.positives.WithLabelValues("false_positive").Inc()
	}
	if o.Alarmed {
		m.alarms.Inc()
	}
}

// ObserveReconcile matches cloudcache.Hooks.OnReconcile.
func (m *Metrics) ObserveReconcile(key string, res cloudcache.Result, took time.Duration) {
	m.reconciles.WithLabelValues(key, reconcileResult(res)).Inc()
	m.reconcileT.WithLabelValues(key).Observe(took.Seconds())
}

// Hooks returns registry hooks that feed these metrics.
func (m *Metrics) Hooks() cloudcache.Hooks {
	return cloudcache.Hooks{OnReconcile: m.ObserveReconcile}
}

// GaugeFunc registers a gauge computed on scrape, e.g. dedup window size.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func reconcileResult(res cloudcache.Result) string {
	switch {
	case res.Err != nil:
		return "error"
	case !res.Supported:
		return "unsupported"
	case res.Changed:
		return "changed"
	default:
		return "unchanged"
	}
}
