package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "constellation"

// Metrics holds every collector exported by the node.
// Each instance owns its registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	FinalizedQuanta   prometheus.Counter     // FinalizedQuanta counts apexes that reached quorum
	DroppedSignatures prometheus.Counter     // DroppedSignatures counts signatures that failed verification
	OutrunSignatures  prometheus.Counter     // OutrunSignatures counts signatures buffered before the local result
	PushedPortions    *prometheus.CounterVec // PushedPortions counts portions acknowledged by followers, by stream
	PushFailures      *prometheus.CounterVec // PushFailures counts failed portion deliveries, by stream
	FlushDuration     prometheus.Histogram   // FlushDuration observes durable flush latency
	FlushRetries      prometheus.Counter     // FlushRetries counts flush attempts retried after an error
	FlushedQuanta     prometheus.Counter     // FlushedQuanta counts quanta written to durable storage
	CachedBatches     *prometheus.GaugeVec   // CachedBatches tracks batches held in memory, by cache
	Head              *prometheus.GaugeVec   // Head tracks the replication head apex, by stream
}

// New creates a Metrics with a fresh registry including Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FinalizedQuanta: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalized_quanta_total",
			Help:      "Quanta finalized by quorum",
		}),
		DroppedSignatures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_signatures_total",
			Help:      "Auditor signatures dropped as invalid",
		}),
		OutrunSignatures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outrun_signatures_total",
			Help:      "Auditor signatures received before the local result",
		}),
		PushedPortions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushed_portions_total",
			Help:      "Replication portions acknowledged by followers",
		}, []string{"stream"}),
		PushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_failures_total",
			Help:      "Replication portions that failed to deliver",
		}, []string{"stream"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Durable flush latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		FlushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_retries_total",
			Help:      "Flush attempts retried after a storage error",
		}),
		FlushedQuanta: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_quanta_total",
			Help:      "Quanta written to durable storage",
		}),
		CachedBatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_batches",
			Help:      "Apex batches held in memory",
		}, []string{"cache"}),
		Head: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_head_apex",
			Help:      "Highest contiguous apex available for replication",
		}, []string{"stream"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FinalizedQuanta,
		m.DroppedSignatures,
		m.OutrunSignatures,
		m.PushedPortions,
		m.PushFailures,
		m.FlushDuration,
		m.FlushRetries,
		m.FlushedQuanta,
		m.CachedBatches,
		m.Head,
	)

	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
