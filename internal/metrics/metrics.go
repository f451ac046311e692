// Package metrics exposes leafsync's Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry served by Handler.
var Registry = prometheus.NewRegistry()

var (
	once     sync.Once
	instance *Metrics
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves Registry in the Prometheus text or OpenMetrics format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Replication state values reported by ReplicationState.
const (
	StateNotConnected = iota
	StateConnected
	StateCompleted
	StatePaused
	StateErrored
	StateClosed
)

// Metrics holds all leafsync metrics.
type Metrics struct {
	// Leaf store
	LeavesWritten      prometheus.Counter // leafsync_leaves_written_total
	LeavesReused       prometheus.Counter // leafsync_leaves_reused_total
	CollisionProbes    prometheus.Counter // leafsync_leaf_collision_probes_total
	DecryptionFailures prometheus.Counter // leafsync_decryption_failures_total

	// Leaf arrival
	LeafWaits *prometheus.CounterVec // leafsync_leaf_waits_total{outcome}

	// Conflicts
	Conflicts *prometheus.CounterVec // leafsync_conflicts_total{outcome}

	// Replication
	DocsReplicated    *prometheus.CounterVec // leafsync_docs_replicated_total{direction}
	ReplicationErrors prometheus.Counter     // leafsync_replication_errors_total
	ReplicationState  prometheus.Gauge       // leafsync_replication_state

	// Garbage collection
	GCLeavesDeleted prometheus.Counter   // leafsync_gc_leaves_deleted_total
	GCDuration      prometheus.Histogram // leafsync_gc_duration_seconds

	// Sampled by Collector
	StoreDocs        prometheus.Gauge // leafsync_store_docs
	StoreUpdateSeq   prometheus.Gauge // leafsync_store_update_seq
	PendingLeafWaits prometheus.Gauge // leafsync_pending_leaf_waits
	FlaggedEntries   prometheus.Gauge // leafsync_flagged_entries
}

// Init registers all metrics once; later calls return the same instance.
// A nil registry means Registry.
func Init(registry prometheus.Registerer) *Metrics {
	once.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		instance = &Metrics{
			LeavesWritten: f.NewCounter(prometheus.CounterOpts{
				Name: "leafsync_leaves_written_total",
				Help: "Leaves allocated by the leaf store",
			}),
			LeavesReused: f.NewCounter(prometheus.CounterOpts{
				Name: "leafsync_leaves_reused_total",
				Help: "Chunks that resolved to an existing leaf",
			}),
			CollisionProbes: f.NewCounter(prometheus.CounterOpts{
				Name: "leafsync_leaf_collision_probes_total",
				Help: "Dedup keys that held different content and were skipped",
			}),
			DecryptionFailures: f.NewCounter(prometheus.CounterOpts{
				Name: "leafsync_decryption_failures_total",
				Help: "Leaf payloads that failed to decrypt",
			}),
			LeafWaits: f.NewCounterVec(prometheus.CounterOpts{
				Name: "leafsync_leaf_waits_total",
				Help: "Waits for not yet replicated leaves by outcome",
			}, []string{"outcome"}),
			Conflicts: f.NewCounterVec(prometheus.CounterOpts{
				Name: "leafsync_conflicts_total",
				Help: "Conflict checks by outcome",
			}, []string{"outcome"}),
			DocsReplicated: f.NewCounterVec(prometheus.CounterOpts{
				Name: "leafsync_docs_replicated_total",
				Help: "Documents written by replication by direction",
			}, []string{"direction"}),
			ReplicationErrors: f.NewCounter(prometheus.CounterOpts{
				Name: "leafsync_replication_errors_total",
				Help: "Failed replication passes",
			}),
			ReplicationState: f.NewGauge(prometheus.GaugeOpts{
				Name: "leafsync_replication_state",
				Help: "Replication state (0 not connected, 1 connected, 2 completed, 3 paused, 4 errored, 5 closed)",
			}),
			GCLeavesDeleted: f.NewCounter(prometheus.CounterOpts{
				Name: "leafsync_gc_leaves_deleted_total",
				Help: "Unreferenced leaves deleted by garbage collection",
			}),
			GCDuration: f.NewHistogram(prometheus.HistogramOpts{
				Name:    "leafsync_gc_duration_seconds",
				Help:    "Garbage collection run duration in seconds",
				Buckets: prometheus.DefBuckets,
			}),
			StoreDocs: f.NewGauge(prometheus.GaugeOpts{
				Name: "leafsync_store_docs",
				Help: "Live documents in the local store",
			}),
			StoreUpdateSeq: f.NewGauge(prometheus.GaugeOpts{
				Name: "leafsync_store_update_seq",
				Help: "Last sequence number of the local store",
			}),
			PendingLeafWaits: f.NewGauge(prometheus.GaugeOpts{
				Name: "leafsync_pending_leaf_waits",
				Help: "Leaf ids with readers waiting for replication",
			}),
			FlaggedEntries: f.NewGauge(prometheus.GaugeOpts{
				Name: "leafsync_flagged_entries",
				Help: "Entries whose last assembly failed",
			}),
		}
	})
	return instance
}

// Get returns the metrics instance, or nil before Init.
func Get() *Metrics {
	return instance
}

// RecordLeafWait records the outcome of a leaf wait.
func (m *Metrics) RecordLeafWait(outcome string) {
	if m == nil {
		return
	}
	m.LeafWaits.WithLabelValues(outcome).Inc()
}

// RecordConflict records the outcome of a conflict check.
func (m *Metrics) RecordConflict(outcome string) {
	if m == nil {
		return
	}
	m.Conflicts.WithLabelValues(outcome).Inc()
}

// RecordReplicated records n documents replicated in direction.
func (m *Metrics) RecordReplicated(direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DocsReplicated.WithLabelValues(direction).Add(float64(n))
}

// SetReplicationState updates the replication state gauge.
func (m *Metrics) SetReplicationState(state int) {
	if m == nil {
		return
	}
	m.ReplicationState.Set(float64(state))
}
