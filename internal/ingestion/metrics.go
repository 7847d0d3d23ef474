package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for filesProcessed.
const (
	outcomeIndexed = "indexed"
	outcomeDeleted = "deleted"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

// Metrics holds the Prometheus metrics owned by the Coordinator.
type Metrics struct {
	// filesProcessed counts finished pipelines by event kind and outcome.
	filesProcessed *prometheus.CounterVec

	// fileDuration records how long a single pipeline took, by event kind.
	fileDuration *prometheus.HistogramVec

	// chunksIndexed counts chunks written to both stores.
	chunksIndexed prometheus.Counter

	// chunksSkipped counts chunks dropped because embedding failed.
	chunksSkipped prometheus.Counter

	// chunksPruned counts stale chunks removed after a file shrank or was deleted.
	chunksPruned prometheus.Counter

	// inflight is the number of files with a queued or running pipeline.
	inflight prometheus.Gauge

	// coalesced counts events folded into an already pending request.
	coalesced prometheus.Counter
}

// NewMetrics registers the ingestion metrics against reg. A nil reg creates
// unregistered collectors, which is what tests and one-shot commands want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		filesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbingest",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Total number of file pipelines completed, partitioned by event kind and outcome.",
		}, []string{"kind", "outcome"}),

		fileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbingest",
			Subsystem: "ingest",
			Name:      "file_duration_seconds",
			Help:      "Wall-clock duration of a single file pipeline.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"kind"}),

		chunksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kbingest",
			Subsystem: "ingest",
			Name:      "chunks_indexed_total",
			Help:      "Total number of chunks written to the vector and graph stores.",
		}),

		chunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kbingest",
			Subsystem: "ingest",
			Name:      "chunks_skipped_total",
			Help:      "Total number of chunks skipped because embedding failed.",
		}),

		chunksPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kbingest",
			Subsystem: "ingest",
			Name:      "chunks_pruned_total",
			Help:      "Total number of stale chunks removed from the stores.",
		}),

		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbingest",
			Subsystem: "ingest",
			Name:      "inflight_files",
			Help:      "Number of files with a queued or running pipeline.",
		}),

		coalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kbingest",
			Subsystem: "ingest",
			Name:      "events_coalesced_total",
			Help:      "Total number of events folded into a pending request for a busy file.",
		}),
	}
}
