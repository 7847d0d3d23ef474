package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions metrics by logical endpoint name rather than the
// raw URL path.
const labelHandler = "handler"

// serverMetrics holds the Prometheus metrics owned by the ops listener.
type serverMetrics struct {
	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, handler, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// authRejectionsTotal counts requests turned away by the token guard.
	authRejectionsTotal *prometheus.CounterVec
}

// newServerMetrics registers the server metrics against reg so that tests
// can use an isolated registry.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbingest",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the ops listener, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kbingest",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the ops listener.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		authRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbingest",
			Subsystem: "http",
			Name:      "auth_rejections_total",
			Help:      "Requests rejected by the ops token guard, partitioned by reason.",
		}, []string{"reason"}),
	}
}
