package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline-level Prometheus metrics. Package-specific
// metrics (queue, bus) register themselves via promauto.
type Metrics struct {
	RequestsProcessed *prometheus.CounterVec
	ProcessDurationS  prometheus.Histogram
}

// New creates and registers the pipeline metrics.
func New() *Metrics {
	return &Metrics{
		RequestsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "attest_requests_processed_total",
			Help: "Verification requests processed, labeled by outcome",
		}, []string{"outcome"}),
		ProcessDurationS: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "attest_process_duration_seconds",
			Help:    "End-to-end duration of a single verification attempt",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
