package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the daemon. A nil *Metrics is
// valid and records nothing, so components can be built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	RPCCalls        *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	WorkerRestarts  prometheus.Counter
	WorkerState     *prometheus.GaugeVec

	IngestMessages   *prometheus.CounterVec
	IngestRejections *prometheus.CounterVec
	IngestBatchSize  prometheus.Histogram
	SpoolDepth       prometheus.Gauge
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RPCCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgsync_rpc_calls_total",
			Help: "Worker RPC calls by method and outcome",
		}, []string{"method", "outcome"}),
		RPCCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tgsync_rpc_call_duration_seconds",
			Help:    "Worker RPC round-trip time",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tgsync_worker_restarts_total",
			Help: "Worker restarts scheduled after a crash",
		}),
		WorkerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tgsync_worker_state",
			Help: "1 for the current worker lifecycle state, 0 otherwise",
		}, []string{"state"}),
		IngestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgsync_ingest_messages_total",
			Help: "Ingested messages by outcome (saved, skipped, deduped)",
		}, []string{"outcome"}),
		IngestRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgsync_ingest_rejections_total",
			Help: "Messages rejected by the filter, by reason",
		}, []string{"reason"}),
		IngestBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgsync_ingest_batch_size",
			Help:    "Number of messages per IngestBatch call",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		SpoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tgsync_ingest_spool_depth",
			Help: "Inbound messages waiting in the on-disk spool",
		}),
	}
	reg.MustRegister(
		m.RPCCalls, m.RPCCallDuration, m.WorkerRestarts, m.WorkerState,
		m.IngestMessages, m.IngestRejections, m.IngestBatchSize, m.SpoolDepth,
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCall records one finished RPC call.
func (m *Metrics) ObserveCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, outcome).Inc()
	m.RPCCallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordRestart counts a scheduled worker restart.
func (m *Metrics) RecordRestart() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}

// SetWorkerState flips the state gauge to the given state.
func (m *Metrics) SetWorkerState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.WorkerState.WithLabelValues(s).Set(v)
	}
}

// RecordIngest counts one ingestion outcome.
func (m *Metrics) RecordIngest(outcome string) {
	if m == nil {
		return
	}
	m.IngestMessages.WithLabelValues(outcome).Inc()
}

// RecordRejection counts one filter rejection.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.IngestRejections.WithLabelValues(reason).Inc()
}

// ObserveBatch records the size of an IngestBatch call.
func (m *Metrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.IngestBatchSize.Observe(float64(size))
}

// SetSpoolDepth updates the spool gauge.
func (m *Metrics) SetSpoolDepth(n int) {
	if m == nil {
		return
	}
	m.SpoolDepth.Set(float64(n))
}
