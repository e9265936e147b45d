package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type relayMetrics struct {
	activeSessions  prometheus.Gauge
	activeProducers prometheus.Gauge
	attachedStreams *prometheus.GaugeVec

	sessionsCreated    prometheus.Counter
	sessionsExpired    prometheus.Counter
	sessionsDeleted    prometheus.Counter
	chunksAppended     prometheus.Counter
	chunksReplayed     prometheus.Counter
	producerRuns       *prometheus.CounterVec
	duplicateProducers prometheus.Counter
	producerDuration   prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *relayMetrics
)

func getMetrics() *relayMetrics {
	metricsOnce.Do(func() {
		m := &relayMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Sessions currently held by the store.",
				},
			),
			activeProducers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_producers",
					Help: "Upstream producers currently running.",
				},
			),
			attachedStreams: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "attached_streams",
					Help: "Client connections currently attached by transport.",
				},
				[]string{"transport"},
			),
			sessionsCreated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_created_total",
					Help: "Total sessions created.",
				},
			),
			sessionsExpired: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_expired_total",
					Help: "Total sessions removed by the TTL sweep.",
				},
			),
			sessionsDeleted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_deleted_total",
					Help: "Total sessions removed by explicit deletion.",
				},
			),
			chunksAppended: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "chunks_appended_total",
					Help: "Total chunks appended to session logs.",
				},
			),
			chunksReplayed: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "chunks_replayed_total",
					Help: "Total chunks re-delivered to reconnecting clients.",
				},
			),
			producerRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "producer_runs_total",
					Help: "Total producer runs by terminal status.",
				},
				[]string{"provider", "status"},
			),
			duplicateProducers: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "duplicate_producers_total",
					Help: "Producer starts suppressed because one was already claimed.",
				},
			),
			producerDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "producer_duration_seconds",
					Help:    "Upstream producer run duration in seconds.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.activeProducers,
			m.attachedStreams,
			m.sessionsCreated,
			m.sessionsExpired,
			m.sessionsDeleted,
			m.chunksAppended,
			m.chunksReplayed,
			m.producerRuns,
			m.duplicateProducers,
			m.producerDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionCreated() {
	getMetrics().sessionsCreated.Inc()
}

func RecordSessionExpired(count int) {
	getMetrics().sessionsExpired.Add(float64(count))
}

func RecordSessionDeleted() {
	getMetrics().sessionsDeleted.Inc()
}

func RecordChunkAppended() {
	getMetrics().chunksAppended.Inc()
}

func RecordChunksReplayed(count int) {
	if count <= 0 {
		return
	}
	getMetrics().chunksReplayed.Add(float64(count))
}

func RecordProducerStart() {
	getMetrics().activeProducers.Inc()
}

func RecordProducerEnd(provider, status string, duration time.Duration) {
	m := getMetrics()
	m.activeProducers.Dec()
	m.producerRuns.WithLabelValues(provider, status).Inc()
	m.producerDuration.Observe(duration.Seconds())
}

func RecordDuplicateProducer() {
	getMetrics().duplicateProducers.Inc()
}

func StreamAttached(transport string) {
	getMetrics().attachedStreams.WithLabelValues(transport).Inc()
}

func StreamDetached(transport string) {
	getMetrics().attachedStreams.WithLabelValues(transport).Dec()
}
