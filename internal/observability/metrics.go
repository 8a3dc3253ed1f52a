package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	CacheEvents    *prometheus.CounterVec
	CacheEntries   prometheus.Gauge
	AnswersTotal   *prometheus.CounterVec
	AnswerErrors   *prometheus.CounterVec
	AnswerLatency  prometheus.Histogram
	WSMessages     *prometheus.CounterVec
	WSWriteErrors  *prometheus.CounterVec

	namespace    string
	answerStages *answerStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		CacheEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_cache_events_total",
			Help:      "Answer cache events by type.",
		}, []string{"event"}),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "answer_cache_entries",
			Help:      "Current number of cached answers.",
		}),
		AnswersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answered questions by outcome.",
		}, []string{"outcome"}),
		AnswerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_errors_total",
			Help:      "Failed answering requests by error kind.",
		}, []string{"kind"}),
		AnswerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_latency_ms",
			Help:      "End-to-end answer latency in milliseconds.",
			Buckets:   []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by operation.",
		}, []string{"op"}),
		namespace:    namespace,
		answerStages: newAnswerStageWindow(256),
	}
}

// RegisterDispatchInFlight exposes the dispatcher's held-slot count as a
// gauge. Registered late because the dispatcher is built after the metrics.
func (m *Metrics) RegisterDispatchInFlight(fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "dispatch_in_flight",
		Help:      "Backend calls currently holding a dispatch slot.",
	}, fn)
}

// ObserveAnswerStage records one stage duration in the rolling latency
// window. The "total" stage also feeds the Prometheus histogram. Safe on a
// nil receiver so the pipeline can run without metrics in tests.
func (m *Metrics) ObserveAnswerStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	m.answerStages.Observe(stage, ms)
	if stage == "total" {
		m.AnswerLatency.Observe(ms)
	}
}

// ObserveAnswerIndicator counts a notable per-request condition (cache hit,
// empty retrieval) in the latency snapshot.
func (m *Metrics) ObserveAnswerIndicator(name string) {
	if m == nil {
		return
	}
	m.answerStages.ObserveIndicator(name)
}

// SnapshotAnswerStages returns the rolling per-stage latency percentiles.
func (m *Metrics) SnapshotAnswerStages() AnswerStageSnapshot {
	if m == nil {
		return AnswerStageSnapshot{}
	}
	return m.answerStages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
