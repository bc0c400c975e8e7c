package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: сколько времени занял арбитраж одного вызова
	DecideDuration *prometheus.HistogramVec

	// Traffic: решения по исходам и причинам отказа
	DecisionTotal *prometheus.CounterVec

	// Saturation: глубина очереди апрувов
	PendingTickets prometheus.GaugeFunc

	// Audit: high-water mark журнала
	AuditSequence prometheus.GaugeFunc

	// Подписчики live-стрима
	StreamSubscribers prometheus.GaugeFunc
}

// NewMetrics регистрирует метрики шлюза. Null Object Pattern — если
// регистратор не передан, используем локальный, который никуда не подключен.
func NewMetrics(reg prometheus.Registerer, pending, auditSeq, subscribers func() float64) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DecideDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_decide_duration_seconds",
			Help:    "Histogram of arbitration latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),

		DecisionTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_decisions_total",
			Help: "Total number of arbitration decisions.",
		}, []string{"outcome", "reason"}),

		PendingTickets: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "toolgate_pending_tickets",
			Help: "Current number of tickets awaiting human approval.",
		}, pending),

		AuditSequence: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "toolgate_audit_sequence",
			Help: "Last assigned audit log sequence number.",
		}, auditSeq),

		StreamSubscribers: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "toolgate_stream_subscribers",
			Help: "Current number of live event stream subscribers.",
		}, subscribers),
	}
}
