package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	// Latency: время принятия решения на каждой стадии конвейера
	StageDuration *prometheus.HistogramVec

	// Traffic: итоговые состояния транзакций
	Outcomes *prometheus.CounterVec

	// Errors: отказы по категории и коду причины
	Rejections *prometheus.CounterVec

	// Saturation: состояние предохранителей узлов расчетов (0 closed, 1 half-open, 2 open)
	BreakerState *prometheus.GaugeVec

	// Custody: время сбора кворума подписей
	QuorumDuration prometheus.Histogram

	// Ledger: буфер реплики и сбои записи
	LedgerMirrorBuffer prometheus.Gauge
	LedgerErrors       prometheus.Counter

	// HTTP API
	RequestDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Без регистратора метрики пишутся в локальный реестр, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	return &Metrics{
		StageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_stage_duration_seconds",
			Help:    "Latency of each pipeline stage.",
			Buckets: buckets,
		}, []string{"stage"}),

		Outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_transactions_total",
			Help: "Transactions by resulting state.",
		}, []string{"state", "mode"}),

		Rejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_rejections_total",
			Help: "Rejections by reason category and code.",
		}, []string{"category", "code"}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "paygate_settlement_breaker_state",
			Help: "Circuit breaker state per settlement endpoint (0=closed, 1=half-open, 2=open).",
		}, []string{"endpoint"}),

		QuorumDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "paygate_custody_quorum_seconds",
			Help:    "Time to collect a signing quorum.",
			Buckets: buckets,
		}),

		LedgerMirrorBuffer: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "paygate_ledger_mirror_buffer",
			Help: "Ledger records waiting to be mirrored.",
		}),

		LedgerErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "paygate_ledger_append_errors_total",
			Help: "Ledger appends that failed.",
		}),

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paygate_http_request_duration_seconds",
			Help:    "Agent API latency.",
			Buckets: buckets,
		}, []string{"route", "code"}),
	}
}

// BreakerChanged подключается к infra.ReliabilityConfig.OnStateChange.
func (m *Metrics) BreakerChanged(name string, _, to gobreaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}
