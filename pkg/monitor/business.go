package monitor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics 定义交易引擎业务指标
type BusinessMetrics struct {
	TxTransitionsTotal        *prometheus.CounterVec
	NonceReserveDuration      *prometheus.HistogramVec
	RelaySubmissionsTotal     *prometheus.CounterVec
	GasPaidWithTotal          *prometheus.CounterVec
	GasPaymentTokensAvailable *prometheus.GaugeVec
	StuckTransactions         *prometheus.GaugeVec
	PollDuration              *prometheus.HistogramVec
	BroadcastErrorsTotal      *prometheus.CounterVec
	QueueDepth                prometheus.Gauge
}

// Global Metrics Instance. 未初始化时 (例如单元测试) 所有记录方法为空操作
var Business *BusinessMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = &BusinessMetrics{
		TxTransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "txengine_transitions_total",
			Help: "Transaction status transitions",
		}, []string{"chain", "status"}),
		NonceReserveDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txengine_nonce_reserve_duration_seconds",
			Help:    "Latency of nonce reservation including the chain tx count read",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain"}),
		RelaySubmissionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "txengine_relay_submissions_total",
			Help: "Relay submissions by result",
		}, []string{"chain", "result"}),
		GasPaidWithTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "txengine_gas_paid_with_total",
			Help: "Submitted transactions by fee payment asset",
		}, []string{"chain", "asset"}),
		GasPaymentTokensAvailable: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txengine_gas_payment_tokens_available",
			Help: "Gas fee tokens offered by the last relay simulation",
		}, []string{"chain"}),
		StuckTransactions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txengine_stuck_transactions",
			Help: "Submitted transactions flagged as stuck",
		}, []string{"chain"}),
		PollDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txengine_poll_duration_seconds",
			Help:    "Duration of one poll round per chain",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain"}),
		BroadcastErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "txengine_broadcast_errors_total",
			Help: "Broadcast errors by kind",
		}, []string{"chain", "kind"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "txengine_confirmation_queue_depth",
			Help: "Pending entries in the confirmation queue",
		}),
	}
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

func (m *BusinessMetrics) ObserveTransition(chainID uint64, status string) {
	if m == nil {
		return
	}
	m.TxTransitionsTotal.WithLabelValues(chainLabel(chainID), status).Inc()
}

func (m *BusinessMetrics) ObserveNonceReserve(chainID uint64, started time.Time) {
	if m == nil {
		return
	}
	m.NonceReserveDuration.WithLabelValues(chainLabel(chainID)).Observe(time.Since(started).Seconds())
}

func (m *BusinessMetrics) ObserveRelaySubmission(chainID uint64, result string) {
	if m == nil {
		return
	}
	m.RelaySubmissionsTotal.WithLabelValues(chainLabel(chainID), result).Inc()
}

func (m *BusinessMetrics) ObserveGasPaidWith(chainID uint64, asset string) {
	if m == nil {
		return
	}
	m.GasPaidWithTotal.WithLabelValues(chainLabel(chainID), asset).Inc()
}

func (m *BusinessMetrics) SetGasPaymentTokensAvailable(chainID uint64, n int) {
	if m == nil {
		return
	}
	m.GasPaymentTokensAvailable.WithLabelValues(chainLabel(chainID)).Set(float64(n))
}

func (m *BusinessMetrics) SetStuck(chainID uint64, n int) {
	if m == nil {
		return
	}
	m.StuckTransactions.WithLabelValues(chainLabel(chainID)).Set(float64(n))
}

func (m *BusinessMetrics) ObservePoll(chainID uint64, started time.Time) {
	if m == nil {
		return
	}
	m.PollDuration.WithLabelValues(chainLabel(chainID)).Observe(time.Since(started).Seconds())
}

func (m *BusinessMetrics) ObserveBroadcastError(chainID uint64, kind string) {
	if m == nil {
		return
	}
	m.BroadcastErrorsTotal.WithLabelValues(chainLabel(chainID), kind).Inc()
}

func (m *BusinessMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
