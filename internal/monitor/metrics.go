// Package monitor содержит бизнес-метрики хаба в формате Prometheus.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mmeshcher/channel-hub/internal/model"
)

// Metrics набор бизнес-метрик. Нулевой указатель допустим и ничего не записывает.
type Metrics struct {
	PaymentsCleared     prometheus.Counter
	PaymentsRejected    *prometheus.CounterVec
	ClearedAmount       prometheus.Counter
	SettlementJobs      *prometheus.CounterVec
	SettledAmount       prometheus.Counter
	SettlementDuration  prometheus.Histogram
	BridgeAttempts      *prometheus.CounterVec
	VaultDepositsFailed prometheus.Counter
}

// NewMetrics регистрирует метрики в reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PaymentsCleared: f.NewCounter(prometheus.CounterOpts{
			Name: "hub_payments_cleared_total",
			Help: "The total number of cleared payments",
		}),
		PaymentsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_payments_rejected_total",
			Help: "The total number of rejected payment instructions",
		}, []string{"reason"}),
		ClearedAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "hub_cleared_amount_total",
			Help: "The total cleared amount in currency units",
		}),
		SettlementJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_settlement_jobs_total",
			Help: "Settlement jobs by terminal status and failure reason",
		}, []string{"status", "reason"}),
		SettledAmount: f.NewCounter(prometheus.CounterOpts{
			Name: "hub_settled_amount_total",
			Help: "The total settled amount in currency units",
		}),
		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hub_settlement_job_duration_seconds",
			Help:    "Duration of settlement jobs",
			Buckets: prometheus.DefBuckets,
		}),
		BridgeAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hub_bridge_attempts_total",
			Help: "Bridge calls by outcome",
		}, []string{"outcome"}),
		VaultDepositsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "hub_vault_deposits_failed_total",
			Help: "Vault deposits that failed and left funds bridged but not vaulted",
		}),
	}
}

func units(a model.Amount) float64 {
	f, _ := a.Decimal().Float64()
	return f
}

// ObservePaymentCleared учитывает проведённый платёж.
func (m *Metrics) ObservePaymentCleared(amount model.Amount) {
	if m == nil {
		return
	}
	m.PaymentsCleared.Inc()
	m.ClearedAmount.Add(units(amount))
}

// ObservePaymentRejected учитывает отклонённый платёж.
func (m *Metrics) ObservePaymentRejected(reason string) {
	if m == nil {
		return
	}
	m.PaymentsRejected.WithLabelValues(reason).Inc()
}

// ObserveJob учитывает завершённое задание расчёта.
func (m *Metrics) ObserveJob(job *model.SettlementJob, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SettlementJobs.WithLabelValues(string(job.Status), string(job.FailureReason)).Inc()
	m.SettlementDuration.Observe(elapsed.Seconds())
	if job.Status == model.JobStatusCompleted {
		m.SettledAmount.Add(units(job.TotalAmount))
	}
}

// ObserveBridgeAttempt учитывает вызов моста.
func (m *Metrics) ObserveBridgeAttempt(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.BridgeAttempts.WithLabelValues(outcome).Inc()
}

// ObserveVaultDepositFailed учитывает неуспешный депозит в хранилище.
func (m *Metrics) ObserveVaultDepositFailed() {
	if m == nil {
		return
	}
	m.VaultDepositsFailed.Inc()
}
