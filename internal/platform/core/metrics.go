package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the engine's money-moving surface. All methods are
// nil-receiver safe so tests can run without registering collectors.
type Metrics struct {
	purchasesTotal       *prometheus.CounterVec
	purchaseReplaysTotal prometheus.Counter
	rewardPaidTotal      prometheus.Counter
	transitionsTotal     *prometheus.CounterVec
	degradedMode         prometheus.Gauge
	idempotencyKeysTotal prometheus.Gauge
	sweepRunsTotal       *prometheus.CounterVec
	sweepDeletedTotal    prometheus.Counter
}

// NewMetrics registers on the default registry via promauto; call it once
// per process.
func NewMetrics() *Metrics {
	return &Metrics{
		purchasesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "minis",
				Subsystem: "purchases",
				Name:      "total",
				Help:      "Total purchase attempts partitioned by result.",
			},
			[]string{"result"},
		),
		purchaseReplaysTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "minis",
				Subsystem: "purchases",
				Name:      "idempotent_replays_total",
				Help:      "Total purchase requests answered from a stored completed result.",
			},
		),
		rewardPaidTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "minis",
				Subsystem: "purchases",
				Name:      "reward_minis_total",
				Help:      "Total Minis credited as rewards.",
			},
		),
		transitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "minis",
				Subsystem: "workflows",
				Name:      "transitions_total",
				Help:      "Workflow state transitions by workflow and outcome.",
			},
			[]string{"workflow", "outcome"},
		),
		degradedMode: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "minis",
				Subsystem: "engine",
				Name:      "degraded_durability",
				Help:      "1 while the engine writes without multi-statement atomicity.",
			},
		),
		idempotencyKeysTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "minis",
				Subsystem: "idempotency",
				Name:      "keys_total",
				Help:      "Current count of cached purchase idempotency keys.",
			},
		),
		sweepRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "minis",
				Subsystem: "idempotency",
				Name:      "sweep_runs_total",
				Help:      "Total idempotency cache sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		sweepDeletedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "minis",
				Subsystem: "idempotency",
				Name:      "sweep_deleted_total",
				Help:      "Total expired idempotency cache entries removed.",
			},
		),
	}
}

func (m *Metrics) observePurchase(result string) {
	if m == nil {
		return
	}
	m.purchasesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeReplay() {
	if m == nil {
		return
	}
	m.purchaseReplaysTotal.Inc()
}

func (m *Metrics) observeReward(amount int64) {
	if m == nil {
		return
	}
	m.rewardPaidTotal.Add(float64(amount))
}

func (m *Metrics) observeTransition(workflow, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(workflow, outcome).Inc()
}

func (m *Metrics) setDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degradedMode.Set(1)
		return
	}
	m.degradedMode.Set(0)
}

func (m *Metrics) setIdempotencyKeys(n int) {
	if m == nil {
		return
	}
	m.idempotencyKeysTotal.Set(float64(n))
}

func (m *Metrics) observeSweep(result string, deleted int) {
	if m == nil {
		return
	}
	m.sweepRunsTotal.WithLabelValues(result).Inc()
	if deleted > 0 {
		m.sweepDeletedTotal.Add(float64(deleted))
	}
}
