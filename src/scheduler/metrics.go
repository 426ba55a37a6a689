package scheduler

import "github.com/prometheus/client_golang/prometheus"

// metrics bundles the Prometheus collectors the registry exposes.
// Declared but never imported in the codebase this module's stack is
// drawn from; this is its first real wiring.
type metrics struct {
	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	masterHeldGauge    prometheus.Gauge
	contractViolations *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "runs_total",
			Help:      "Total number of schedule runs by task and terminal status.",
		}, []string{"task", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Observed duration of schedule runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"task"}),
		masterHeldGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scheduler",
			Name:      "master_lock_held",
			Help:      "1 if this process currently holds the master lock, else 0.",
		}),
		contractViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scheduler",
			Name:      "callback_contract_violations_total",
			Help:      "Callbacks that returned without calling Done/Failed/Dispatched.",
		}, []string{"task"}),
	}

	if reg != nil {
		reg.MustRegister(m.runsTotal, m.runDuration, m.masterHeldGauge, m.contractViolations)
	}
	return m
}

func (m *metrics) observeRun(task string, status string, seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(task, status).Inc()
	m.runDuration.WithLabelValues(task).Observe(seconds)
}

func (m *metrics) setMasterHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.masterHeldGauge.Set(1)
	} else {
		m.masterHeldGauge.Set(0)
	}
}

func (m *metrics) recordContractViolation(task string) {
	if m == nil {
		return
	}
	m.contractViolations.WithLabelValues(task).Inc()
}
