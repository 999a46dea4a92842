package supervisor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the supervisor loop's running totals. The struct is owned by
// one loop instance and passed around explicitly; there is no package-level
// singleton. Prometheus collectors mirror the same numbers for /metrics.
type Metrics struct {
	mu                  sync.Mutex
	totalCycles         int
	successfulCycles    int
	failedCycles        int
	rollingAvgCycleMs   float64
	consecutiveFailures int

	cyclesTotal  *prometheus.CounterVec
	lastCycleMs  prometheus.Gauge
	consecFails  prometheus.Gauge
	avgCycleMs   prometheus.Gauge
}

// MetricsSnapshot is a copy safe to hand to other goroutines.
type MetricsSnapshot struct {
	TotalCycles         int     `json:"totalCycles"`
	SuccessfulCycles    int     `json:"successfulCycles"`
	FailedCycles        int     `json:"failedCycles"`
	RollingAvgCycleMs   float64 `json:"rollingAvgCycleMs"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_monitor_cycles_total",
			Help: "Monitoring cycles by result.",
		}, []string{"result"}),
		lastCycleMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_monitor_last_cycle_duration_ms",
			Help: "Duration of the most recent monitoring cycle.",
		}),
		consecFails: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_monitor_consecutive_failures",
			Help: "Consecutive failed cycles; the loop halts at the configured cap.",
		}),
		avgCycleMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_monitor_avg_cycle_duration_ms",
			Help: "Rolling average cycle duration.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cyclesTotal, m.lastCycleMs, m.consecFails, m.avgCycleMs)
	}
	return m
}

func (m *Metrics) RecordCycle(success bool, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalCycles++
	if success {
		m.successfulCycles++
		m.consecutiveFailures = 0
		m.cyclesTotal.WithLabelValues("success").Inc()
	} else {
		m.failedCycles++
		m.consecutiveFailures++
		m.cyclesTotal.WithLabelValues("failure").Inc()
	}

	ms := float64(elapsed.Milliseconds())
	m.rollingAvgCycleMs += (ms - m.rollingAvgCycleMs) / float64(m.totalCycles)
	m.lastCycleMs.Set(ms)
	m.avgCycleMs.Set(m.rollingAvgCycleMs)
	m.consecFails.Set(float64(m.consecutiveFailures))
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		TotalCycles:         m.totalCycles,
		SuccessfulCycles:    m.successfulCycles,
		FailedCycles:        m.failedCycles,
		RollingAvgCycleMs:   m.rollingAvgCycleMs,
		ConsecutiveFailures: m.consecutiveFailures,
	}
}

func (m *Metrics) consecutive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}
