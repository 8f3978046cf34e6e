package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeWarned  = "warned"
	OutcomeFailed  = "failed"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics prometheus 指标, nil 的 *Metrics 所有方法都是空操作
type Metrics struct {
	TransitionsTotal     *prometheus.CounterVec
	AutoTransitionsTotal *prometheus.CounterVec
	SweeperEntitiesTotal *prometheus.CounterVec
	TransitionDuration   *prometheus.HistogramVec
	LockWait             *prometheus.HistogramVec
}

// NewMetrics 创建并注册指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Total number of transition attempts by outcome.",
		}, []string{"definition", "transition", "outcome"}),
		AutoTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_auto_transitions_total",
			Help: "Total number of auto transitions fired by the engine.",
		}, []string{"definition"}),
		SweeperEntitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_sweeper_entities_total",
			Help: "Total number of overdue entities handled by the timeout sweeper.",
		}, []string{"outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_transition_duration_seconds",
			Help:    "Transition execution duration in seconds.",
			Buckets: durationBuckets,
		}, []string{"definition"}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_lock_wait_seconds",
			Help:    "Time spent acquiring the entity lock in seconds.",
			Buckets: durationBuckets,
		}, []string{"mode"}),
	}
	reg.MustRegister(
		m.TransitionsTotal,
		m.AutoTransitionsTotal,
		m.SweeperEntitiesTotal,
		m.TransitionDuration,
		m.LockWait,
	)
	return m
}

func (m *Metrics) RecordTransition(definitionID, transition, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(definitionID, transition, outcome).Inc()
	m.TransitionDuration.WithLabelValues(definitionID).Observe(duration.Seconds())
}

func (m *Metrics) RecordAutoTransition(definitionID string) {
	if m == nil {
		return
	}
	m.AutoTransitionsTotal.WithLabelValues(definitionID).Inc()
}

func (m *Metrics) RecordSweep(outcome string) {
	if m == nil {
		return
	}
	m.SweeperEntitiesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordLockWait(mode string, wait time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.WithLabelValues(mode).Observe(wait.Seconds())
}

// transitionOutcome 把错误归类成指标的 outcome 标签
func transitionOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsRetryableError(err):
		return "conflict"
	case isRaceLoserError(err):
		return "rejected"
	default:
		return OutcomeFailed
	}
}
