package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// ExecSuccess labels commands that exited zero.
	ExecSuccess = "success"
	// ExecFailure labels commands that exited non-zero.
	ExecFailure = "failure"
	// ExecTimeout labels commands killed by the sandbox deadline.
	ExecTimeout = "timeout"
)

var (
	observationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "observations_total",
			Help:      "Classified observations stored, partitioned by signal type and severity.",
		},
		[]string{"signal_type", "severity"},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "cycles_total",
			Help:      "Decision cycles completed, partitioned by terminal status.",
		},
		[]string{"status"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vigil",
			Name:      "cycle_seconds",
			Help:      "Decision cycle latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 180},
		},
	)

	oracleFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "oracle_fallbacks_total",
			Help:      "Cycles where the oracle was unusable and static rules decided.",
		},
	)

	policyDenialsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "policy_denials_total",
			Help:      "Commands rejected by the policy engine.",
		},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "executions_total",
			Help:      "Sandboxed command executions, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches vigil collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		observationsTotal,
		cyclesTotal,
		cycleDurationSeconds,
		oracleFallbacksTotal,
		policyDenialsTotal,
		executionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservationStored counts one classified observation.
func ObservationStored(signalType, severity string) {
	observationsTotal.WithLabelValues(signalType, severity).Inc()
}

// ObserveCycle records a cycle duration and terminal status.
func ObserveCycle(duration time.Duration, status string) {
	cyclesTotal.WithLabelValues(status).Inc()
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// OracleFallback counts one static-rule fallback.
func OracleFallback() {
	oracleFallbacksTotal.Inc()
}

// PolicyDenial counts one rejected command.
func PolicyDenial() {
	policyDenialsTotal.Inc()
}

// ObserveExecution counts one sandboxed execution by outcome label.
func ObserveExecution(outcome string) {
	executionsTotal.WithLabelValues(outcome).Inc()
}
