package classifiers

import (
	"fmt"
	"time"

	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/events"
	"github.com/vigilstack/vigil-agent/internal/models"
)

// SchedulerClassifier scores per-process run-queue wait pressure.
type SchedulerClassifier struct {
	t config.SchedulerThresholds
}

// NewSchedulerClassifier builds a classifier with the given thresholds.
func NewSchedulerClassifier(t config.SchedulerThresholds) *SchedulerClassifier {
	return &SchedulerClassifier{t: t}
}

// Classify returns an observation for a noteworthy scheduling window, nil
// otherwise.
func (c *SchedulerClassifier) Classify(ts time.Time, ev *events.SchedulerEvent) *models.Observation {
	score := clamp01(ev.AvgWaitMS / c.t.WaitCriticalMS)
	severity := severityFromScore(score, c.t.WaitHighMS/c.t.WaitCriticalMS)
	if severity == models.SeverityNone {
		return nil
	}

	var patterns, hints []string
	if float64(ev.Migrations) >= c.t.MigrationsHigh {
		patterns = append(patterns, "cross_cpu_migrations")
		hints = append(hints, fmt.Sprintf("%d CPU migrations in the window, cache locality is suffering", ev.Migrations))
	}
	if ev.AvgWaitMS >= c.t.WaitHighMS {
		patterns = append(patterns, "runqueue_delay")
		hints = append(hints, fmt.Sprintf("runnable but waiting %.1fms on average, the CPU is oversubscribed", ev.AvgWaitMS))
	}

	return &models.Observation{
		Timestamp:      ts,
		Entity:         models.EntityRef{PID: ev.PID, Comm: ev.Comm},
		SignalType:     models.SignalSchedulerPressure,
		Severity:       severity,
		PressureScore:  score,
		Summary:        fmt.Sprintf("%s(%d): avg run-queue wait %.1fms, max %.1fms, %d migrations", ev.Comm, ev.PID, ev.AvgWaitMS, ev.MaxWaitMS, ev.Migrations),
		Patterns:       patterns,
		ReasoningHints: hints,
		Metrics: map[string]float64{
			"avg_wait_ms":      ev.AvgWaitMS,
			"max_wait_ms":      ev.MaxWaitMS,
			"migrations":       float64(ev.Migrations),
			"context_switches": float64(ev.ContextSwitches),
		},
	}
}
