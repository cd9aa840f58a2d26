package classifiers

import (
	"fmt"
	"time"

	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/events"
	"github.com/vigilstack/vigil-agent/internal/models"
)

// SyscallClassifier scores per-process syscall latency and error rates.
type SyscallClassifier struct {
	t config.SyscallThresholds
}

// NewSyscallClassifier builds a classifier with the given thresholds.
func NewSyscallClassifier(t config.SyscallThresholds) *SyscallClassifier {
	return &SyscallClassifier{t: t}
}

// Classify returns an observation for a noteworthy syscall window, nil
// otherwise.
func (c *SyscallClassifier) Classify(ts time.Time, ev *events.SyscallEvent) *models.Observation {
	errorRate := 0.0
	if ev.Count > 0 {
		errorRate = float64(ev.ErrorCount) / float64(ev.Count)
	}

	latencyScore := clamp01(ev.AvgLatencyUS / c.t.LatencyCriticalUS)
	errorScore := clamp01(errorRate / c.t.ErrorRateCritical)
	score := latencyScore
	if errorScore > score {
		score = errorScore
	}

	// Severity thresholds on the composite score. Either component crossing
	// its attention threshold must grade high, so the cut sits at the lower
	// of the two normalised ratios.
	highCut := c.t.LatencyHighUS / c.t.LatencyCriticalUS
	if r := c.t.ErrorRateHigh / c.t.ErrorRateCritical; r < highCut {
		highCut = r
	}
	severity := severityFromScore(score, highCut)
	if severity == models.SeverityNone {
		return nil
	}

	var patterns, hints []string
	if ev.AvgLatencyUS >= c.t.LatencyHighUS {
		patterns = append(patterns, "slow_"+ev.Syscall)
		hints = append(hints, fmt.Sprintf("%s averaging %.0fus, well above the %.0fus attention threshold", ev.Syscall, ev.AvgLatencyUS, c.t.LatencyHighUS))
	}
	if errorRate >= c.t.ErrorRateHigh {
		patterns = append(patterns, "syscall_errors")
		hints = append(hints, fmt.Sprintf("%.0f%% of %s calls failing", errorRate*100, ev.Syscall))
	}

	return &models.Observation{
		Timestamp:      ts,
		Entity:         models.EntityRef{PID: ev.PID, Comm: ev.Comm},
		SignalType:     models.SignalSyscallLatency,
		Severity:       severity,
		PressureScore:  score,
		Summary:        fmt.Sprintf("%s(%d): %s avg %.0fus over %d calls, error rate %.1f%%", ev.Comm, ev.PID, ev.Syscall, ev.AvgLatencyUS, ev.Count, errorRate*100),
		Patterns:       patterns,
		ReasoningHints: hints,
		Metrics: map[string]float64{
			"avg_latency_us": ev.AvgLatencyUS,
			"max_latency_us": ev.MaxLatencyUS,
			"error_rate":     errorRate,
			"call_count":     float64(ev.Count),
		},
	}
}
