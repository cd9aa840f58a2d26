package classifiers

import (
	"fmt"
	"time"

	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/events"
	"github.com/vigilstack/vigil-agent/internal/models"
)

// PageFaultClassifier scores per-process fault rates. Major faults dominate
// the verdict because they imply disk reads on the fault path.
type PageFaultClassifier struct {
	t config.PageFaultThresholds
}

// NewPageFaultClassifier builds a classifier with the given thresholds.
func NewPageFaultClassifier(t config.PageFaultThresholds) *PageFaultClassifier {
	return &PageFaultClassifier{t: t}
}

// Classify returns an observation for a noteworthy fault window, nil
// otherwise.
func (c *PageFaultClassifier) Classify(ts time.Time, ev *events.PageFaultEvent) *models.Observation {
	highCut := c.t.MajorFaultHigh / c.t.MajorFaultCritical

	score := clamp01(ev.MajorPerSec / c.t.MajorFaultCritical)
	// Minor faults are cheap: a storm at the attention threshold scores into
	// the medium band and only sustained multiples of it reach high.
	if minorScore := clamp01(ev.MinorPerSec / c.t.MinorFaultHigh * (highCut / 2)); minorScore > score {
		score = minorScore
	}

	severity := severityFromScore(score, highCut)
	if severity == models.SeverityNone {
		return nil
	}

	var patterns, hints []string
	if ev.MajorPerSec >= c.t.MajorFaultHigh {
		patterns = append(patterns, "major_fault_storm")
		hints = append(hints, fmt.Sprintf("%.0f major faults/s force disk reads, working set likely evicted", ev.MajorPerSec))
	}
	if ev.MinorPerSec >= c.t.MinorFaultHigh {
		patterns = append(patterns, "minor_fault_storm")
		hints = append(hints, fmt.Sprintf("%.0f minor faults/s, heavy page table churn", ev.MinorPerSec))
	}

	return &models.Observation{
		Timestamp:      ts,
		Entity:         models.EntityRef{PID: ev.PID, Comm: ev.Comm},
		SignalType:     models.SignalPageFaultPressure,
		Severity:       severity,
		PressureScore:  score,
		Summary:        fmt.Sprintf("%s(%d): %.0f major, %.0f minor faults/s", ev.Comm, ev.PID, ev.MajorPerSec, ev.MinorPerSec),
		Patterns:       patterns,
		ReasoningHints: hints,
		Metrics: map[string]float64{
			"major_per_sec": ev.MajorPerSec,
			"minor_per_sec": ev.MinorPerSec,
		},
	}
}
