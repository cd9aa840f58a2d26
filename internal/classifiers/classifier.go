// Package classifiers turns raw telemetry events into severity-scored
// observations. Each classifier is pure: thresholds are injected at
// construction and the same event always yields the same observation.
package classifiers

import (
	"fmt"

	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/events"
	"github.com/vigilstack/vigil-agent/internal/models"
)

// Set bundles the per-family classifiers behind a single dispatch point.
type Set struct {
	syscall   *SyscallClassifier
	scheduler *SchedulerClassifier
	pageFault *PageFaultClassifier
	system    *SystemClassifier
}

// NewSet builds the classifier set from injected threshold profiles.
func NewSet(cfg config.ClassifierConfig) *Set {
	return &Set{
		syscall:   NewSyscallClassifier(cfg.Syscall),
		scheduler: NewSchedulerClassifier(cfg.Scheduler),
		pageFault: NewPageFaultClassifier(cfg.PageFault),
		system:    NewSystemClassifier(cfg.System),
	}
}

// Classify routes an envelope to the matching classifier. The returned slice
// is empty when the event is unremarkable.
func (s *Set) Classify(env *events.Envelope) ([]models.Observation, error) {
	switch env.Type {
	case events.KindSyscall:
		ev, err := env.Syscall()
		if err != nil {
			return nil, err
		}
		if obs := s.syscall.Classify(env.Time(), ev); obs != nil {
			return []models.Observation{*obs}, nil
		}
		return nil, nil
	case events.KindScheduler:
		ev, err := env.Scheduler()
		if err != nil {
			return nil, err
		}
		if obs := s.scheduler.Classify(env.Time(), ev); obs != nil {
			return []models.Observation{*obs}, nil
		}
		return nil, nil
	case events.KindPageFault:
		ev, err := env.PageFault()
		if err != nil {
			return nil, err
		}
		if obs := s.pageFault.Classify(env.Time(), ev); obs != nil {
			return []models.Observation{*obs}, nil
		}
		return nil, nil
	case events.KindSystem:
		ev, err := env.System()
		if err != nil {
			return nil, err
		}
		return s.system.Classify(env.Time(), ev), nil
	default:
		return nil, fmt.Errorf("classify: unknown event type %q", env.Type)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// severityFromScore grades a composite pressure score, so within one signal
// a higher score never carries a lower severity. A saturated score is
// critical, highCut is where the signal crosses into high, and the medium and
// low bands sit at half and a quarter of the cut.
func severityFromScore(score, highCut float64) models.Severity {
	switch {
	case score >= 1:
		return models.SeverityCritical
	case score >= highCut:
		return models.SeverityHigh
	case score >= highCut/2:
		return models.SeverityMedium
	case score >= highCut/4:
		return models.SeverityLow
	default:
		return models.SeverityNone
	}
}
