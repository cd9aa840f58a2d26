package analysis

import (
	"fmt"
	"sort"

	"github.com/vigilstack/vigil-agent/internal/models"
)

// criticalScore is where a pressure score is treated as service-affecting.
const criticalScore = 0.6

// maxCrossingMinutes bounds threshold extrapolation; beyond this the linear
// model has no predictive value.
const maxCrossingMinutes = 10000

// Simulator projects what a pressure signal does if nothing intervenes.
type Simulator struct{}

// NewSimulator constructs a simulator.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// Simulate extrapolates the trend over the horizon and grades the risk of
// inaction. The baseline may be nil when no profile exists yet.
func (s *Simulator) Simulate(signal models.SignalType, current float64, trend *models.TrendResult, horizonMinutes float64, baseline *models.BaselineProfile) *models.SimulationResult {
	slope := 0.0
	if trend != nil {
		slope = trend.SlopePerMinute
	}

	projected := clampScore(current + slope*horizonMinutes)

	result := &models.SimulationResult{
		SignalType:     signal,
		CurrentScore:   current,
		ProjectedScore: projected,
		HorizonMinutes: horizonMinutes,
		RiskLevel:      riskLevel(current, projected, baseline),
	}

	timeline := []models.TimelineCheckpoint{{MinutesAhead: 0, Score: current, Label: "now"}}

	if baseline != nil && baseline.SampleCount >= minBaselineSamples {
		if m := withinHorizon(crossingMinutes(current, slope, baseline.P95), horizonMinutes); m != nil {
			result.P95CrossingMinutes = m
			timeline = append(timeline, models.TimelineCheckpoint{MinutesAhead: *m, Score: baseline.P95, Label: "crosses p95"})
		}
		if m := withinHorizon(crossingMinutes(current, slope, baseline.P99), horizonMinutes); m != nil {
			result.P99CrossingMinutes = m
			timeline = append(timeline, models.TimelineCheckpoint{MinutesAhead: *m, Score: baseline.P99, Label: "crosses p99"})
		}
	}
	if m := withinHorizon(crossingMinutes(current, slope, criticalScore), horizonMinutes); m != nil {
		result.CriticalCrossingMinutes = m
		if *m > 0 {
			timeline = append(timeline, models.TimelineCheckpoint{MinutesAhead: *m, Score: criticalScore, Label: "enters critical band"})
		}
	}
	timeline = append(timeline, models.TimelineCheckpoint{MinutesAhead: horizonMinutes, Score: projected, Label: "horizon"})

	sort.Slice(timeline, func(i, j int) bool { return timeline[i].MinutesAhead < timeline[j].MinutesAhead })
	result.Timeline = timeline
	result.Narrative = narrative(signal, result)
	return result
}

// withinHorizon drops crossings that land beyond the simulated window.
func withinHorizon(m *float64, horizon float64) *float64 {
	if m == nil || *m > horizon {
		return nil
	}
	return m
}

// crossingMinutes returns when a rising signal reaches the threshold. Zero
// means it is already past; nil means it never plausibly gets there.
func crossingMinutes(current, slope, threshold float64) *float64 {
	if current >= threshold {
		zero := 0.0
		return &zero
	}
	if slope <= 0 {
		return nil
	}
	m := (threshold - current) / slope
	if m > maxCrossingMinutes {
		return nil
	}
	return &m
}

func riskLevel(current, projected float64, baseline *models.BaselineProfile) models.Severity {
	switch {
	case projected >= criticalScore:
		return models.SeverityCritical
	case projected >= 0.45:
		return models.SeverityHigh
	}
	if baseline != nil && baseline.SampleCount >= minBaselineSamples {
		if baseline.P95 > 0 && projected > 1.5*baseline.P95 {
			return models.SeverityHigh
		}
		if baseline.P95 > 0 && projected > 1.2*baseline.P95 {
			return models.SeverityMedium
		}
	}
	if current > 0 && projected > 1.3*current {
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func narrative(signal models.SignalType, r *models.SimulationResult) string {
	if r.ProjectedScore <= r.CurrentScore {
		return fmt.Sprintf("%s holds at %.2f or eases over the next %.0f minutes if nothing is done", signal, r.CurrentScore, r.HorizonMinutes)
	}
	msg := fmt.Sprintf("%s climbs from %.2f to %.2f over the next %.0f minutes if nothing is done", signal, r.CurrentScore, r.ProjectedScore, r.HorizonMinutes)
	if r.P95CrossingMinutes != nil && *r.P95CrossingMinutes > 0 {
		msg += fmt.Sprintf(", crossing its p95 baseline in %.0f minutes", *r.P95CrossingMinutes)
	}
	return msg
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
