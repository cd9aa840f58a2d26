package models

import "time"

// BaselineProfile summarises the learned normal behaviour of one signal type.
type BaselineProfile struct {
	SignalType     SignalType
	SampleCount    int
	Mean           float64
	StdDev         float64
	Min            float64
	Max            float64
	P25            float64
	P50            float64
	P75            float64
	P95            float64
	P99            float64
	SeverityCounts map[Severity]int
	Variability    string
	Periodicity    string
	TrendDirection string
	UpdatedAt      time.Time
}

// NormalRange is the band a reading must fall in to count as normal.
type NormalRange struct {
	Low  float64
	High float64
}

// IsAbnormal reports whether value falls outside the profile's normal band
// (mean plus or minus two standard deviations, clamped to observed extremes).
func (b *BaselineProfile) IsAbnormal(value float64) bool {
	r := b.Normal()
	return value < r.Low || value > r.High
}

// Normal returns the profile's normal band.
func (b *BaselineProfile) Normal() NormalRange {
	low := b.Mean - 2*b.StdDev
	if low < b.Min {
		low = b.Min
	}
	high := b.Mean + 2*b.StdDev
	if high > b.Max {
		high = b.Max
	}
	return NormalRange{Low: low, High: high}
}

// TrendResult is the output of least-squares trend fitting over a recent
// window of pressure scores.
type TrendResult struct {
	SignalType     SignalType
	Direction      string // increasing | decreasing | stable
	SlopePerMinute float64
	Intercept      float64 // fitted score at the window start
	CurrentValue   float64 // last observed score in the window
	RSquared       float64
	Confidence     string // low | medium | high
	SampleCount    int
	WindowStart    time.Time
	WindowEnd      time.Time
}

// TimelineCheckpoint is one projected point on a simulated trajectory.
type TimelineCheckpoint struct {
	MinutesAhead float64
	Score        float64
	Label        string
}

// SimulationResult is the counterfactual projection of a pressure signal
// under the do-nothing hypothesis. Crossing times are nil when the threshold
// is not reached within the horizon; zero means it is already past.
type SimulationResult struct {
	SignalType              SignalType
	CurrentScore            float64
	ProjectedScore          float64
	HorizonMinutes          float64
	RiskLevel               Severity
	P95CrossingMinutes      *float64
	P99CrossingMinutes      *float64
	CriticalCrossingMinutes *float64
	Timeline                []TimelineCheckpoint
	Narrative               string
}
