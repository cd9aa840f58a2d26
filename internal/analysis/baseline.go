// Package analysis derives statistical context from stored observations:
// per-signal baselines, short-window trends, and do-nothing projections.
package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/vigilstack/vigil-agent/internal/models"
)

// Sample is one historical pressure reading.
type Sample struct {
	Time     time.Time
	Score    float64
	Severity models.Severity
}

// minBaselineSamples is the floor below which statistics are not meaningful.
const minBaselineSamples = 10

// BaselineModeler builds normal-behaviour profiles per signal type.
type BaselineModeler struct{}

// NewBaselineModeler constructs a modeler.
func NewBaselineModeler() *BaselineModeler {
	return &BaselineModeler{}
}

// Build summarises the samples into a profile. With fewer than ten samples
// the profile is marked insufficient and callers should not trust its bands.
func (m *BaselineModeler) Build(signal models.SignalType, samples []Sample) *models.BaselineProfile {
	profile := &models.BaselineProfile{
		SignalType:     signal,
		SampleCount:    len(samples),
		Variability:    "insufficient_data",
		Periodicity:    "unknown",
		TrendDirection: "unknown",
		UpdatedAt:      time.Now().UTC(),
	}
	if len(samples) == 0 {
		return profile
	}

	ordered := append([]Sample(nil), samples...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Time.Before(ordered[j].Time) })

	scores := make([]float64, len(ordered))
	for i, s := range ordered {
		scores[i] = s.Score
	}

	profile.Mean = mean(scores)
	profile.StdDev = stddev(scores, profile.Mean)
	profile.Min = minOf(scores)
	profile.Max = maxOf(scores)
	profile.P25 = percentile(scores, 25)
	profile.P50 = percentile(scores, 50)
	profile.P75 = percentile(scores, 75)
	profile.P95 = percentile(scores, 95)
	profile.P99 = percentile(scores, 99)
	profile.SeverityCounts = severityHistogram(ordered)

	if len(ordered) < minBaselineSamples {
		return profile
	}

	profile.Variability = variabilityLabel(profile.Mean, profile.StdDev)
	profile.Periodicity = periodicityLabel(ordered)
	profile.TrendDirection = halvesTrend(scores)
	return profile
}

func severityHistogram(samples []Sample) map[models.Severity]int {
	counts := map[models.Severity]int{}
	for _, s := range samples {
		if s.Severity == "" || s.Severity == models.SeverityNone {
			continue
		}
		counts[s.Severity]++
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

func variabilityLabel(mean, std float64) string {
	if mean == 0 {
		return "very_high"
	}
	cv := std / mean
	switch {
	case cv < 0.2:
		return "low"
	case cv < 0.5:
		return "medium"
	case cv < 1.0:
		return "high"
	default:
		return "very_high"
	}
}

func periodicityLabel(samples []Sample) string {
	if len(samples) < 3 {
		return "unknown"
	}
	gaps := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		gaps = append(gaps, samples[i].Time.Sub(samples[i-1].Time).Seconds())
	}
	m := mean(gaps)
	if m == 0 {
		return "burst"
	}
	cv := stddev(gaps, m) / m
	switch {
	case cv < 0.3:
		return "constant"
	case cv < 0.7:
		return "periodic"
	case cv < 1.5:
		return "sporadic"
	default:
		return "burst"
	}
}

// halvesTrend compares the mean of the first and second half of the window.
func halvesTrend(scores []float64) string {
	half := len(scores) / 2
	first := mean(scores[:half])
	second := mean(scores[half:])
	if first == 0 {
		if second > 0 {
			return "increasing"
		}
		return "stable"
	}
	ratio := second / first
	switch {
	case ratio > 1.10:
		return "increasing"
	case ratio < 0.90:
		return "decreasing"
	default:
		return "stable"
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

func minOf(values []float64) float64 {
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

func maxOf(values []float64) float64 {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// percentile uses the nearest-rank method on a sorted copy.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
