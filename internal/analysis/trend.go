package analysis

import (
	"fmt"

	"github.com/vigilstack/vigil-agent/internal/models"
)

// slopeDeadband treats slopes inside this band as flat, in score units per
// minute.
const slopeDeadband = 0.001

// TrendAnalyzer fits an ordinary least squares line over a recent window of
// pressure scores.
type TrendAnalyzer struct{}

// NewTrendAnalyzer constructs an analyzer.
func NewTrendAnalyzer() *TrendAnalyzer {
	return &TrendAnalyzer{}
}

// Analyze fits a trend line. It needs at least three points.
func (a *TrendAnalyzer) Analyze(signal models.SignalType, samples []Sample) (*models.TrendResult, error) {
	if len(samples) < 3 {
		return nil, fmt.Errorf("trend: need at least 3 samples, have %d", len(samples))
	}

	origin := samples[0].Time
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = s.Time.Sub(origin).Minutes()
		ys[i] = s.Score
	}

	slope, intercept := olsFit(xs, ys)
	r2 := rSquared(xs, ys, slope, intercept)

	direction := "stable"
	switch {
	case slope > slopeDeadband:
		direction = "increasing"
	case slope < -slopeDeadband:
		direction = "decreasing"
	}

	return &models.TrendResult{
		SignalType:     signal,
		Direction:      direction,
		SlopePerMinute: slope,
		Intercept:      intercept,
		CurrentValue:   ys[len(ys)-1],
		RSquared:       r2,
		Confidence:     trendConfidence(len(samples), r2),
		SampleCount:    len(samples),
		WindowStart:    samples[0].Time,
		WindowEnd:      samples[len(samples)-1].Time,
	}, nil
}

func olsFit(xs, ys []float64) (slope, intercept float64) {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func rSquared(xs, ys []float64, slope, intercept float64) float64 {
	meanY := mean(ys)
	var ssRes, ssTot float64
	for i := range xs {
		pred := slope*xs[i] + intercept
		ssRes += (ys[i] - pred) * (ys[i] - pred)
		ssTot += (ys[i] - meanY) * (ys[i] - meanY)
	}
	if ssTot == 0 {
		// A perfectly flat series is perfectly explained by a flat line.
		return 1
	}
	return 1 - ssRes/ssTot
}

func trendConfidence(n int, r2 float64) string {
	switch {
	case n < 5:
		return "low"
	case n < 10:
		if r2 > 0.7 {
			return "medium"
		}
		return "low"
	case r2 > 0.8:
		return "high"
	case r2 > 0.5:
		return "medium"
	default:
		return "low"
	}
}
