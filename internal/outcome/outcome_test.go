package outcome

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilstack/vigil-agent/internal/models"
)

func decision(confidence, expectedDelta float64) *models.Decision {
	return &models.Decision{
		TraceID:    "t1",
		SignalType: models.SignalSwapThrashing,
		ActionName: "reduce_swappiness",
		Confidence: confidence,
		Prediction: models.Prediction{Metric: "swap", ExpectedDelta: expectedDelta},
	}
}

func TestValidateConfirmedAndAccurate(t *testing.T) {
	v := NewValidator()
	// Predicted -40%, measured -38%: within the 15% relative band.
	rec := v.Validate(decision(0.85, -0.40), 0.80, 0.496)

	assert.True(t, rec.HypothesisConfirmed)
	assert.True(t, rec.PredictionAccurate)
	assert.True(t, rec.CalibrationOK)
	assert.InDelta(t, 1.0, rec.AccuracyScore, 1e-9)
	assert.Contains(t, rec.Lesson, "relieved")
}

func TestValidateOverconfidentMiss(t *testing.T) {
	v := NewValidator()
	// Predicted -40% with high confidence, pressure barely moved.
	rec := v.Validate(decision(0.90, -0.40), 0.80, 0.78)

	assert.True(t, rec.HypothesisConfirmed) // it did go down, slightly
	assert.False(t, rec.PredictionAccurate)
	assert.False(t, rec.CalibrationOK) // claimed to know, was wrong
	assert.InDelta(t, 0.4, rec.AccuracyScore, 1e-9)
	assert.Contains(t, rec.Lesson, "miscalibrated")
}

func TestValidateHonestUncertainty(t *testing.T) {
	v := NewValidator()
	// Low confidence and an inaccurate prediction is still well calibrated.
	rec := v.Validate(decision(0.35, -0.40), 0.80, 0.85)

	assert.False(t, rec.HypothesisConfirmed)
	assert.False(t, rec.PredictionAccurate)
	assert.True(t, rec.CalibrationOK)
	assert.InDelta(t, 0.2, rec.AccuracyScore, 1e-9)
}

func TestValidateFreeTextFallback(t *testing.T) {
	v := NewValidator()
	d := &models.Decision{
		TraceID:    "t2",
		SignalType: models.SignalMemoryPressure,
		ActionName: "clear_page_cache",
		Confidence: 0.8,
		Prediction: models.Prediction{Text: "memory usage should drop 20-30%"},
	}
	rec := v.Validate(d, 0.90, 0.675) // -25%, the range midpoint
	assert.True(t, rec.PredictionAccurate)
	assert.InDelta(t, -0.25, rec.ExpectedDelta, 1e-9)
}

func TestValidateNoPredictionNeverAccurate(t *testing.T) {
	v := NewValidator()
	d := &models.Decision{TraceID: "t3", ActionName: "flush_buffers", Confidence: 0.3}
	rec := v.Validate(d, 0.5, 0.4)
	assert.False(t, rec.PredictionAccurate)
	assert.True(t, rec.CalibrationOK) // low confidence matched the miss
}

func TestParsePredictionText(t *testing.T) {
	cases := []struct {
		text   string
		metric string
		delta  float64
	}{
		{"memory usage should drop 20-30%", "memory", -0.25},
		{"swap activity will decrease by 40%", "swap", -0.40},
		{"expect tcp backlog to grow 10%", "tcp", 0.10},
		{"roughly 15% reduction in io wait", "io", -0.15},
		// Keyword matching is whole-word: "io" inside "reduction" or
		// "utilisation" must not win over the real metric.
		{"tcp retransmission reduction of 10%", "tcp", -0.10},
		{"utilisation should drop 12%", "general", -0.12},
	}
	for _, tc := range cases {
		metric, delta, ok := ParsePredictionText(tc.text)
		require.True(t, ok, tc.text)
		assert.Equal(t, tc.metric, metric, tc.text)
		assert.InDelta(t, tc.delta, delta, 1e-9, tc.text)
	}

	_, _, ok := ParsePredictionText("things will get better")
	assert.False(t, ok)
}

func TestLessonsAggregation(t *testing.T) {
	records := []models.OutcomeRecord{
		{ActionName: "reduce_swappiness", HypothesisConfirmed: true, AccuracyScore: 1.0},
		{ActionName: "reduce_swappiness", HypothesisConfirmed: false, AccuracyScore: 0.2},
		{ActionName: "clear_page_cache", HypothesisConfirmed: true, AccuracyScore: 0.8},
	}
	lessons := Lessons(records)
	require.Len(t, lessons, 2)
	// Worst average accuracy first.
	assert.Contains(t, lessons[0], "reduce_swappiness")
	assert.Contains(t, lessons[0], "2 run(s)")
	assert.Contains(t, lessons[0], "1/2 hypotheses confirmed")
	assert.Contains(t, lessons[1], "clear_page_cache")

	assert.Nil(t, Lessons(nil))
}
