package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilstack/vigil-agent/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vigil.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func obsAt(ts time.Time, signal models.SignalType, sev models.Severity, score float64) models.Observation {
	return models.Observation{
		Timestamp:     ts,
		SignalType:    signal,
		Severity:      sev,
		PressureScore: score,
		Summary:       "test observation",
		Patterns:      []string{"p1"},
		Metrics:       map[string]float64{"m": score},
	}
}

func TestObservationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveObservation(ctx, obsAt(now, models.SignalMemoryPressure, models.SeverityHigh, 0.9)))

	res, err := s.QueryObservations(ctx, models.ObservationQuery{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)

	got := res.Observations[0]
	assert.Equal(t, models.SignalMemoryPressure, got.SignalType)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, 0.9, got.PressureScore)
	assert.Equal(t, []string{"p1"}, got.Patterns)
	assert.Equal(t, map[string]float64{"m": 0.9}, got.Metrics)
	assert.True(t, got.Timestamp.Equal(time.Unix(0, now.UnixNano())))
}

func TestQueryFiltersAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveObservation(ctx, obsAt(now.Add(-30*time.Minute), models.SignalMemoryPressure, models.SeverityCritical, 0.95)))
	require.NoError(t, s.SaveObservation(ctx, obsAt(now.Add(-5*time.Minute), models.SignalMemoryPressure, models.SeverityLow, 0.2)))
	require.NoError(t, s.SaveObservation(ctx, obsAt(now.Add(-2*time.Minute), models.SignalIOCongestion, models.SeverityHigh, 0.7)))
	require.NoError(t, s.SaveObservation(ctx, obsAt(now.Add(-1*time.Minute), models.SignalMemoryPressure, models.SeverityHigh, 0.8)))

	res, err := s.QueryObservations(ctx, models.ObservationQuery{
		SignalTypes: []models.SignalType{models.SignalMemoryPressure},
		MinSeverity: models.SeverityMedium,
		Lookback:    10 * time.Minute,
		Limit:       10,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, models.SeverityHigh, res.Observations[0].Severity)
	assert.Contains(t, res.Summary, "1 observations")
	assert.Contains(t, res.Summary, "memory_pressure")

	// Newest first when several match.
	res, err = s.QueryObservations(ctx, models.ObservationQuery{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 4, res.Count)
	for i := 1; i < len(res.Observations); i++ {
		assert.False(t, res.Observations[i].Timestamp.After(res.Observations[i-1].Timestamp))
	}
}

func TestQueryEmptySummary(t *testing.T) {
	s := openTestStore(t)
	res, err := s.QueryObservations(context.Background(), models.ObservationQuery{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Equal(t, "no matching observations", res.Summary)
}

func TestBaselineUpsertAndStaleness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetBaseline(ctx, models.SignalMemoryPressure, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	p := &models.BaselineProfile{
		SignalType:  models.SignalMemoryPressure,
		SampleCount: 20,
		Mean:        0.3,
		StdDev:      0.05,
		Min:         0.2,
		Max:         0.5,
		P25:         0.25,
		P50:         0.3,
		P75:         0.36,
		P95:         0.42,
		P99:         0.48,
		SeverityCounts: map[models.Severity]int{
			models.SeverityMedium: 15,
			models.SeverityHigh:   5,
		},
		Variability:    "low",
		Periodicity:    "constant",
		TrendDirection: "stable",
		UpdatedAt:      time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, s.SaveBaseline(ctx, p))

	got, err := s.GetBaseline(ctx, models.SignalMemoryPressure, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, got.SampleCount)
	assert.Equal(t, 0.25, got.P25)
	assert.Equal(t, 0.36, got.P75)
	assert.Equal(t, 0.42, got.P95)
	assert.Equal(t, p.SeverityCounts, got.SeverityCounts)

	// Older than max age reads as absent.
	_, err = s.GetBaseline(ctx, models.SignalMemoryPressure, time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	// Upsert replaces in place.
	p.Mean = 0.35
	p.UpdatedAt = time.Now()
	require.NoError(t, s.SaveBaseline(ctx, p))
	got, err = s.GetBaseline(ctx, models.SignalMemoryPressure, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0.35, got.Mean)
}

func TestTraceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	tr := &models.CycleTrace{
		TraceID:    "trace-1",
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
		Status:     models.CycleActed,
		SignalType: models.SignalSwapThrashing,
		Severity:   models.SeverityHigh,
		Decision: &models.Decision{
			TraceID:    "trace-1",
			ActionName: "reduce_swappiness",
			Command:    "sysctl -w vm.swappiness=10",
			Confidence: 0.85,
		},
		Verdict:   &models.PolicyVerdict{Allowed: true, Risk: models.RiskMedium},
		Execution: &models.ExecutionResult{ExitCode: 0, Stdout: "vm.swappiness = 10"},
		Outcome: &models.OutcomeRecord{
			TraceID:             "trace-1",
			ActionName:          "reduce_swappiness",
			HypothesisConfirmed: true,
			AccuracyScore:       0.8,
		},
	}
	require.NoError(t, s.SaveTrace(ctx, tr))

	got, err := s.GetTrace(ctx, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, models.CycleActed, got.Status)
	require.NotNil(t, got.Decision)
	assert.Equal(t, "reduce_swappiness", got.Decision.ActionName)
	require.NotNil(t, got.Outcome)
	assert.True(t, got.Outcome.HypothesisConfirmed)

	_, err = s.GetTrace(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTraceWithoutDecisionKeepsNulls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	tr := &models.CycleTrace{
		TraceID:       "trace-quiet",
		StartedAt:     now,
		FinishedAt:    now,
		Status:        models.CycleHealthy,
		StatusMessage: "no observations above medium",
	}
	require.NoError(t, s.SaveTrace(ctx, tr))

	got, err := s.GetTrace(ctx, "trace-quiet")
	require.NoError(t, err)
	assert.Nil(t, got.Decision)
	assert.Nil(t, got.Verdict)
	assert.Nil(t, got.Execution)
	assert.Nil(t, got.Outcome)
}

func TestRecentOutcomes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, acted := range []bool{true, false, true} {
		tr := &models.CycleTrace{
			TraceID:    string(rune('a' + i)),
			StartedAt:  now.Add(time.Duration(i) * time.Minute),
			FinishedAt: now.Add(time.Duration(i)*time.Minute + 30*time.Second),
			Status:     models.CycleHealthy,
		}
		if acted {
			tr.Status = models.CycleActed
			tr.Outcome = &models.OutcomeRecord{TraceID: tr.TraceID, AccuracyScore: 0.5}
		}
		require.NoError(t, s.SaveTrace(ctx, tr))
	}

	outcomes, err := s.RecentOutcomes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}
