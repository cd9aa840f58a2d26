package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vigilstack/vigil-agent/internal/actions"
	"github.com/vigilstack/vigil-agent/internal/metrics"
	"github.com/vigilstack/vigil-agent/internal/models"
	"github.com/vigilstack/vigil-agent/internal/oracle"
	"github.com/vigilstack/vigil-agent/internal/outcome"
)

// resolvedFraction: the post-action observation count must drop to this
// fraction of the pre-action count for the pressure to count as resolved.
const resolvedFraction = 0.7

// RunCycle executes one pass of the decision loop and persists its trace.
func (e *Engine) RunCycle(ctx context.Context) (*models.CycleTrace, error) {
	started := time.Now()
	trace := &models.CycleTrace{
		TraceID:   uuid.NewString(),
		StartedAt: started,
	}

	// OBSERVE: anything at or above medium in the recent window.
	res, err := e.store.QueryObservations(ctx, models.ObservationQuery{
		MinSeverity: models.SeverityMedium,
		Lookback:    e.cfg.ObserveWindow,
		Limit:       e.cfg.ObserveLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	if res.Count == 0 {
		trace.Status = models.CycleHealthy
		trace.StatusMessage = "no observations at or above medium severity"
		return trace, e.finish(ctx, trace, started)
	}

	primary := pickPrimary(res.Observations)
	trace.SignalType = primary.SignalType
	trace.Severity = primary.Severity

	// EXPLAIN: high and critical findings are abnormal on their face;
	// anything milder must leave the learned normal band.
	baseline := e.baseline(ctx, primary.SignalType)
	abnormal := primary.Severity.AtLeast(models.SeverityHigh)
	if !abnormal && baseline != nil && baseline.SampleCount >= 10 {
		abnormal = baseline.IsAbnormal(primary.PressureScore)
	}
	if !abnormal {
		trace.Status = models.CycleMonitoring
		trace.StatusMessage = fmt.Sprintf("%s at %.2f is within its learned normal range", primary.SignalType, primary.PressureScore)
		return trace, e.finish(ctx, trace, started)
	}

	trend := e.trendFor(ctx, primary.SignalType)

	// SIMULATE: project the do-nothing trajectory over the horizon.
	sim := e.simulator.Simulate(primary.SignalType, primary.PressureScore, trend, e.cfg.SimulateHorizon.Minutes(), baseline)
	if !primary.Severity.AtLeast(models.SeverityHigh) && !sim.RiskLevel.AtLeast(models.SeverityHigh) {
		trace.Status = models.CycleMonitoring
		trace.StatusMessage = sim.Narrative
		return trace, e.finish(ctx, trace, started)
	}

	// DECIDE: ask the oracle, fall back to the static mapping.
	decision := e.decide(ctx, trace.TraceID, primary, baseline, trend, sim, res.Summary)
	trace.Decision = decision

	if decision.Confidence < e.cfg.MinActConfidence {
		trace.Status = models.CycleMonitoring
		trace.StatusMessage = fmt.Sprintf("confidence %.2f below the acting floor %.2f", decision.Confidence, e.cfg.MinActConfidence)
		return trace, e.finish(ctx, trace, started)
	}

	// Policy review precedes everything that could touch the host.
	verdict := e.policy.Review(decision.Command)
	trace.Verdict = &verdict
	if !verdict.Allowed {
		metrics.PolicyDenial()
		e.logger.Warn("policy rejected decision",
			slog.String("trace_id", trace.TraceID),
			slog.String("command", decision.Command),
			slog.String("reason", verdict.Reason))
		trace.Status = models.CycleRejected
		trace.StatusMessage = "policy: " + verdict.Reason
		return trace, e.finish(ctx, trace, started)
	}

	if e.cfg.RequireApproval {
		approveCtx, cancel := context.WithTimeout(ctx, e.cfg.ApprovalTimeout)
		ok, err := e.approver.Approve(approveCtx, decision)
		cancel()
		if err != nil || !ok {
			trace.Status = models.CycleRejected
			trace.StatusMessage = "approval withheld"
			if err != nil {
				trace.StatusMessage = fmt.Sprintf("approval failed: %v", err)
			}
			return trace, e.finish(ctx, trace, started)
		}
	}

	// Pre-action observation density; VERIFY compares the re-measured count
	// against it.
	beforeCount := 0
	if decision.Category == actions.CategoryRemediation {
		beforeCount = e.signalCount(ctx, decision.SignalType)
	}

	// EXECUTE.
	execution := e.executor.Execute(ctx, decision.Command)
	trace.Execution = &execution
	metrics.ObserveExecution(executionLabel(execution))

	if execution.TimedOut || execution.ExitCode != 0 {
		trace.Status = models.CycleActed
		trace.StatusMessage = fmt.Sprintf("command exited %d", execution.ExitCode)
		if execution.TimedOut {
			trace.StatusMessage = "command timed out"
		}
		return trace, e.finish(ctx, trace, started)
	}

	// VERIFY: diagnostics only gather evidence, nothing to measure.
	if decision.Category == actions.CategoryDiagnostic {
		trace.Status = models.CycleActed
		trace.StatusMessage = "diagnostic complete"
		return trace, e.finish(ctx, trace, started)
	}

	trace.Outcome = e.verify(ctx, decision, primary.PressureScore, beforeCount)
	trace.Status = models.CycleActed
	if trace.Outcome == nil {
		trace.StatusMessage = "verify interrupted"
	} else if float64(trace.Outcome.AfterCount) <= resolvedFraction*float64(trace.Outcome.BeforeCount) {
		trace.StatusMessage = "pressure resolved"
	} else {
		trace.StatusMessage = "pressure persists after action"
	}
	return trace, e.finish(ctx, trace, started)
}

func (e *Engine) finish(ctx context.Context, trace *models.CycleTrace, started time.Time) error {
	trace.FinishedAt = time.Now()
	duration := trace.FinishedAt.Sub(started)
	e.cycleLatency.Observe(duration)
	metrics.ObserveCycle(duration, string(trace.Status))

	if err := e.store.SaveTrace(ctx, trace); err != nil {
		return fmt.Errorf("save trace: %w", err)
	}
	return nil
}

// pickPrimary selects the observation to act on: severest first, then the
// highest pressure, then the most recent.
func pickPrimary(obs []models.Observation) models.Observation {
	best := obs[0]
	for _, o := range obs[1:] {
		switch {
		case o.Severity.Rank() > best.Severity.Rank():
			best = o
		case o.Severity.Rank() == best.Severity.Rank() && o.PressureScore > best.PressureScore:
			best = o
		case o.Severity.Rank() == best.Severity.Rank() && o.PressureScore == best.PressureScore && o.Timestamp.After(best.Timestamp):
			best = o
		}
	}
	return best
}

// trendFor fits a trend over the signal's full recent history, nil when the
// window is too thin.
func (e *Engine) trendFor(ctx context.Context, signal models.SignalType) *models.TrendResult {
	res, err := e.store.QueryObservations(ctx, models.ObservationQuery{
		SignalTypes: []models.SignalType{signal},
		Lookback:    e.cfg.ObserveWindow,
		Limit:       120,
	})
	if err != nil {
		e.logger.Warn("trend history query failed", slog.String("signal_type", string(signal)), slog.Any("error", err))
		return nil
	}
	samples := toSamples(res.Observations)
	trend, err := e.analyzer.Analyze(signal, samples)
	if err != nil {
		return nil
	}
	return trend
}

// decide produces the cycle's decision, preferring the oracle and falling
// back to the static signal-to-action mapping.
func (e *Engine) decide(ctx context.Context, traceID string, primary models.Observation, baseline *models.BaselineProfile, trend *models.TrendResult, sim *models.SimulationResult, historySummary string) *models.Decision {
	lessons := e.recentLessons(ctx)

	req := oracle.DecideRequest{
		TraceID:        traceID,
		Situation:      fmt.Sprintf("%s; primary: %s", historySummary, primary.Summary),
		Observations:   primary.ReasoningHints,
		Baseline:       baseline,
		Trend:          trend,
		Simulation:     sim,
		Lessons:        lessons,
		AllowedActions: actions.Names(),
	}

	if proposal, err := e.oracle.Decide(ctx, req); err == nil {
		if action, buildErr := actions.Build(proposal.Action, proposal.Params); buildErr == nil {
			return e.newDecision(traceID, primary, action, proposal.Hypothesis, proposal.Prediction, "oracle")
		} else {
			e.logger.Warn("oracle proposal rejected by catalog",
				slog.String("trace_id", traceID),
				slog.String("action", proposal.Action),
				slog.Any("error", buildErr))
		}
	} else {
		e.logger.Warn("oracle unavailable", slog.String("trace_id", traceID), slog.Any("error", err))
	}

	metrics.OracleFallback()
	return e.fallbackDecision(traceID, primary)
}

// fallbackDecision maps the signal straight to its first-line action.
func (e *Engine) fallbackDecision(traceID string, primary models.Observation) *models.Decision {
	name := actions.ForSignal(primary.SignalType)
	params := map[string]string{}
	if spec, ok := actions.Lookup(name); ok {
		for _, p := range spec.Params {
			if p.Required && p.Name == "pid" && primary.Entity.PID > 0 {
				params["pid"] = fmt.Sprintf("%d", primary.Entity.PID)
			}
		}
	}

	action, err := actions.Build(name, params)
	if err != nil {
		// A remediation needing parameters we do not have; gather evidence
		// instead.
		e.logger.Warn("fallback action unbuildable, using diagnostic",
			slog.String("trace_id", traceID),
			slog.String("action", name),
			slog.Any("error", err))
		action, _ = actions.Build("list_top_memory", nil)
	}

	hypothesis := fmt.Sprintf("static rule: %s is the first-line response to %s", action.Name, primary.SignalType)
	prediction := models.Prediction{}
	if action.Category == actions.CategoryRemediation {
		prediction = models.Prediction{
			Metric:        metricFor(primary.SignalType),
			ExpectedDelta: -0.2,
		}
	}
	return e.newDecision(traceID, primary, action, hypothesis, prediction, "fallback")
}

func (e *Engine) newDecision(traceID string, primary models.Observation, action *actions.Action, hypothesis string, prediction models.Prediction, source string) *models.Decision {
	risk := models.RiskLevel(action.Risk)
	return &models.Decision{
		TraceID:     traceID,
		SignalType:  primary.SignalType,
		ActionName:  action.Name,
		Command:     action.Command,
		Params:      action.Params,
		Category:    action.Category,
		Risk:        risk,
		Hypothesis:  hypothesis,
		Prediction:  prediction,
		Confidence:  confidenceFor(action.Category, risk, primary.Severity),
		RollbackCmd: action.Rollback,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
}

func (e *Engine) recentLessons(ctx context.Context) []string {
	records, err := e.store.RecentOutcomes(ctx, 20)
	if err != nil {
		e.logger.Warn("outcome history query failed", slog.Any("error", err))
		return nil
	}
	return outcome.Lessons(records)
}

// verify waits out the grace period, re-measures the signal, and grades the
// prediction. Zero remaining observations is the best possible outcome, not
// missing data.
func (e *Engine) verify(ctx context.Context, decision *models.Decision, before float64, beforeCount int) *models.OutcomeRecord {
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(e.cfg.VerifyGrace):
	}

	res, err := e.store.QueryObservations(ctx, models.ObservationQuery{
		SignalTypes: []models.SignalType{decision.SignalType},
		Lookback:    e.cfg.VerifyWindow,
		Limit:       50,
	})
	if err != nil {
		e.logger.Warn("verify query failed", slog.String("trace_id", decision.TraceID), slog.Any("error", err))
		return nil
	}

	after := 0.0
	if res.Count > 0 {
		var sum float64
		for _, o := range res.Observations {
			sum += o.PressureScore
		}
		after = sum / float64(res.Count)
	}

	rec := e.validator.Validate(decision, before, after)
	rec.BeforeCount = beforeCount
	rec.AfterCount = res.Count
	e.logger.Info("outcome validated",
		slog.String("trace_id", decision.TraceID),
		slog.Int("before_count", beforeCount),
		slog.Int("after_count", res.Count),
		slog.Bool("hypothesis_confirmed", rec.HypothesisConfirmed),
		slog.Bool("prediction_accurate", rec.PredictionAccurate),
		slog.Float64("accuracy", rec.AccuracyScore))
	return rec
}

// signalCount measures the observation density for a signal over the verify
// window.
func (e *Engine) signalCount(ctx context.Context, signal models.SignalType) int {
	res, err := e.store.QueryObservations(ctx, models.ObservationQuery{
		SignalTypes: []models.SignalType{signal},
		Lookback:    e.cfg.VerifyWindow,
		Limit:       50,
	})
	if err != nil {
		e.logger.Warn("pre-action count query failed", slog.String("signal_type", string(signal)), slog.Any("error", err))
		return 0
	}
	return res.Count
}

// metricFor names the outcome metric a signal's score stands in for.
func metricFor(signal models.SignalType) string {
	switch signal {
	case models.SignalSwapThrashing:
		return "swap"
	case models.SignalMemoryPressure, models.SignalPageFaultPressure:
		return "memory"
	case models.SignalLoadMismatch, models.SignalSchedulerPressure:
		return "cpu"
	case models.SignalIOCongestion, models.SignalBlockDeviceSaturate:
		return "io"
	case models.SignalTCPExhaustion:
		return "tcp"
	case models.SignalNetworkDegradation:
		return "network"
	case models.SignalSyscallLatency:
		return "syscall"
	default:
		return "general"
	}
}

func executionLabel(res models.ExecutionResult) string {
	switch {
	case res.TimedOut:
		return metrics.ExecTimeout
	case res.ExitCode != 0:
		return metrics.ExecFailure
	default:
		return metrics.ExecSuccess
	}
}
