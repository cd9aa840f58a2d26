package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/models"
	"github.com/vigilstack/vigil-agent/internal/oracle"
	"github.com/vigilstack/vigil-agent/internal/store"
)

type fakeStore struct {
	observeObs   []models.Observation
	trendObs     []models.Observation
	preVerifyObs []models.Observation
	verifyObs    []models.Observation
	baseline     *models.BaselineProfile
	outcomes     []models.OutcomeRecord

	savedTraces    []*models.CycleTrace
	savedBaselines []*models.BaselineProfile

	verifyWindow time.Duration
	verifyCalls  int
}

func (f *fakeStore) QueryObservations(_ context.Context, q models.ObservationQuery) (*models.ObservationQueryResult, error) {
	var obs []models.Observation
	switch {
	case q.MinSeverity != "":
		obs = f.observeObs
	case len(q.SignalTypes) > 0 && q.Lookback == f.verifyWindow:
		// The first verify-window query is the pre-action count, the
		// second is the post-action re-measure.
		f.verifyCalls++
		if f.verifyCalls == 1 && f.preVerifyObs != nil {
			obs = f.preVerifyObs
		} else {
			obs = f.verifyObs
		}
	default:
		obs = f.trendObs
	}
	return &models.ObservationQueryResult{
		Observations: obs,
		Count:        len(obs),
		Summary:      fmt.Sprintf("%d observations", len(obs)),
	}, nil
}

func (f *fakeStore) GetBaseline(_ context.Context, signal models.SignalType, _ time.Duration) (*models.BaselineProfile, error) {
	if f.baseline == nil || f.baseline.SignalType != signal {
		return nil, store.ErrNotFound
	}
	return f.baseline, nil
}

func (f *fakeStore) SaveBaseline(_ context.Context, p *models.BaselineProfile) error {
	f.savedBaselines = append(f.savedBaselines, p)
	return nil
}

func (f *fakeStore) SaveTrace(_ context.Context, tr *models.CycleTrace) error {
	f.savedTraces = append(f.savedTraces, tr)
	return nil
}

func (f *fakeStore) RecentOutcomes(_ context.Context, _ int) ([]models.OutcomeRecord, error) {
	return f.outcomes, nil
}

type fakeOracle struct {
	proposal *oracle.Proposal
	err      error
	requests []oracle.DecideRequest
}

func (f *fakeOracle) Decide(_ context.Context, req oracle.DecideRequest) (*oracle.Proposal, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.proposal, nil
}

type fakePolicy struct {
	allowed bool
	reason  string
}

func (f *fakePolicy) Review(command string) models.PolicyVerdict {
	return models.PolicyVerdict{Allowed: f.allowed, Command: command, Reason: f.reason}
}

type fakeExecutor struct {
	commands []string
	result   models.ExecutionResult
}

func (f *fakeExecutor) Execute(_ context.Context, command string) models.ExecutionResult {
	f.commands = append(f.commands, command)
	res := f.result
	res.Command = command
	return res
}

type fakeApprover struct {
	answer bool
	asked  int
}

func (f *fakeApprover) Approve(context.Context, *models.Decision) (bool, error) {
	f.asked++
	return f.answer, nil
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		Interval:         time.Second,
		ObserveWindow:    10 * time.Minute,
		ObserveLimit:     20,
		SimulateHorizon:  30 * time.Minute,
		VerifyGrace:      time.Millisecond,
		VerifyWindow:     2 * time.Minute,
		MinActConfidence: 0.5,
		ApprovalTimeout:  50 * time.Millisecond,
		BaselineMaxAge:   24 * time.Hour,
	}
}

func criticalMemoryObs() models.Observation {
	return models.Observation{
		Timestamp:     time.Now(),
		SignalType:    models.SignalMemoryPressure,
		Severity:      models.SeverityCritical,
		PressureScore: 0.96,
		Summary:       "memory at 96% of capacity",
	}
}

func newTestEngine(fs *fakeStore, fo *fakeOracle, fp *fakePolicy, fe *fakeExecutor, fa Approver, cfg config.EngineConfig) *Engine {
	fs.verifyWindow = cfg.VerifyWindow
	return New(cfg, Deps{
		Store:    fs,
		Oracle:   fo,
		Policy:   fp,
		Executor: fe,
		Approver: fa,
	}, nil)
}

func TestCycleHealthyWhenQuiet(t *testing.T) {
	fs := &fakeStore{}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, &fakeOracle{}, &fakePolicy{allowed: true}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Status != models.CycleHealthy {
		t.Fatalf("expected healthy, got %s", trace.Status)
	}
	if len(fe.commands) != 0 {
		t.Fatalf("no command should run on a healthy cycle, ran %v", fe.commands)
	}
	if len(fs.savedTraces) != 1 {
		t.Fatalf("trace not persisted")
	}
}

func TestCycleMonitoringWithinNormalRange(t *testing.T) {
	fs := &fakeStore{
		observeObs: []models.Observation{{
			Timestamp:     time.Now(),
			SignalType:    models.SignalIOCongestion,
			Severity:      models.SeverityMedium,
			PressureScore: 0.30,
		}},
		baseline: &models.BaselineProfile{
			SignalType:  models.SignalIOCongestion,
			SampleCount: 50,
			Mean:        0.30,
			StdDev:      0.10,
			Min:         0.0,
			Max:         1.0,
		},
	}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, &fakeOracle{}, &fakePolicy{allowed: true}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Status != models.CycleMonitoring {
		t.Fatalf("expected monitoring, got %s: %s", trace.Status, trace.StatusMessage)
	}
	if len(fe.commands) != 0 {
		t.Fatalf("no command should run while monitoring")
	}
}

func TestCycleActsOnOracleProposal(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		observeObs: []models.Observation{criticalMemoryObs()},
		preVerifyObs: []models.Observation{
			{Timestamp: now, SignalType: models.SignalMemoryPressure, Severity: models.SeverityCritical, PressureScore: 0.96},
			{Timestamp: now, SignalType: models.SignalMemoryPressure, Severity: models.SeverityHigh, PressureScore: 0.92},
			{Timestamp: now, SignalType: models.SignalMemoryPressure, Severity: models.SeverityHigh, PressureScore: 0.90},
		},
		verifyObs: []models.Observation{
			{Timestamp: now, SignalType: models.SignalMemoryPressure, Severity: models.SeverityLow, PressureScore: 0.60},
			{Timestamp: now, SignalType: models.SignalMemoryPressure, Severity: models.SeverityLow, PressureScore: 0.56},
		},
	}
	fo := &fakeOracle{proposal: &oracle.Proposal{
		Action:     "clear_page_cache",
		Params:     map[string]string{"level": "1"},
		Hypothesis: "reclaimable page cache is inflating memory use",
		Prediction: models.Prediction{Metric: "memory", ExpectedDelta: -0.4},
	}}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: true}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Status != models.CycleActed {
		t.Fatalf("expected acted, got %s: %s", trace.Status, trace.StatusMessage)
	}
	if len(fe.commands) != 1 || fe.commands[0] != "echo 1 > /proc/sys/vm/drop_caches" {
		t.Fatalf("unexpected commands %v", fe.commands)
	}
	if trace.Decision == nil || trace.Decision.Source != "oracle" {
		t.Fatalf("expected oracle decision, got %+v", trace.Decision)
	}
	if trace.Outcome == nil {
		t.Fatal("expected verify to attach an outcome")
	}
	if trace.Outcome.BeforeCount != 3 || trace.Outcome.AfterCount != 2 {
		t.Fatalf("unexpected counts %d -> %d", trace.Outcome.BeforeCount, trace.Outcome.AfterCount)
	}
	// 3 observations -> 2 is below the resolved fraction of the pre-action
	// count.
	if trace.StatusMessage != "pressure resolved" {
		t.Fatalf("unexpected status message %q", trace.StatusMessage)
	}
	if len(fo.requests) != 1 {
		t.Fatalf("expected one oracle request, got %d", len(fo.requests))
	}
	if len(fo.requests[0].AllowedActions) == 0 {
		t.Fatal("oracle request must advertise the allowed actions")
	}
}

// Resolution is about whether the signal keeps firing, not how its mean
// score moved: a window still as dense as before counts as persisting even
// when the scores eased.
func TestCycleVerifyComparesObservationCounts(t *testing.T) {
	now := time.Now()
	pre := make([]models.Observation, 4)
	post := make([]models.Observation, 3)
	for i := range pre {
		pre[i] = models.Observation{Timestamp: now, SignalType: models.SignalMemoryPressure, Severity: models.SeverityHigh, PressureScore: 0.90}
	}
	for i := range post {
		post[i] = models.Observation{Timestamp: now, SignalType: models.SignalMemoryPressure, Severity: models.SeverityLow, PressureScore: 0.20}
	}
	fs := &fakeStore{
		observeObs:   []models.Observation{criticalMemoryObs()},
		preVerifyObs: pre,
		verifyObs:    post,
	}
	fo := &fakeOracle{proposal: &oracle.Proposal{
		Action:     "clear_page_cache",
		Params:     map[string]string{"level": "1"},
		Hypothesis: "reclaimable page cache is inflating memory use",
		Prediction: models.Prediction{Metric: "memory", ExpectedDelta: -0.4},
	}}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: true}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Outcome == nil {
		t.Fatal("expected verify to attach an outcome")
	}
	if trace.Outcome.BeforeCount != 4 || trace.Outcome.AfterCount != 3 {
		t.Fatalf("unexpected counts %d -> %d", trace.Outcome.BeforeCount, trace.Outcome.AfterCount)
	}
	// 3 of 4 observations remain, above the resolved fraction, so the eased
	// scores do not matter.
	if trace.StatusMessage != "pressure persists after action" {
		t.Fatalf("unexpected status message %q", trace.StatusMessage)
	}
}

func TestCycleFallsBackWhenOracleFails(t *testing.T) {
	fs := &fakeStore{observeObs: []models.Observation{criticalMemoryObs()}}
	fo := &fakeOracle{err: fmt.Errorf("%w: connection refused", oracle.ErrFallback)}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: true}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Decision == nil || trace.Decision.Source != "fallback" {
		t.Fatalf("expected fallback decision, got %+v", trace.Decision)
	}
	if trace.Decision.ActionName != "clear_page_cache" {
		t.Fatalf("memory pressure should map to clear_page_cache, got %s", trace.Decision.ActionName)
	}
	if trace.Status != models.CycleActed {
		t.Fatalf("expected acted, got %s", trace.Status)
	}
}

func TestCycleRejectedByPolicy(t *testing.T) {
	fs := &fakeStore{observeObs: []models.Observation{criticalMemoryObs()}}
	fo := &fakeOracle{proposal: &oracle.Proposal{
		Action:     "clear_page_cache",
		Hypothesis: "h",
		Prediction: models.Prediction{Metric: "memory", ExpectedDelta: -0.2},
	}}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: false, reason: "frozen during maintenance"}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Status != models.CycleRejected {
		t.Fatalf("expected rejected, got %s", trace.Status)
	}
	if len(fe.commands) != 0 {
		t.Fatalf("rejected command must never execute, ran %v", fe.commands)
	}
	if trace.Verdict == nil || trace.Verdict.Allowed {
		t.Fatalf("expected deny verdict on the trace, got %+v", trace.Verdict)
	}
}

func TestCycleRejectedWhenApprovalWithheld(t *testing.T) {
	cfg := testEngineConfig()
	cfg.RequireApproval = true

	fs := &fakeStore{observeObs: []models.Observation{criticalMemoryObs()}}
	fo := &fakeOracle{err: oracle.ErrFallback}
	fe := &fakeExecutor{}
	fa := &fakeApprover{answer: false}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: true}, fe, fa, cfg)

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Status != models.CycleRejected {
		t.Fatalf("expected rejected, got %s", trace.Status)
	}
	if fa.asked != 1 {
		t.Fatalf("approver should be consulted exactly once, got %d", fa.asked)
	}
	if len(fe.commands) != 0 {
		t.Fatalf("unapproved command must never execute")
	}
}

func TestCycleDiagnosticSkipsVerify(t *testing.T) {
	fs := &fakeStore{observeObs: []models.Observation{{
		Timestamp:     time.Now(),
		SignalType:    models.SignalSyscallLatency,
		Severity:      models.SeverityCritical,
		PressureScore: 0.9,
		Summary:       "fsync stalls",
	}}}
	fo := &fakeOracle{err: oracle.ErrFallback}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: true}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Status != models.CycleActed {
		t.Fatalf("expected acted, got %s", trace.Status)
	}
	if trace.Decision.Category != "diagnostic" {
		t.Fatalf("unmapped signal should yield a diagnostic, got %s", trace.Decision.Category)
	}
	if trace.Outcome != nil {
		t.Fatal("diagnostics must not produce an outcome record")
	}
	if trace.StatusMessage != "diagnostic complete" {
		t.Fatalf("unexpected message %q", trace.StatusMessage)
	}
}

func TestCycleConfidenceFloor(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MinActConfidence = 0.99

	fs := &fakeStore{observeObs: []models.Observation{criticalMemoryObs()}}
	fo := &fakeOracle{err: oracle.ErrFallback}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: true}, fe, nil, cfg)

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Status != models.CycleMonitoring {
		t.Fatalf("expected monitoring below the confidence floor, got %s", trace.Status)
	}
	if len(fe.commands) != 0 {
		t.Fatal("low-confidence decisions must not execute")
	}
}

func TestCycleRejectsMalformedOracleAction(t *testing.T) {
	fs := &fakeStore{observeObs: []models.Observation{criticalMemoryObs()}}
	// Off-catalog action name: the catalog refuses it and the fallback rules
	// take over.
	fo := &fakeOracle{proposal: &oracle.Proposal{Action: "restart_host"}}
	fe := &fakeExecutor{}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: true}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Decision.Source != "fallback" {
		t.Fatalf("expected fallback after catalog rejection, got %s", trace.Decision.Source)
	}
	if trace.Decision.ActionName != "clear_page_cache" {
		t.Fatalf("unexpected action %s", trace.Decision.ActionName)
	}
}

func TestCycleExecutionFailureReported(t *testing.T) {
	fs := &fakeStore{observeObs: []models.Observation{criticalMemoryObs()}}
	fo := &fakeOracle{err: oracle.ErrFallback}
	fe := &fakeExecutor{result: models.ExecutionResult{ExitCode: 1, Stderr: "permission denied"}}
	eng := newTestEngine(fs, fo, &fakePolicy{allowed: true}, fe, nil, testEngineConfig())

	trace, err := eng.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if trace.Status != models.CycleActed {
		t.Fatalf("expected acted, got %s", trace.Status)
	}
	if trace.StatusMessage != "command exited 1" {
		t.Fatalf("unexpected message %q", trace.StatusMessage)
	}
	if trace.Outcome != nil {
		t.Fatal("failed execution must not be graded")
	}
}

func TestRefreshBaselines(t *testing.T) {
	now := time.Now()
	var history []models.Observation
	for i := 0; i < 12; i++ {
		history = append(history, models.Observation{
			Timestamp:     now.Add(time.Duration(-i) * time.Minute),
			SignalType:    models.SignalMemoryPressure,
			Severity:      models.SeverityMedium,
			PressureScore: 0.3,
		})
	}
	fs := &fakeStore{trendObs: history}
	eng := newTestEngine(fs, &fakeOracle{}, &fakePolicy{allowed: true}, &fakeExecutor{}, nil, testEngineConfig())

	eng.RefreshBaselines(context.Background())

	if len(fs.savedBaselines) != 10 {
		t.Fatalf("expected a profile per signal type, got %d", len(fs.savedBaselines))
	}
	if fs.savedBaselines[0].SampleCount != 12 {
		t.Fatalf("unexpected sample count %d", fs.savedBaselines[0].SampleCount)
	}
}

func TestConfidenceScoring(t *testing.T) {
	cases := []struct {
		category string
		risk     models.RiskLevel
		severity models.Severity
		want     float64
	}{
		{"remediation", models.RiskMedium, models.SeverityCritical, 0.85},
		{"remediation", models.RiskLow, models.SeverityHigh, 0.90},
		{"remediation", models.RiskNone, models.SeverityCritical, 0.95}, // clamped
		{"diagnostic", models.RiskNone, models.SeverityMedium, 0.50},
		{"remediation", models.RiskHigh, models.SeverityMedium, 0.65},
	}
	for _, tc := range cases {
		got := confidenceFor(tc.category, tc.risk, tc.severity)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("%s/%s/%s: expected %.2f, got %.2f", tc.category, tc.risk, tc.severity, tc.want, got)
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Interval = 5 * time.Millisecond

	fs := &fakeStore{}
	eng := newTestEngine(fs, &fakeOracle{}, &fakePolicy{allowed: true}, &fakeExecutor{}, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := eng.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(fs.savedTraces) == 0 {
		t.Fatal("expected at least one cycle to run")
	}
}
