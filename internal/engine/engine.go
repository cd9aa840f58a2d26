// Package engine runs the decision loop: observe stored signals, explain
// them against baselines, simulate inaction, decide on an action, clear it
// through policy and approval, execute, and verify the outcome.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/vigilstack/vigil-agent/internal/analysis"
	"github.com/vigilstack/vigil-agent/internal/cache"
	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/models"
	"github.com/vigilstack/vigil-agent/internal/oracle"
	"github.com/vigilstack/vigil-agent/internal/outcome"
	"github.com/vigilstack/vigil-agent/internal/utils"
)

// SignalStore is the persistence surface the engine depends on.
type SignalStore interface {
	QueryObservations(ctx context.Context, q models.ObservationQuery) (*models.ObservationQueryResult, error)
	GetBaseline(ctx context.Context, signal models.SignalType, maxAge time.Duration) (*models.BaselineProfile, error)
	SaveBaseline(ctx context.Context, p *models.BaselineProfile) error
	SaveTrace(ctx context.Context, tr *models.CycleTrace) error
	RecentOutcomes(ctx context.Context, limit int) ([]models.OutcomeRecord, error)
}

// DecisionOracle proposes actions for abnormal situations.
type DecisionOracle interface {
	Decide(ctx context.Context, req oracle.DecideRequest) (*oracle.Proposal, error)
}

// CommandPolicy rules on commands before they can run.
type CommandPolicy interface {
	Review(command string) models.PolicyVerdict
}

// CommandExecutor runs policy-approved commands.
type CommandExecutor interface {
	Execute(ctx context.Context, command string) models.ExecutionResult
}

// Approver gates remediations on an operator decision.
type Approver interface {
	Approve(ctx context.Context, decision *models.Decision) (bool, error)
}

// AutoApprover approves everything; the default for unattended hosts.
type AutoApprover struct{}

// Approve always says yes.
func (AutoApprover) Approve(context.Context, *models.Decision) (bool, error) { return true, nil }

// Deps bundles the engine's collaborators.
type Deps struct {
	Store    SignalStore
	Cache    cache.Provider
	CacheTTL time.Duration
	Oracle   DecisionOracle
	Policy   CommandPolicy
	Executor CommandExecutor
	Approver Approver
}

// Engine owns one decision loop.
type Engine struct {
	cfg      config.EngineConfig
	store    SignalStore
	cache    cache.Provider
	cacheTTL time.Duration
	oracle   DecisionOracle
	policy   CommandPolicy
	executor CommandExecutor
	approver Approver

	modeler   *analysis.BaselineModeler
	analyzer  *analysis.TrendAnalyzer
	simulator *analysis.Simulator
	validator *outcome.Validator

	cycleLatency *utils.LatencyTracker
	logger       *slog.Logger
}

// New constructs the engine.
func New(cfg config.EngineConfig, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NoopProvider{}
	}
	if deps.Approver == nil {
		deps.Approver = AutoApprover{}
	}
	return &Engine{
		cfg:          cfg,
		store:        deps.Store,
		cache:        deps.Cache,
		cacheTTL:     deps.CacheTTL,
		oracle:       deps.Oracle,
		policy:       deps.Policy,
		executor:     deps.Executor,
		approver:     deps.Approver,
		modeler:      analysis.NewBaselineModeler(),
		analyzer:     analysis.NewTrendAnalyzer(),
		simulator:    analysis.NewSimulator(),
		validator:    outcome.NewValidator(),
		cycleLatency: utils.NewLatencyTracker(256),
		logger:       logger,
	}
}

// Run executes cycles on the configured interval until the context ends.
// Baselines are refreshed every tenth cycle.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	cycles := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if cycles%10 == 0 {
			e.RefreshBaselines(ctx)
		}
		cycles++

		trace, err := e.RunCycle(ctx)
		if err != nil {
			e.logger.Error("cycle failed", slog.Any("error", err))
			continue
		}
		e.logger.Info("cycle finished",
			slog.String("trace_id", trace.TraceID),
			slog.String("status", string(trace.Status)),
			slog.Duration("p95_cycle", e.cycleLatency.Percentile(95)))
	}
}

// RefreshBaselines rebuilds the per-signal profiles from stored history and
// invalidates their cache entries.
func (e *Engine) RefreshBaselines(ctx context.Context) {
	signals := []models.SignalType{
		models.SignalMemoryPressure,
		models.SignalIOCongestion,
		models.SignalLoadMismatch,
		models.SignalNetworkDegradation,
		models.SignalTCPExhaustion,
		models.SignalSwapThrashing,
		models.SignalBlockDeviceSaturate,
		models.SignalSyscallLatency,
		models.SignalSchedulerPressure,
		models.SignalPageFaultPressure,
	}

	lookback := e.cfg.BaselineMaxAge
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}

	for _, signal := range signals {
		res, err := e.store.QueryObservations(ctx, models.ObservationQuery{
			SignalTypes: []models.SignalType{signal},
			Lookback:    lookback,
			Limit:       1000,
		})
		if err != nil {
			e.logger.Warn("baseline history query failed", slog.String("signal_type", string(signal)), slog.Any("error", err))
			continue
		}
		if res.Count == 0 {
			continue
		}

		samples := toSamples(res.Observations)
		profile := e.modeler.Build(signal, samples)
		if err := e.store.SaveBaseline(ctx, profile); err != nil {
			e.logger.Warn("baseline save failed", slog.String("signal_type", string(signal)), slog.Any("error", err))
			continue
		}
		_ = e.cache.Del(ctx, baselineKey(signal))
	}
}

// baseline returns the cached or stored profile, nil when absent or stale.
func (e *Engine) baseline(ctx context.Context, signal models.SignalType) *models.BaselineProfile {
	key := baselineKey(signal)

	if data, err := e.cache.Get(ctx, key); err == nil {
		var p models.BaselineProfile
		if json.Unmarshal(data, &p) == nil {
			return &p
		}
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		e.logger.Warn("baseline cache read failed", slog.Any("error", err))
	}

	p, err := e.store.GetBaseline(ctx, signal, e.cfg.BaselineMaxAge)
	if err != nil {
		return nil
	}
	if data, err := json.Marshal(p); err == nil {
		_ = e.cache.Set(ctx, key, data, e.cacheTTL)
	}
	return p
}

func baselineKey(signal models.SignalType) string {
	return "baseline:" + string(signal)
}

// toSamples converts recency-ordered observations into chronological samples.
func toSamples(obs []models.Observation) []analysis.Sample {
	out := make([]analysis.Sample, 0, len(obs))
	for i := len(obs) - 1; i >= 0; i-- {
		out = append(out, analysis.Sample{Time: obs[i].Timestamp, Score: obs[i].PressureScore, Severity: obs[i].Severity})
	}
	return out
}
