// Package store persists observations, baselines, and cycle traces in a
// local sqlite database. The agent is the only writer, so the pool is pinned
// to a single connection and WAL keeps readers cheap.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vigilstack/vigil-agent/internal/models"
	"github.com/vigilstack/vigil-agent/internal/utils"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the sqlite handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; sqlite serialises anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	signal_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	severity_rank INTEGER NOT NULL,
	pressure_score REAL NOT NULL,
	pid INTEGER,
	comm TEXT,
	device TEXT,
	iface TEXT,
	summary TEXT NOT NULL,
	patterns TEXT,
	hints TEXT,
	metrics TEXT
);
CREATE INDEX IF NOT EXISTS idx_observations_signal_ts ON observations(signal_type, ts);
CREATE INDEX IF NOT EXISTS idx_observations_ts ON observations(ts);

CREATE TABLE IF NOT EXISTS baselines (
	signal_type TEXT PRIMARY KEY,
	sample_count INTEGER NOT NULL,
	mean REAL NOT NULL,
	stddev REAL NOT NULL,
	min REAL NOT NULL,
	max REAL NOT NULL,
	p25 REAL NOT NULL,
	p50 REAL NOT NULL,
	p75 REAL NOT NULL,
	p95 REAL NOT NULL,
	p99 REAL NOT NULL,
	severity_counts TEXT,
	variability TEXT NOT NULL,
	periodicity TEXT NOT NULL,
	trend_direction TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS traces (
	trace_id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	signal_type TEXT,
	severity TEXT,
	decision TEXT,
	verdict TEXT,
	execution TEXT,
	outcome TEXT,
	status_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_traces_started ON traces(started_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveObservation appends one observation row.
func (s *Store) SaveObservation(ctx context.Context, obs models.Observation) error {
	patterns, _ := json.Marshal(obs.Patterns)
	hints, _ := json.Marshal(obs.ReasoningHints)
	metrics, _ := json.Marshal(obs.Metrics)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO observations (ts, signal_type, severity, severity_rank, pressure_score, pid, comm, device, iface, summary, patterns, hints, metrics)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.Timestamp.UnixNano(),
		string(obs.SignalType),
		string(obs.Severity),
		obs.Severity.Rank(),
		obs.PressureScore,
		obs.Entity.PID,
		obs.Entity.Comm,
		obs.Entity.Device,
		obs.Entity.Interface,
		obs.Summary,
		string(patterns),
		string(hints),
		string(metrics),
	)
	if err != nil {
		return fmt.Errorf("save observation: %w", err)
	}
	return nil
}

// QueryObservations returns recency-ordered observations matching the query
// plus a plain-language summary of the match.
func (s *Store) QueryObservations(ctx context.Context, q models.ObservationQuery) (*models.ObservationQueryResult, error) {
	var (
		conds []string
		args  []any
	)
	if q.Lookback > 0 {
		conds = append(conds, "ts >= ?")
		args = append(args, time.Now().Add(-q.Lookback).UnixNano())
	}
	if q.MinSeverity != "" && q.MinSeverity != models.SeverityNone {
		conds = append(conds, "severity_rank >= ?")
		args = append(args, q.MinSeverity.Rank())
	}
	if len(q.SignalTypes) > 0 {
		placeholders := make([]string, len(q.SignalTypes))
		for i, st := range q.SignalTypes {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "signal_type IN ("+strings.Join(placeholders, ",")+")")
	}

	query := "SELECT ts, signal_type, severity, pressure_score, pid, comm, device, iface, summary, patterns, hints, metrics FROM observations"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}

	return &models.ObservationQueryResult{
		Observations: out,
		Count:        len(out),
		Summary:      summarise(out, q),
	}, nil
}

func scanObservation(rows *sql.Rows) (models.Observation, error) {
	var (
		obs                     models.Observation
		ts                      int64
		signal, severity        string
		patterns, hints, metric sql.NullString
	)
	if err := rows.Scan(&ts, &signal, &severity, &obs.PressureScore,
		&obs.Entity.PID, &obs.Entity.Comm, &obs.Entity.Device, &obs.Entity.Interface,
		&obs.Summary, &patterns, &hints, &metric); err != nil {
		return obs, fmt.Errorf("scan observation: %w", err)
	}
	obs.Timestamp = utils.FromUnixNanos(ts)
	obs.SignalType = models.SignalType(signal)
	obs.Severity = models.Severity(severity)
	if patterns.Valid {
		_ = json.Unmarshal([]byte(patterns.String), &obs.Patterns)
	}
	if hints.Valid {
		_ = json.Unmarshal([]byte(hints.String), &obs.ReasoningHints)
	}
	if metric.Valid {
		_ = json.Unmarshal([]byte(metric.String), &obs.Metrics)
	}
	return obs, nil
}

// summarise renders a one-line description of the matched history so the
// reasoning oracle can consume it without schema knowledge.
func summarise(obs []models.Observation, q models.ObservationQuery) string {
	if len(obs) == 0 {
		return "no matching observations"
	}

	counts := map[models.Severity]int{}
	signals := map[models.SignalType]bool{}
	for _, o := range obs {
		counts[o.Severity]++
		signals[o.SignalType] = true
	}

	names := make([]string, 0, len(signals))
	for s := range signals {
		names = append(names, string(s))
	}
	sort.Strings(names)

	var sevParts []string
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityLow} {
		if counts[sev] > 0 {
			sevParts = append(sevParts, fmt.Sprintf("%d %s", counts[sev], sev))
		}
	}

	msg := fmt.Sprintf("%d observations (%s) across %s", len(obs), strings.Join(sevParts, ", "), strings.Join(names, ", "))
	if q.Lookback > 0 {
		msg += fmt.Sprintf(" in the last %s", q.Lookback)
	}
	return msg
}

// SaveBaseline upserts the profile for its signal type.
func (s *Store) SaveBaseline(ctx context.Context, p *models.BaselineProfile) error {
	counts, _ := json.Marshal(p.SeverityCounts)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO baselines (signal_type, sample_count, mean, stddev, min, max, p25, p50, p75, p95, p99, severity_counts, variability, periodicity, trend_direction, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(signal_type) DO UPDATE SET
	sample_count = excluded.sample_count,
	mean = excluded.mean,
	stddev = excluded.stddev,
	min = excluded.min,
	max = excluded.max,
	p25 = excluded.p25,
	p50 = excluded.p50,
	p75 = excluded.p75,
	p95 = excluded.p95,
	p99 = excluded.p99,
	severity_counts = excluded.severity_counts,
	variability = excluded.variability,
	periodicity = excluded.periodicity,
	trend_direction = excluded.trend_direction,
	updated_at = excluded.updated_at`,
		string(p.SignalType), p.SampleCount, p.Mean, p.StdDev, p.Min, p.Max,
		p.P25, p.P50, p.P75, p.P95, p.P99, string(counts),
		p.Variability, p.Periodicity, p.TrendDirection,
		p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// GetBaseline returns the stored profile for the signal. Profiles older than
// maxAge are treated as absent; pass zero to skip the staleness check.
func (s *Store) GetBaseline(ctx context.Context, signal models.SignalType, maxAge time.Duration) (*models.BaselineProfile, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT sample_count, mean, stddev, min, max, p25, p50, p75, p95, p99, severity_counts, variability, periodicity, trend_direction, updated_at
FROM baselines WHERE signal_type = ?`, string(signal))

	p := &models.BaselineProfile{SignalType: signal}
	var (
		updatedAt int64
		counts    sql.NullString
	)
	err := row.Scan(&p.SampleCount, &p.Mean, &p.StdDev, &p.Min, &p.Max,
		&p.P25, &p.P50, &p.P75, &p.P95, &p.P99, &counts,
		&p.Variability, &p.Periodicity, &p.TrendDirection, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get baseline: %w", err)
	}
	if counts.Valid {
		_ = json.Unmarshal([]byte(counts.String), &p.SeverityCounts)
	}
	p.UpdatedAt = utils.FromUnixNanos(updatedAt)
	if maxAge > 0 && time.Since(p.UpdatedAt) > maxAge {
		return nil, ErrNotFound
	}
	return p, nil
}

// SaveTrace persists one completed decision cycle.
func (s *Store) SaveTrace(ctx context.Context, tr *models.CycleTrace) error {
	decision, _ := marshalNullable(tr.Decision)
	verdict, _ := marshalNullable(tr.Verdict)
	execution, _ := marshalNullable(tr.Execution)
	outcome, _ := marshalNullable(tr.Outcome)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO traces (trace_id, started_at, finished_at, status, signal_type, severity, decision, verdict, execution, outcome, status_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(trace_id) DO UPDATE SET
	finished_at = excluded.finished_at,
	status = excluded.status,
	signal_type = excluded.signal_type,
	severity = excluded.severity,
	decision = excluded.decision,
	verdict = excluded.verdict,
	execution = excluded.execution,
	outcome = excluded.outcome,
	status_message = excluded.status_message`,
		tr.TraceID, tr.StartedAt.UnixNano(), tr.FinishedAt.UnixNano(),
		string(tr.Status), string(tr.SignalType), string(tr.Severity),
		decision, verdict, execution, outcome, tr.StatusMessage,
	)
	if err != nil {
		return fmt.Errorf("save trace: %w", err)
	}
	return nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *models.Decision:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *models.PolicyVerdict:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *models.ExecutionResult:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *models.OutcomeRecord:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// GetTrace fetches a cycle trace by id.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*models.CycleTrace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT trace_id, started_at, finished_at, status, signal_type, severity, decision, verdict, execution, outcome, status_message
FROM traces WHERE trace_id = ?`, traceID)
	tr, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tr, err
}

// RecentTraces returns the latest cycle traces, newest first.
func (s *Store) RecentTraces(ctx context.Context, limit int) ([]models.CycleTrace, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT trace_id, started_at, finished_at, status, signal_type, severity, decision, verdict, execution, outcome, status_message
FROM traces ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent traces: %w", err)
	}
	defer rows.Close()

	var out []models.CycleTrace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*models.CycleTrace, error) {
	var (
		tr                                    models.CycleTrace
		started, finished                     int64
		status, signal, severity              string
		decision, verdict, execution, outcome sql.NullString
	)
	if err := row.Scan(&tr.TraceID, &started, &finished, &status, &signal, &severity,
		&decision, &verdict, &execution, &outcome, &tr.StatusMessage); err != nil {
		return nil, err
	}
	tr.StartedAt = utils.FromUnixNanos(started)
	tr.FinishedAt = utils.FromUnixNanos(finished)
	tr.Status = models.CycleStatus(status)
	tr.SignalType = models.SignalType(signal)
	tr.Severity = models.Severity(severity)
	if decision.Valid {
		tr.Decision = &models.Decision{}
		_ = json.Unmarshal([]byte(decision.String), tr.Decision)
	}
	if verdict.Valid {
		tr.Verdict = &models.PolicyVerdict{}
		_ = json.Unmarshal([]byte(verdict.String), tr.Verdict)
	}
	if execution.Valid {
		tr.Execution = &models.ExecutionResult{}
		_ = json.Unmarshal([]byte(execution.String), tr.Execution)
	}
	if outcome.Valid {
		tr.Outcome = &models.OutcomeRecord{}
		_ = json.Unmarshal([]byte(outcome.String), tr.Outcome)
	}
	return &tr, nil
}

// RecentOutcomes returns outcome records from the latest acted cycles.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]models.OutcomeRecord, error) {
	traces, err := s.RecentTraces(ctx, limit)
	if err != nil {
		return nil, err
	}
	var out []models.OutcomeRecord
	for _, tr := range traces {
		if tr.Outcome != nil {
			out = append(out, *tr.Outcome)
		}
	}
	return out, nil
}
