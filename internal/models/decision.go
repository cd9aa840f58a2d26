package models

import "time"

// RiskLevel classifies how invasive an action is.
type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Prediction is the structured expected outcome attached to a decision.
// Metric names follow the observation metric vocabulary (memory, swap, io,
// tcp, network, cpu, scheduler, syscall, page_fault, general).
type Prediction struct {
	Metric        string  `json:"metric"`
	ExpectedDelta float64 `json:"expected_delta"` // fractional change, negative means reduction
	Text          string  `json:"text,omitempty"`
}

// Decision is the DECIDE-phase output: a chosen action with its rationale
// and the predicted effect, before policy review.
type Decision struct {
	TraceID     string
	SignalType  SignalType
	ActionName  string
	Command     string
	Params      map[string]string
	Category    string // remediation | diagnostic
	Risk        RiskLevel
	Hypothesis  string
	Prediction  Prediction
	Confidence  float64
	RollbackCmd string
	Source      string // oracle | fallback
	CreatedAt   time.Time
}

// PolicyVerdict is the policy engine's ruling on a single command.
type PolicyVerdict struct {
	Allowed  bool
	Command  string
	Category string
	Risk     RiskLevel
	Reason   string
}

// ExecutionResult records what actually happened when a command ran in the
// sandbox.
type ExecutionResult struct {
	Command    string
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
	TimedOut   bool
	StartedAt  time.Time
}

// CycleStatus enumerates the terminal states of one decision cycle.
type CycleStatus string

const (
	CycleHealthy    CycleStatus = "healthy"
	CycleMonitoring CycleStatus = "monitoring"
	CycleRejected   CycleStatus = "rejected"
	CycleActed      CycleStatus = "acted"
)

// CycleTrace is the persisted record of one full decision cycle.
type CycleTrace struct {
	TraceID       string
	StartedAt     time.Time
	FinishedAt    time.Time
	Status        CycleStatus
	SignalType    SignalType
	Severity      Severity
	Decision      *Decision
	Verdict       *PolicyVerdict
	Execution     *ExecutionResult
	Outcome       *OutcomeRecord
	StatusMessage string
}

// OutcomeRecord captures predicted-versus-actual validation after an action.
type OutcomeRecord struct {
	TraceID             string
	ActionName          string
	HypothesisConfirmed bool
	PredictionAccurate  bool
	CalibrationOK       bool
	BeforeScore         float64
	AfterScore          float64
	BeforeCount         int
	AfterCount          int
	ExpectedDelta       float64
	ActualDelta         float64
	AccuracyScore       float64
	Lesson              string
	ValidatedAt         time.Time
}
