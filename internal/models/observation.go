package models

import "time"

// SignalType enumerates the pressure categories the agent reasons about.
type SignalType string

const (
	SignalMemoryPressure      SignalType = "memory_pressure"
	SignalIOCongestion        SignalType = "io_congestion"
	SignalLoadMismatch        SignalType = "load_mismatch"
	SignalNetworkDegradation  SignalType = "network_degradation"
	SignalTCPExhaustion       SignalType = "tcp_exhaustion"
	SignalSwapThrashing       SignalType = "swap_thrashing"
	SignalBlockDeviceSaturate SignalType = "block_device_saturation"
	SignalSyscallLatency      SignalType = "syscall_latency"
	SignalSchedulerPressure   SignalType = "scheduler_pressure"
	SignalPageFaultPressure   SignalType = "page_fault_pressure"
	SignalNone                SignalType = "none"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so callers can compare them numerically.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// EntityRef identifies the process, device, or interface an observation
// is attributed to. All fields are optional.
type EntityRef struct {
	PID       int    `json:"pid,omitempty"`
	Comm      string `json:"comm,omitempty"`
	Device    string `json:"device,omitempty"`
	Interface string `json:"interface,omitempty"`
}

// Observation is a single classified, severity-scored reading derived from
// one raw telemetry snapshot. Immutable once created.
type Observation struct {
	Timestamp      time.Time
	Entity         EntityRef
	SignalType     SignalType
	Severity       Severity
	PressureScore  float64
	Summary        string
	Patterns       []string
	ReasoningHints []string
	Metrics        map[string]float64
}

// ObservationQuery filters the stored signal history.
type ObservationQuery struct {
	SignalTypes []SignalType
	MinSeverity Severity
	Lookback    time.Duration
	Limit       int
}

// ObservationQueryResult carries recency-ordered observations plus a
// natural-language summary of what matched.
type ObservationQueryResult struct {
	Observations []Observation
	Count        int
	Summary      string
}
