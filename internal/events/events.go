package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates raw telemetry event payloads.
type Kind string

const (
	KindSyscall   Kind = "syscall"
	KindScheduler Kind = "sched"
	KindPageFault Kind = "pagefault"
	KindSystem    Kind = "system_metrics"
)

// Envelope is the wire frame every probe emits: a type tag, a nanosecond
// epoch timestamp, and a type-specific payload.
type Envelope struct {
	Type        Kind            `json:"event_type"`
	TimestampNS int64           `json:"timestamp_ns"`
	Payload     json.RawMessage `json:"payload"`
}

// SyscallEvent aggregates latency and error statistics for one process and
// syscall over a sampling window.
type SyscallEvent struct {
	PID          int     `json:"pid"`
	Comm         string  `json:"comm"`
	Syscall      string  `json:"syscall"`
	Count        int64   `json:"count"`
	AvgLatencyUS float64 `json:"avg_latency_us"`
	MaxLatencyUS float64 `json:"max_latency_us"`
	ErrorCount   int64   `json:"error_count"`
}

// SchedulerEvent aggregates run-queue wait statistics for one process.
type SchedulerEvent struct {
	PID             int     `json:"pid"`
	Comm            string  `json:"comm"`
	AvgWaitMS       float64 `json:"avg_wait_ms"`
	MaxWaitMS       float64 `json:"max_wait_ms"`
	Migrations      int64   `json:"migrations"`
	ContextSwitches int64   `json:"context_switches"`
}

// PageFaultEvent carries fault rates for one process.
type PageFaultEvent struct {
	PID         int     `json:"pid"`
	Comm        string  `json:"comm"`
	MinorPerSec float64 `json:"minor_per_sec"`
	MajorPerSec float64 `json:"major_per_sec"`
}

// SystemEvent is a whole-host metrics snapshot. Fractions are 0..1.
type SystemEvent struct {
	MemUsedFraction    float64 `json:"mem_used_fraction"`
	SwapInPerSec       float64 `json:"swap_in_per_sec"`
	SwapOutPerSec      float64 `json:"swap_out_per_sec"`
	IOWaitFraction     float64 `json:"iowait_fraction"`
	Load1              float64 `json:"load1"`
	NumCPUs            int     `json:"num_cpus"`
	Device             string  `json:"device,omitempty"`
	DiskUtilFraction   float64 `json:"disk_util_fraction"`
	Interface          string  `json:"interface,omitempty"`
	TCPRetransRate     float64 `json:"tcp_retrans_rate"`
	TCPBacklogFraction float64 `json:"tcp_backlog_fraction"`
}

// Decode parses a wire frame and validates its envelope fields.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch env.Type {
	case KindSyscall, KindScheduler, KindPageFault, KindSystem:
	default:
		return nil, fmt.Errorf("decode event: unknown event_type %q", env.Type)
	}
	if env.TimestampNS <= 0 {
		return nil, fmt.Errorf("decode event: missing timestamp_ns")
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("decode event: missing payload")
	}
	return &env, nil
}

// Time converts the envelope timestamp into a time.Time.
func (e *Envelope) Time() time.Time {
	return time.Unix(0, e.TimestampNS)
}

// Syscall unmarshals the payload as a SyscallEvent.
func (e *Envelope) Syscall() (*SyscallEvent, error) {
	if e.Type != KindSyscall {
		return nil, fmt.Errorf("payload is %q, not %q", e.Type, KindSyscall)
	}
	var ev SyscallEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode syscall payload: %w", err)
	}
	return &ev, nil
}

// Scheduler unmarshals the payload as a SchedulerEvent.
func (e *Envelope) Scheduler() (*SchedulerEvent, error) {
	if e.Type != KindScheduler {
		return nil, fmt.Errorf("payload is %q, not %q", e.Type, KindScheduler)
	}
	var ev SchedulerEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode sched payload: %w", err)
	}
	return &ev, nil
}

// PageFault unmarshals the payload as a PageFaultEvent.
func (e *Envelope) PageFault() (*PageFaultEvent, error) {
	if e.Type != KindPageFault {
		return nil, fmt.Errorf("payload is %q, not %q", e.Type, KindPageFault)
	}
	var ev PageFaultEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode pagefault payload: %w", err)
	}
	return &ev, nil
}

// System unmarshals the payload as a SystemEvent.
func (e *Envelope) System() (*SystemEvent, error) {
	if e.Type != KindSystem {
		return nil, fmt.Errorf("payload is %q, not %q", e.Type, KindSystem)
	}
	var ev SystemEvent
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode system payload: %w", err)
	}
	return &ev, nil
}
