package classifiers

import (
	"fmt"
	"time"

	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/events"
	"github.com/vigilstack/vigil-agent/internal/models"
)

// SystemClassifier scores whole-host snapshots. One snapshot can surface
// several independent signals, so Classify returns a slice.
type SystemClassifier struct {
	t config.SystemThresholds
}

// NewSystemClassifier builds a classifier with the given thresholds.
func NewSystemClassifier(t config.SystemThresholds) *SystemClassifier {
	return &SystemClassifier{t: t}
}

// Classify inspects each metric family and emits observations for the ones
// above their attention thresholds.
func (c *SystemClassifier) Classify(ts time.Time, ev *events.SystemEvent) []models.Observation {
	var out []models.Observation

	if obs := c.memory(ts, ev); obs != nil {
		out = append(out, *obs)
	}
	if obs := c.swap(ts, ev); obs != nil {
		out = append(out, *obs)
	}
	if obs := c.ioWait(ts, ev); obs != nil {
		out = append(out, *obs)
	}
	if obs := c.load(ts, ev); obs != nil {
		out = append(out, *obs)
	}
	if obs := c.disk(ts, ev); obs != nil {
		out = append(out, *obs)
	}
	if obs := c.network(ts, ev); obs != nil {
		out = append(out, *obs)
	}
	if obs := c.tcpBacklog(ts, ev); obs != nil {
		out = append(out, *obs)
	}
	return out
}

func (c *SystemClassifier) memory(ts time.Time, ev *events.SystemEvent) *models.Observation {
	severity := models.SeverityNone
	switch {
	case ev.MemUsedFraction >= c.t.MemoryCritical:
		severity = models.SeverityCritical
	case ev.MemUsedFraction >= c.t.MemoryHigh:
		severity = models.SeverityHigh
	case ev.MemUsedFraction >= c.t.MemoryMedium:
		severity = models.SeverityMedium
	default:
		return nil
	}
	var hints []string
	if ev.SwapInPerSec+ev.SwapOutPerSec > 0 {
		hints = append(hints, "swap activity alongside high memory use, reclaim is already struggling")
	}
	return &models.Observation{
		Timestamp:      ts,
		SignalType:     models.SignalMemoryPressure,
		Severity:       severity,
		PressureScore:  clamp01(ev.MemUsedFraction),
		Summary:        fmt.Sprintf("memory at %.0f%% of capacity", ev.MemUsedFraction*100),
		Patterns:       []string{"memory_exhaustion"},
		ReasoningHints: hints,
		Metrics:        map[string]float64{"mem_used_fraction": ev.MemUsedFraction},
	}
}

func (c *SystemClassifier) swap(ts time.Time, ev *events.SystemEvent) *models.Observation {
	rate := ev.SwapInPerSec + ev.SwapOutPerSec
	severity := models.SeverityNone
	switch {
	case rate >= 5*c.t.SwapRateHigh:
		severity = models.SeverityCritical
	case rate >= c.t.SwapRateHigh:
		severity = models.SeverityHigh
	case rate >= c.t.SwapRateHigh/2:
		severity = models.SeverityMedium
	default:
		return nil
	}
	patterns := []string{"swap_activity"}
	if ev.SwapInPerSec > 0 && ev.SwapOutPerSec > 0 {
		// Pages going both directions means the working set does not fit.
		patterns = append(patterns, "thrash_cycle")
	}
	return &models.Observation{
		Timestamp:     ts,
		SignalType:    models.SignalSwapThrashing,
		Severity:      severity,
		PressureScore: clamp01(rate / (5 * c.t.SwapRateHigh)),
		Summary:       fmt.Sprintf("swapping %.0f pages/s in, %.0f pages/s out", ev.SwapInPerSec, ev.SwapOutPerSec),
		Patterns:      patterns,
		Metrics: map[string]float64{
			"swap_in_per_sec":  ev.SwapInPerSec,
			"swap_out_per_sec": ev.SwapOutPerSec,
		},
	}
}

func (c *SystemClassifier) ioWait(ts time.Time, ev *events.SystemEvent) *models.Observation {
	severity := models.SeverityNone
	switch {
	case ev.IOWaitFraction >= c.t.IOWaitCritical:
		severity = models.SeverityCritical
	case ev.IOWaitFraction >= c.t.IOWaitHigh:
		severity = models.SeverityHigh
	case ev.IOWaitFraction >= c.t.IOWaitHigh/2:
		severity = models.SeverityMedium
	default:
		return nil
	}
	return &models.Observation{
		Timestamp:     ts,
		SignalType:    models.SignalIOCongestion,
		Severity:      severity,
		PressureScore: clamp01(ev.IOWaitFraction / c.t.IOWaitCritical),
		Summary:       fmt.Sprintf("CPUs spending %.0f%% of time in iowait", ev.IOWaitFraction*100),
		Patterns:      []string{"io_wait"},
		Metrics:       map[string]float64{"iowait_fraction": ev.IOWaitFraction},
	}
}

func (c *SystemClassifier) load(ts time.Time, ev *events.SystemEvent) *models.Observation {
	if ev.NumCPUs <= 0 {
		return nil
	}
	perCore := ev.Load1 / float64(ev.NumCPUs)
	severity := models.SeverityNone
	switch {
	case perCore >= 2*c.t.LoadPerCoreHigh:
		severity = models.SeverityCritical
	case perCore >= c.t.LoadPerCoreHigh:
		severity = models.SeverityHigh
	case perCore >= c.t.LoadPerCoreHigh*0.75:
		severity = models.SeverityMedium
	default:
		return nil
	}
	return &models.Observation{
		Timestamp:     ts,
		SignalType:    models.SignalLoadMismatch,
		Severity:      severity,
		PressureScore: clamp01(perCore / (2 * c.t.LoadPerCoreHigh)),
		Summary:       fmt.Sprintf("load %.2f across %d CPUs (%.2f per core)", ev.Load1, ev.NumCPUs, perCore),
		Patterns:      []string{"cpu_oversubscription"},
		Metrics: map[string]float64{
			"load1":         ev.Load1,
			"load_per_core": perCore,
		},
	}
}

func (c *SystemClassifier) disk(ts time.Time, ev *events.SystemEvent) *models.Observation {
	severity := models.SeverityNone
	switch {
	case ev.DiskUtilFraction >= c.t.DiskUtilCritical:
		severity = models.SeverityCritical
	case ev.DiskUtilFraction >= c.t.DiskUtilHigh:
		severity = models.SeverityHigh
	case ev.DiskUtilFraction >= c.t.DiskUtilMedium:
		severity = models.SeverityMedium
	default:
		return nil
	}
	return &models.Observation{
		Timestamp:     ts,
		Entity:        models.EntityRef{Device: ev.Device},
		SignalType:    models.SignalBlockDeviceSaturate,
		Severity:      severity,
		PressureScore: clamp01(ev.DiskUtilFraction),
		Summary:       fmt.Sprintf("device %s at %.0f%% utilisation", ev.Device, ev.DiskUtilFraction*100),
		Patterns:      []string{"device_saturation"},
		Metrics:       map[string]float64{"disk_util_fraction": ev.DiskUtilFraction},
	}
}

func (c *SystemClassifier) network(ts time.Time, ev *events.SystemEvent) *models.Observation {
	severity := models.SeverityNone
	switch {
	case ev.TCPRetransRate >= 3*c.t.RetransRateHigh:
		severity = models.SeverityCritical
	case ev.TCPRetransRate >= c.t.RetransRateHigh:
		severity = models.SeverityHigh
	case ev.TCPRetransRate >= c.t.RetransRateHigh/2:
		severity = models.SeverityMedium
	default:
		return nil
	}
	return &models.Observation{
		Timestamp:     ts,
		Entity:        models.EntityRef{Interface: ev.Interface},
		SignalType:    models.SignalNetworkDegradation,
		Severity:      severity,
		PressureScore: clamp01(ev.TCPRetransRate / (3 * c.t.RetransRateHigh)),
		Summary:       fmt.Sprintf("TCP retransmitting %.1f%% of segments", ev.TCPRetransRate*100),
		Patterns:      []string{"tcp_retransmits"},
		Metrics:       map[string]float64{"tcp_retrans_rate": ev.TCPRetransRate},
	}
}

func (c *SystemClassifier) tcpBacklog(ts time.Time, ev *events.SystemEvent) *models.Observation {
	severity := models.SeverityNone
	switch {
	case ev.TCPBacklogFraction >= c.t.TCPBacklogCritical:
		severity = models.SeverityCritical
	case ev.TCPBacklogFraction >= c.t.TCPBacklogHigh:
		severity = models.SeverityHigh
	case ev.TCPBacklogFraction >= c.t.TCPBacklogMedium:
		severity = models.SeverityMedium
	default:
		return nil
	}
	return &models.Observation{
		Timestamp:     ts,
		SignalType:    models.SignalTCPExhaustion,
		Severity:      severity,
		PressureScore: clamp01(ev.TCPBacklogFraction),
		Summary:       fmt.Sprintf("accept backlog at %.0f%% of limit", ev.TCPBacklogFraction*100),
		Patterns:      []string{"accept_queue_pressure"},
		Metrics:       map[string]float64{"tcp_backlog_fraction": ev.TCPBacklogFraction},
	}
}
