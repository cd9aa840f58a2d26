// Package actions defines the closed catalog of commands the agent may run.
// Every executable command, whether proposed by the oracle or chosen by the
// fallback rules, must be built from one of these templates.
package actions

import (
	"sort"

	"github.com/vigilstack/vigil-agent/internal/models"
)

// Categories.
const (
	CategoryRemediation = "remediation"
	CategoryDiagnostic  = "diagnostic"
)

// ParamSpec constrains one template parameter.
type ParamSpec struct {
	Name     string
	Required bool
	Default  string
	Min      float64
	Max      float64
	// Numeric enforces integer parsing and the Min/Max bounds.
	Numeric bool
}

// Spec is one catalog entry.
type Spec struct {
	Name             string
	Category         string
	Risk             models.RiskLevel
	CommandTemplate  string
	RollbackTemplate string
	Params           []ParamSpec
	Description      string
}

var catalog = map[string]Spec{
	"lower_process_priority": {
		Name:             "lower_process_priority",
		Category:         CategoryRemediation,
		Risk:             models.RiskLow,
		CommandTemplate:  "renice +{priority} -p {pid}",
		RollbackTemplate: "renice -{priority} -p {pid}",
		Params: []ParamSpec{
			{Name: "pid", Required: true, Numeric: true, Min: 1, Max: 4194304},
			{Name: "priority", Default: "10", Numeric: true, Min: 1, Max: 19},
		},
		Description: "deprioritise a CPU-hungry process",
	},
	"lower_io_priority": {
		Name:            "lower_io_priority",
		Category:        CategoryRemediation,
		Risk:            models.RiskLow,
		CommandTemplate: "ionice -c 3 -p {pid}",
		Params: []ParamSpec{
			{Name: "pid", Required: true, Numeric: true, Min: 1, Max: 4194304},
		},
		Description: "move a process to the idle IO class",
	},
	"clear_page_cache": {
		Name:            "clear_page_cache",
		Category:        CategoryRemediation,
		Risk:            models.RiskMedium,
		CommandTemplate: "echo {level} > /proc/sys/vm/drop_caches",
		Params: []ParamSpec{
			{Name: "level", Default: "1", Numeric: true, Min: 1, Max: 3},
		},
		Description: "drop reclaimable kernel caches",
	},
	"reduce_swappiness": {
		Name:             "reduce_swappiness",
		Category:         CategoryRemediation,
		Risk:             models.RiskMedium,
		CommandTemplate:  "sysctl -w vm.swappiness={value}",
		RollbackTemplate: "sysctl -w vm.swappiness=60",
		Params: []ParamSpec{
			{Name: "value", Default: "10", Numeric: true, Min: 0, Max: 100},
		},
		Description: "bias reclaim away from swap",
	},
	"increase_tcp_backlog": {
		Name:             "increase_tcp_backlog",
		Category:         CategoryRemediation,
		Risk:             models.RiskMedium,
		CommandTemplate:  "sysctl -w net.core.somaxconn={value}",
		RollbackTemplate: "sysctl -w net.core.somaxconn=4096",
		Params: []ParamSpec{
			{Name: "value", Default: "4096", Numeric: true, Min: 128, Max: 65536},
		},
		Description: "grow the accept backlog limit",
	},
	"reduce_fin_timeout": {
		Name:             "reduce_fin_timeout",
		Category:         CategoryRemediation,
		Risk:             models.RiskLow,
		CommandTemplate:  "sysctl -w net.ipv4.tcp_fin_timeout={value}",
		RollbackTemplate: "sysctl -w net.ipv4.tcp_fin_timeout=60",
		Params: []ParamSpec{
			{Name: "value", Default: "30", Numeric: true, Min: 10, Max: 120},
		},
		Description: "recycle FIN_WAIT sockets faster",
	},
	"flush_buffers": {
		Name:            "flush_buffers",
		Category:        CategoryRemediation,
		Risk:            models.RiskNone,
		CommandTemplate: "sync",
		Description:     "flush dirty pages to disk",
	},
	"list_top_memory": {
		Name:            "list_top_memory",
		Category:        CategoryDiagnostic,
		Risk:            models.RiskNone,
		CommandTemplate: "ps aux --sort=-rss | head -{count}",
		Params: []ParamSpec{
			{Name: "count", Default: "10", Numeric: true, Min: 1, Max: 100},
		},
		Description: "list the largest resident processes",
	},
	"list_top_cpu": {
		Name:            "list_top_cpu",
		Category:        CategoryDiagnostic,
		Risk:            models.RiskNone,
		CommandTemplate: "ps aux --sort=-%cpu | head -{count}",
		Params: []ParamSpec{
			{Name: "count", Default: "10", Numeric: true, Min: 1, Max: 100},
		},
		Description: "list the busiest processes",
	},
	"check_disk_usage": {
		Name:            "check_disk_usage",
		Category:        CategoryDiagnostic,
		Risk:            models.RiskNone,
		CommandTemplate: "df -h",
		Description:     "report filesystem usage",
	},
	"check_open_sockets": {
		Name:            "check_open_sockets",
		Category:        CategoryDiagnostic,
		Risk:            models.RiskNone,
		CommandTemplate: "ss -s",
		Description:     "summarise socket states",
	},
}

// signalActions maps each pressure signal to its first-line remediation.
// Signals without a mapping fall through to a diagnostic.
var signalActions = map[models.SignalType]string{
	models.SignalMemoryPressure:      "clear_page_cache",
	models.SignalSwapThrashing:       "reduce_swappiness",
	models.SignalLoadMismatch:        "lower_process_priority",
	models.SignalIOCongestion:        "lower_io_priority",
	models.SignalNetworkDegradation:  "reduce_fin_timeout",
	models.SignalTCPExhaustion:       "increase_tcp_backlog",
	models.SignalBlockDeviceSaturate: "flush_buffers",
}

// fallbackDiagnostic is used when no remediation maps to the signal.
const fallbackDiagnostic = "list_top_memory"

// Lookup returns the catalog entry for name.
func Lookup(name string) (Spec, bool) {
	spec, ok := catalog[name]
	return spec, ok
}

// ForSignal returns the catalog action name mapped to the signal, falling
// back to a diagnostic for unmapped signals.
func ForSignal(signal models.SignalType) string {
	if name, ok := signalActions[signal]; ok {
		return name
	}
	return fallbackDiagnostic
}

// Names returns all catalog action names, sorted.
func Names() []string {
	out := make([]string, 0, len(catalog))
	for name := range catalog {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every catalog entry, sorted by name.
func All() []Spec {
	names := Names()
	out := make([]Spec, 0, len(names))
	for _, n := range names {
		out = append(out, catalog[n])
	}
	return out
}
