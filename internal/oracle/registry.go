// Package oracle talks to the external reasoning service. The oracle is
// untrusted: its proposals are re-validated against the action catalog and
// the policy engine before anything runs.
package oracle

import (
	"fmt"
)

// ToolParam describes one parameter of an advertised tool.
type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Tool is one capability advertised to the oracle.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ToolParam `json:"params,omitempty"`
}

var validParamTypes = map[string]bool{
	"string": true,
	"int":    true,
	"float":  true,
	"bool":   true,
}

// Registry holds the validated tool set. Construction fails fast on a
// malformed definition so a bad deploy dies at startup, not mid-cycle.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry validates and indexes the tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("oracle: tool with empty name")
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("oracle: duplicate tool %q", t.Name)
		}
		if t.Description == "" {
			return nil, fmt.Errorf("oracle: tool %q has no description", t.Name)
		}
		seen := map[string]bool{}
		for _, p := range t.Params {
			if p.Name == "" {
				return nil, fmt.Errorf("oracle: tool %q has a parameter with no name", t.Name)
			}
			if seen[p.Name] {
				return nil, fmt.Errorf("oracle: tool %q duplicates parameter %q", t.Name, p.Name)
			}
			seen[p.Name] = true
			if !validParamTypes[p.Type] {
				return nil, fmt.Errorf("oracle: tool %q parameter %q has invalid type %q", t.Name, p.Name, p.Type)
			}
		}
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r, nil
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Describe returns the tools in registration order for the request payload.
func (r *Registry) Describe() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// DefaultTools is the capability set the agent advertises.
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "query_observations",
			Description: "search the recent signal history by type, severity, and window",
			Params: []ToolParam{
				{Name: "signal_type", Type: "string"},
				{Name: "min_severity", Type: "string"},
				{Name: "lookback_minutes", Type: "int"},
			},
		},
		{
			Name:        "get_baseline",
			Description: "fetch the learned normal-behaviour profile for a signal",
			Params: []ToolParam{
				{Name: "signal_type", Type: "string", Required: true},
			},
		},
		{
			Name:        "get_trend",
			Description: "fit a trend line over the recent window of a signal",
			Params: []ToolParam{
				{Name: "signal_type", Type: "string", Required: true},
			},
		},
		{
			Name:        "simulate_inaction",
			Description: "project a signal forward assuming nothing is done",
			Params: []ToolParam{
				{Name: "signal_type", Type: "string", Required: true},
				{Name: "horizon_minutes", Type: "int"},
			},
		},
		{
			Name:        "propose_action",
			Description: "propose one catalog action with parameters, hypothesis, and prediction",
			Params: []ToolParam{
				{Name: "action", Type: "string", Required: true},
				{Name: "params", Type: "string"},
				{Name: "hypothesis", Type: "string", Required: true},
				{Name: "prediction", Type: "string", Required: true},
			},
		},
	}
}
