package actions

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is a fully materialised command ready for policy review.
type Action struct {
	Name     string
	Category string
	Risk     string
	Command  string
	Rollback string
	Params   map[string]string
}

// Build materialises the named catalog entry with the given parameters.
// Defaults fill absent optional parameters; unknown parameters, missing
// required ones, and out-of-range values are rejected. The result never
// contains an unexpanded placeholder.
func Build(name string, params map[string]string) (*Action, error) {
	spec, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("actions: unknown action %q", name)
	}

	known := map[string]ParamSpec{}
	for _, p := range spec.Params {
		known[p.Name] = p
	}
	for k := range params {
		if _, ok := known[k]; !ok {
			return nil, fmt.Errorf("actions: %s does not take parameter %q", name, k)
		}
	}

	resolved := map[string]string{}
	for _, p := range spec.Params {
		val, ok := params[p.Name]
		if !ok || val == "" {
			if p.Required {
				return nil, fmt.Errorf("actions: %s requires parameter %q", name, p.Name)
			}
			val = p.Default
		}
		if val == "" {
			continue
		}
		if p.Numeric {
			n, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("actions: %s parameter %q must be numeric, got %q", name, p.Name, val)
			}
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("actions: %s parameter %q must be an integer, got %q", name, p.Name, val)
			}
			if n < p.Min || n > p.Max {
				return nil, fmt.Errorf("actions: %s parameter %q out of range [%g, %g]: %q", name, p.Name, p.Min, p.Max, val)
			}
		}
		resolved[p.Name] = val
	}

	command, err := expand(spec.CommandTemplate, resolved)
	if err != nil {
		return nil, fmt.Errorf("actions: %s command: %w", name, err)
	}
	rollback := ""
	if spec.RollbackTemplate != "" {
		rollback, err = expand(spec.RollbackTemplate, resolved)
		if err != nil {
			return nil, fmt.Errorf("actions: %s rollback: %w", name, err)
		}
	}

	return &Action{
		Name:     spec.Name,
		Category: spec.Category,
		Risk:     string(spec.Risk),
		Command:  command,
		Rollback: rollback,
		Params:   resolved,
	}, nil
}

// expand substitutes {param} placeholders and rejects any that remain.
func expand(template string, params map[string]string) (string, error) {
	out := template
	for k, v := range params {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	if i := strings.IndexByte(out, '{'); i >= 0 {
		end := strings.IndexByte(out[i:], '}')
		if end < 0 {
			end = len(out) - i - 1
		}
		return "", fmt.Errorf("unresolved placeholder %s", out[i:i+end+1])
	}
	return out, nil
}
