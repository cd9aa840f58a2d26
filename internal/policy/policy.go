// Package policy decides whether a command may run. Review is deny-first:
// a denylist hit always wins, then the command must fully match a pattern
// derived from the action catalog. There is no other path to execution.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vigilstack/vigil-agent/internal/actions"
	"github.com/vigilstack/vigil-agent/internal/models"
)

// builtinDeny lists patterns that are never allowed to run, whatever the
// allowlist says.
var builtinDeny = []struct {
	pattern string
	reason  string
}{
	{`rm\s+-rf`, "recursive deletion"},
	{`\bshutdown\b`, "host shutdown"},
	{`\breboot\b`, "host reboot"},
	{`\bpoweroff\b`, "host poweroff"},
	{`\bhalt\b`, "host halt"},
	{`kill\s+-9\b`, "forced kill"},
	{`kill\s+-KILL\b`, "forced kill"},
	{`\bdd\s+if=`, "raw device write"},
	{`\bmkfs`, "filesystem creation"},
	{`\bfdisk\b`, "partition table edit"},
	{`\bparted\b`, "partition table edit"},
	{`chmod\s+777`, "world-writable permissions"},
	{`chmod\s+000`, "permission destruction"},
	{`chown\s+root`, "ownership escalation"},
	{`iptables\s+-F`, "firewall flush"},
	{`systemctl\s+(stop|disable)`, "service teardown"},
	{`curl\b.*\|\s*(ba)?sh`, "remote code execution"},
	{`:\(\)\s*\{`, "fork bomb"},
}

type denyRule struct {
	re     *regexp.Regexp
	reason string
}

type allowRule struct {
	re   *regexp.Regexp
	spec actions.Spec
}

// Engine validates commands against the denylist and derived allowlist.
type Engine struct {
	deny   []denyRule
	allow  []allowRule
	logger *slog.Logger
}

// extraDenyFile is the YAML shape of an operator-supplied deny pack.
type extraDenyFile struct {
	Deny []struct {
		Pattern string `yaml:"pattern"`
		Reason  string `yaml:"reason"`
	} `yaml:"deny"`
}

// NewEngine compiles the builtin denylist, an optional extra deny pack, and
// the allowlist derived from every catalog template.
func NewEngine(extraDenyPath string, logger *slog.Logger) (*Engine, error) {
	return newEngineWithSpecs(extraDenyPath, actions.All(), logger)
}

func newEngineWithSpecs(extraDenyPath string, specs []actions.Spec, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}

	for _, d := range builtinDeny {
		re, err := regexp.Compile(d.pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: compile deny %q: %w", d.pattern, err)
		}
		e.deny = append(e.deny, denyRule{re: re, reason: d.reason})
	}

	if extraDenyPath != "" {
		extra, err := loadExtraDeny(extraDenyPath)
		if err != nil {
			return nil, err
		}
		e.deny = append(e.deny, extra...)
		logger.Info("loaded extra deny rules", slog.String("path", extraDenyPath), slog.Int("rules", len(extra)))
	}

	for _, spec := range specs {
		for _, tmpl := range []string{spec.CommandTemplate, spec.RollbackTemplate} {
			if tmpl == "" {
				continue
			}
			re, err := templatePattern(tmpl)
			if err != nil {
				return nil, fmt.Errorf("policy: allowlist for %s: %w", spec.Name, err)
			}
			e.allow = append(e.allow, allowRule{re: re, spec: spec})
		}
	}

	return e, nil
}

func loadExtraDeny(path string) ([]denyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read deny pack: %w", err)
	}
	var file extraDenyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("policy: parse deny pack: %w", err)
	}
	out := make([]denyRule, 0, len(file.Deny))
	for _, d := range file.Deny {
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: compile deny %q: %w", d.Pattern, err)
		}
		reason := d.Reason
		if reason == "" {
			reason = "operator deny rule"
		}
		out = append(out, denyRule{re: re, reason: reason})
	}
	return out, nil
}

// templatePattern turns a catalog template into a full-match regexp: literal
// text is quoted and each placeholder becomes a digit group.
func templatePattern(tmpl string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`^`)
	rest := tmpl
	for {
		i := strings.IndexByte(rest, '{')
		if i < 0 {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		j := strings.IndexByte(rest[i:], '}')
		if j < 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", tmpl)
		}
		b.WriteString(regexp.QuoteMeta(rest[:i]))
		b.WriteString(`[0-9]+`)
		rest = rest[i+j+1:]
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}

// Review rules on a single command. Deny rules are checked first and always
// win; otherwise the command must fully match the allowlist patterns of
// exactly one catalog action.
func (e *Engine) Review(command string) models.PolicyVerdict {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return models.PolicyVerdict{Allowed: false, Command: command, Reason: "empty command"}
	}

	for _, d := range e.deny {
		if d.re.MatchString(trimmed) {
			e.logger.Warn("command denied", slog.String("command", trimmed), slog.String("reason", d.reason))
			return models.PolicyVerdict{Allowed: false, Command: trimmed, Reason: "denylist: " + d.reason}
		}
	}

	// A command must trace back to exactly one catalog action; a command
	// that two different actions both claim is ambiguous and cannot be
	// attributed, so it is refused. Several patterns of the same action
	// (command and rollback) matching is fine.
	var matched *actions.Spec
	for i := range e.allow {
		a := &e.allow[i]
		if !a.re.MatchString(trimmed) {
			continue
		}
		if matched == nil {
			matched = &a.spec
			continue
		}
		if a.spec.Name != matched.Name {
			e.logger.Warn("command matches multiple catalog actions",
				slog.String("command", trimmed),
				slog.String("first", matched.Name),
				slog.String("second", a.spec.Name))
			return models.PolicyVerdict{Allowed: false, Command: trimmed, Reason: "matches more than one catalog action"}
		}
	}
	if matched != nil {
		return models.PolicyVerdict{
			Allowed:  true,
			Command:  trimmed,
			Category: matched.Category,
			Risk:     matched.Risk,
		}
	}

	return models.PolicyVerdict{Allowed: false, Command: trimmed, Reason: "not derived from the action catalog"}
}
