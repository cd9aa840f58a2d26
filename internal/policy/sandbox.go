package policy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/vigilstack/vigil-agent/internal/models"
)

// Sandbox runs policy-approved commands with a hard timeout and bounded
// output capture. It never interprets the command itself; Review has already
// ruled on it.
type Sandbox struct {
	timeout   time.Duration
	maxOutput int
	dryRun    bool
	logger    *slog.Logger
}

// NewSandbox builds a sandbox. In dry-run mode commands are logged and
// reported as successful without running.
func NewSandbox(timeout time.Duration, maxOutput int, dryRun bool, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxOutput <= 0 {
		maxOutput = 64 * 1024
	}
	return &Sandbox{timeout: timeout, maxOutput: maxOutput, dryRun: dryRun, logger: logger}
}

// Execute runs the command through the shell and captures its outcome.
func (s *Sandbox) Execute(ctx context.Context, command string) models.ExecutionResult {
	started := time.Now()
	result := models.ExecutionResult{Command: command, StartedAt: started}

	if s.dryRun {
		s.logger.Info("dry run, command not executed", slog.String("command", command))
		result.Stdout = "(dry run)"
		return result
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.DurationMS = time.Since(started).Milliseconds()
	result.Stdout = truncate(stdout.String(), s.maxOutput)
	result.Stderr = truncate(stderr.String(), s.maxOutput)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		s.logger.Warn("command timed out", slog.String("command", command), slog.Duration("timeout", s.timeout))
		return result
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr = truncate(err.Error(), s.maxOutput)
		}
		s.logger.Warn("command failed",
			slog.String("command", command),
			slog.Int("exit_code", result.ExitCode))
		return result
	}

	s.logger.Debug("command completed",
		slog.String("command", command),
		slog.Int64("duration_ms", result.DurationMS))
	return result
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}
