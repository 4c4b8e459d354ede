package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotX12/nginx-sentinel/internal/domain"
)

// Runner provides centralized, logged subprocess execution. Adapted from
// the teacher's CommandService: same Run/RunOutput/RunQuiet shape, plus a
// bounded context so a hung ipset/iptables invocation can't wedge the
// ban worker forever (spec §7: Transient failures are retried once, then
// downgraded to FirewallUnavailable).
type Runner struct {
	logger  zerolog.Logger
	timeout time.Duration
}

// NewRunner creates a subprocess runner with the given per-invocation
// timeout.
func NewRunner(logger zerolog.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{logger: logger, timeout: timeout}
}

// Run executes a command once, retrying once on timeout/signal before
// surfacing ErrFirewallUnavailable, per spec §7's Transient handling.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	err := r.runOnce(ctx, name, args...)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransient) {
		r.logger.Warn().Str("command", name).Strs("args", args).Msg("retrying transient command failure")
		err = r.runOnce(ctx, name, args...)
	}
	if err != nil {
		return fmt.Errorf("%w: command '%s %s': %v", domain.ErrFirewallUnavailable, name, strings.Join(args, " "), err)
	}
	return nil
}

func (r *Runner) runOnce(ctx context.Context, name string, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Debug().Str("command", name).Strs("args", args).Msg("executing command")

	cmd := exec.CommandContext(cctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransient, cctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		}
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// RunOutput executes a command and returns its combined output.
func (r *Runner) RunOutput(ctx context.Context, name string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("command '%s %s' failed: %w: %s", name, strings.Join(args, " "), err, out)
	}
	return string(out), nil
}

// RunQuiet executes a command without wrapping errors, for existence
// checks where a non-zero exit is an expected outcome, not a failure.
func (r *Runner) RunQuiet(ctx context.Context, name string, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return exec.CommandContext(cctx, name, args...).Run()
}

// CommandExists reports whether name is resolvable on PATH.
func (r *Runner) CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
