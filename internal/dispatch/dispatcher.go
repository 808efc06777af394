// Package dispatch invokes the external processing command for a stabilized
// file and classifies the result. The command runs as
// "<interpreter-or-shell> <script> <file>" with a hard wall-clock timeout;
// an unresponsive command gets SIGTERM, then SIGKILL after a grace period.
package dispatch

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/dropwatch/internal/config"
	"github.com/mattjoyce/dropwatch/internal/log"
)

// maxStderrBytes caps the amount of stderr captured from command execution.
const maxStderrBytes = 64 * 1024

// Dispatcher executes processing commands. Safe for concurrent use.
type Dispatcher struct {
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger
}

// New creates a Dispatcher from config.
func New(cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		timeout: cfg.Timeout,
		grace:   cfg.GracePeriod,
		logger:  log.WithComponent("dispatch"),
	}
}

// Run invokes the target's command for path and blocks until the command
// exits or the timeout fires. Every failure mode is folded into the returned
// Outcome; Run never panics and never propagates an error to the caller.
func (d *Dispatcher) Run(target config.WatchTarget, path string) Outcome {
	out := Outcome{
		ID:        uuid.NewString(),
		Target:    target.Name,
		Path:      path,
		StartedAt: time.Now().UTC(),
	}
	logger := log.WithDispatch(out.ID).With("target", target.Name, "path", path)

	program := target.RunnerProgram()
	logger.Info("dispatch start", "program", program, "command", target.Command, "timeout", d.timeout)

	// Manage termination ourselves instead of exec.CommandContext: a timed
	// out command gets a chance to exit on SIGTERM before SIGKILL.
	cmd := exec.Command(program, target.Command, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		out.Status = StatusError
		out.Error = fmt.Sprintf("start command: %v", err)
		out.CompletedAt = time.Now().UTC()
		logger.Error("dispatch failed to start", "error", err)
		return out
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timeoutTimer := time.NewTimer(d.timeout)
	defer timeoutTimer.Stop()

	select {
	case <-timeoutTimer.C:
		logger.Warn("command timed out, sending SIGTERM")
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		graceTimer := time.NewTimer(d.grace)
		defer graceTimer.Stop()
		select {
		case <-waitErr:
			logger.Info("command exited after SIGTERM")
		case <-graceTimer.C:
			logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr
		}

		out.Status = StatusTimedOut
		out.Stderr = truncateStderr(stderr.String())
		out.CompletedAt = time.Now().UTC()
		logger.Error("dispatch timed out", "timeout", d.timeout)
		return out

	case err := <-waitErr:
		out.Stderr = truncateStderr(stderr.String())
		out.CompletedAt = time.Now().UTC()

		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				out.Status = StatusFailed
				out.ExitCode = exitErr.ExitCode()
				logger.Error("dispatch failed", "exit_code", out.ExitCode, "stderr", out.Stderr)
				return out
			}
			out.Status = StatusError
			out.Error = fmt.Sprintf("wait for command: %v", err)
			logger.Error("dispatch error", "error", err)
			return out
		}

		out.Status = StatusSucceeded
		if stdout.Len() > 0 {
			logger.Debug("command output", "stdout", stdout.String())
		}
		logger.Info("dispatch complete", "duration", out.Duration().Round(time.Millisecond))
		return out
	}
}

// truncateStderr caps captured stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
